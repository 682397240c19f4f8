package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/anthropic"
	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/cooldown"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
	"github.com/skyrelay/antigravity-gateway/internal/selector"
	"github.com/skyrelay/antigravity-gateway/internal/stream"
	"github.com/skyrelay/antigravity-gateway/internal/tokens"
	"github.com/skyrelay/antigravity-gateway/internal/translator"
	"github.com/skyrelay/antigravity-gateway/internal/usagedb"
)

// defaultCooldown is applied when a quota rejection carries no reset time.
const defaultCooldown = time.Minute

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)).Decode(&req); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, tokens.NewCountResult(tokens.EstimateRequest(req)))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)).Decode(&req); err != nil {
		s.respondAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	inputEstimate := tokens.EstimateRequest(req)
	attempts := s.cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cred, err := s.selector.Pick(r.Context(), req.Model)
		if err != nil {
			if errors.Is(err, selector.ErrPoolExhausted) {
				s.respondAPIError(w, http.StatusServiceUnavailable, "overloaded_error", "no usable credential for model "+req.Model)
				return
			}
			lastErr = err
			continue
		}

		env, err := s.translator.Build(req, cred)
		if err != nil {
			var inputErr *translator.InputError
			if errors.As(err, &inputErr) {
				s.respondAPIError(w, http.StatusBadRequest, "invalid_request_error", inputErr.Error())
				return
			}
			s.respondAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
			return
		}

		if req.Stream {
			err = s.streamOnce(w, r, req, cred, env, inputEstimate, reqStart)
		} else {
			err = s.generateOnce(w, r, req, cred, env, inputEstimate, reqStart)
		}
		if err == nil {
			return
		}
		lastErr = err
		if !s.advanceOn(err, cred, req.Model) {
			break
		}
		s.logger.Printf("[WARN] messages: attempt %d/%d failed for project=%s: %v", i+1, attempts, cred.Project(), err)
	}

	status, kind := classifyFinal(lastErr)
	message := "upstream request failed"
	if lastErr != nil {
		message = lastErr.Error()
	}
	s.respondAPIError(w, status, kind, message)
}

// advanceOn mutates cooldown state for the failed credential and reports
// whether the selector loop should try another one.
func (s *Server) advanceOn(err error, cred *credential.Credential, model string) bool {
	var statusErr *antigravity.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.QuotaExhausted() {
			resetAt := statusErr.ResetAt
			if resetAt.IsZero() {
				resetAt = time.Now().Add(defaultCooldown)
			}
			quota := s.monitor.Snapshot(cred)
			if quota == nil {
				// No cached snapshot yet; take a best-effort live reading so
				// an exhausted model group is parked as a whole.
				fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				quota, _ = s.client.FetchModels(fetchCtx, cred.Token())
				cancel()
			}
			s.registry.PutWithQuota(cred.Project(), model, resetAt, cooldown.ReasonResourceExhausted, quota)
			return true
		}
		return s.cfg.ShouldRetry(statusErr.Code)
	}
	// Network failures and timeouts are transient; try the next credential.
	return true
}

// classifyFinal maps the last attempt's error onto a client-facing status.
func classifyFinal(err error) (int, string) {
	var statusErr *antigravity.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.QuotaExhausted():
			return http.StatusServiceUnavailable, "overloaded_error"
		case statusErr.Code >= 400 && statusErr.Code < 500:
			return statusErr.Code, "invalid_request_error"
		}
	}
	return http.StatusBadGateway, "api_error"
}

func (s *Server) streamOnce(w http.ResponseWriter, r *http.Request, req anthropic.MessagesRequest, cred *credential.Credential, env *antigravity.Envelope, inputEstimate int, reqStart time.Time) error {
	body, err := s.client.Stream(r.Context(), cred.Token(), env)
	if err != nil {
		return err
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	em := stream.NewEmitter(w, strings.TrimPrefix(env.RequestID, "agent-"), req.Model, inputEstimate)
	em.Start()
	usage, relayErr := stream.Relay(r.Context(), body, em, s.translator.Signatures(), s.logger)
	em.Finish(stream.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})

	if relayErr != nil && !errors.Is(relayErr, context.Canceled) {
		s.logger.Printf("[WARN] messages: stream ended early for project=%s: %v", cred.Project(), relayErr)
	}
	s.recordUsage(req.Model, cred.Project(), orDefault(usage.InputTokens, inputEstimate), orDefault(usage.OutputTokens, em.OutputTokens()), reqStart, false)
	// The stream already reached the client; the request cannot be retried.
	return nil
}

func (s *Server) generateOnce(w http.ResponseWriter, r *http.Request, req anthropic.MessagesRequest, cred *credential.Credential, env *antigravity.Envelope, inputEstimate int, reqStart time.Time) error {
	resp, err := s.client.Generate(r.Context(), cred.Token(), env)
	if err != nil {
		return err
	}

	blocks, stopReason := s.translator.BlocksFromResponse(resp)
	usage := anthropic.Usage{InputTokens: inputEstimate}
	if resp.UsageMetadata != nil {
		usage.InputTokens = orDefault(resp.UsageMetadata.PromptTokenCount, inputEstimate)
		usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount
	}
	if usage.OutputTokens == 0 {
		for _, block := range blocks {
			usage.OutputTokens += tokens.Estimate(block.Text + block.Thinking)
		}
	}

	s.respondJSON(w, http.StatusOK, anthropic.MessagesResponse{
		ID:         "msg_" + strings.TrimPrefix(env.RequestID, "agent-"),
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      req.Model,
		StopReason: stopReason,
		Usage:      usage,
	})
	s.recordUsage(req.Model, cred.Project(), usage.InputTokens, usage.OutputTokens, reqStart, false)
	return nil
}

// recordUsage writes the usage log entry off the request path.
func (s *Server) recordUsage(model, projectID string, input, output int, reqStart time.Time, failed bool) {
	if s.usage == nil || projectID == "" {
		return
	}
	entry := usagedb.Entry{
		ProjectID:    projectID,
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
		DurationMS:   time.Since(reqStart).Milliseconds(),
		Failed:       failed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.usage.Record(ctx, entry); err != nil {
			s.logger.Printf("[ERROR] usage: record failed: %v", err)
		}
	}()
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
