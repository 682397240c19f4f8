package antigravity

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	oauthTokenURL = "https://oauth2.googleapis.com/token"
	clientID      = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	clientSecret  = "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"

	baseURLProd  = "https://cloudcode-pa.googleapis.com"
	baseURLDaily = "https://daily-cloudcode-pa.googleapis.com"

	streamPath      = "/v1internal:streamGenerateContent"
	generatePath    = "/v1internal:generateContent"
	modelsPath      = "/v1internal:fetchAvailableModels"
	loadAssistPath  = "/v1internal:loadCodeAssist"
	xGoogAPIClient  = "gl-node/22.17.0"
	clientMetadata  = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	antigravityType = "ANTIGRAVITY"
)

// StatusError reports a non-2xx upstream reply. ResetAt is non-zero when
// the body carried a quota reset timestamp.
type StatusError struct {
	Code    int
	Status  string
	Message string
	ResetAt time.Time
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// QuotaExhausted reports whether the error is a quota rejection.
func (e *StatusError) QuotaExhausted() bool {
	return e.Code == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED"
}

// TokenResponse is the OAuth refresh grant reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// ClientOptions configures the upstream HTTP client.
type ClientOptions struct {
	// APIURL overrides the built-in base URL fallback list.
	APIURL string
	// ModelsURL and NoStreamURL override single endpoints.
	ModelsURL   string
	NoStreamURL string
	UserAgent   string
	Proxy       string
	Timeout     time.Duration
	Logger      *log.Logger
}

// Client talks to the Antigravity upstream.
type Client struct {
	http        *http.Client
	baseURLs    []string
	modelsURL   string
	noStreamURL string
	userAgent   string
	logger      *log.Logger
}

// NewClient builds a Client from options.
func NewClient(opts ClientOptions) (*Client, error) {
	transport := &http.Transport{}
	if strings.TrimSpace(opts.Proxy) != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	baseURLs := []string{baseURLProd, baseURLDaily}
	if strings.TrimSpace(opts.APIURL) != "" {
		baseURLs = []string{strings.TrimSuffix(opts.APIURL, "/")}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "antigravity/unknown"
	}
	return &Client{
		http:        &http.Client{Transport: transport, Timeout: timeout},
		baseURLs:    baseURLs,
		modelsURL:   opts.ModelsURL,
		noStreamURL: opts.NoStreamURL,
		userAgent:   userAgent,
		logger:      logger,
	}, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth refresh: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth refresh read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("oauth refresh decode: %w", err)
	}
	if token.AccessToken == "" {
		return nil, &StatusError{Code: resp.StatusCode, Message: "oauth reply missing access_token"}
	}
	return &token, nil
}

// LoadProject discovers the credential's project id via loadCodeAssist.
// An empty return means the account is ineligible.
func (c *Client) LoadProject(ctx context.Context, accessToken string) (string, error) {
	payload := map[string]interface{}{
		"metadata": map[string]interface{}{"ideType": antigravityType},
	}
	body, err := c.postJSON(ctx, accessToken, loadAssistPath, "", payload)
	if err != nil {
		return "", err
	}
	var reply struct {
		Project json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("loadCodeAssist decode: %w", err)
	}
	if len(reply.Project) == 0 {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(reply.Project, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(reply.Project, &obj); err == nil {
		return strings.TrimSpace(obj.ID), nil
	}
	return "", nil
}

// FetchModels returns the per-model remaining quota for the credential.
func (c *Client) FetchModels(ctx context.Context, accessToken string) (map[string]ModelQuota, error) {
	body, err := c.postJSON(ctx, accessToken, modelsPath, c.modelsURL, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var reply struct {
		Models []struct {
			Model     string `json:"model"`
			ModelID   string `json:"modelId"`
			Name      string `json:"name"`
			QuotaInfo *struct {
				RemainingFraction *float64 `json:"remainingFraction"`
				Percentage        *float64 `json:"percentage"`
				ResetTime         string   `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("fetchAvailableModels decode: %w", err)
	}
	out := make(map[string]ModelQuota, len(reply.Models))
	for _, m := range reply.Models {
		name := m.Model
		if name == "" {
			name = m.ModelID
		}
		if name == "" {
			name = m.Name
		}
		if name == "" {
			continue
		}
		quota := ModelQuota{Remaining: 1}
		if m.QuotaInfo != nil {
			switch {
			case m.QuotaInfo.RemainingFraction != nil:
				quota.Remaining = *m.QuotaInfo.RemainingFraction
			case m.QuotaInfo.Percentage != nil:
				quota.Remaining = *m.QuotaInfo.Percentage / 100
			}
			quota.ResetTime = m.QuotaInfo.ResetTime
		}
		out[PublicModelName(name)] = quota
	}
	return out, nil
}

// Generate performs a single non-stream generation call.
func (c *Client) Generate(ctx context.Context, accessToken string, env *Envelope) (*GenerateResponse, error) {
	body, err := c.postJSON(ctx, accessToken, generatePath, c.noStreamURL, env)
	if err != nil {
		return nil, err
	}
	return ParseResponse(body)
}

// Stream opens the SSE generation stream. The caller owns the returned
// body and must close it.
func (c *Client) Stream(ctx context.Context, accessToken string, env *Envelope) (io.ReadCloser, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	var lastErr error
	for i, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+streamPath+"?alt=sse", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, accessToken)
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if i < len(c.baseURLs)-1 {
				c.logger.Printf("[WARN] antigravity: stream request failed on %s, trying fallback: %v", base, err)
				continue
			}
			return nil, fmt.Errorf("stream request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(decodeBody(resp), 64*1024))
			_ = resp.Body.Close()
			statusErr := parseStatusError(resp.StatusCode, resp.Header, body)
			lastErr = statusErr
			if resp.StatusCode == http.StatusTooManyRequests && i < len(c.baseURLs)-1 {
				c.logger.Printf("[WARN] antigravity: rate limited on %s, trying fallback", base)
				continue
			}
			return nil, statusErr
		}
		return newDecodedReadCloser(resp), nil
	}
	return nil, lastErr
}

func (c *Client) postJSON(ctx context.Context, accessToken, path, override string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	urls := make([]string, 0, len(c.baseURLs))
	if strings.TrimSpace(override) != "" {
		urls = append(urls, override)
	} else {
		for _, base := range c.baseURLs {
			urls = append(urls, base+path)
		}
	}
	var lastErr error
	for i, target := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, accessToken)
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if i < len(urls)-1 {
				c.logger.Printf("[WARN] antigravity: request failed on %s, trying fallback: %v", target, err)
				continue
			}
			return nil, err
		}
		replyBody, readErr := io.ReadAll(decodeBody(resp))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if i < len(urls)-1 {
				continue
			}
			return nil, readErr
		}
		if resp.StatusCode != http.StatusOK {
			statusErr := parseStatusError(resp.StatusCode, resp.Header, replyBody)
			lastErr = statusErr
			if resp.StatusCode == http.StatusTooManyRequests && i < len(urls)-1 {
				c.logger.Printf("[WARN] antigravity: rate limited on %s, trying fallback", target)
				continue
			}
			return nil, statusErr
		}
		return replyBody, nil
	}
	return nil, lastErr
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	req.Header.Set("Client-Metadata", clientMetadata)
}

// parseStatusError extracts a quota reset instant from a Retry-After header
// or a RESOURCE_EXHAUSTED error body.
func parseStatusError(status int, header http.Header, body []byte) *StatusError {
	out := &StatusError{Code: status, Message: strings.TrimSpace(string(body))}

	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Type     string `json:"@type"`
				Reason   string `json:"reason,omitempty"`
				Metadata struct {
					QuotaResetDelay     string `json:"quotaResetDelay,omitempty"`
					QuotaResetTimeStamp string `json:"quotaResetTimeStamp,omitempty"`
				} `json:"metadata,omitempty"`
			} `json:"details,omitempty"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Error.Message != "" {
			out.Message = errResp.Error.Message
		}
		out.Status = errResp.Error.Status
		for _, detail := range errResp.Error.Details {
			if detail.Metadata.QuotaResetTimeStamp == "" {
				continue
			}
			if parsed, err := time.Parse(time.RFC3339, detail.Metadata.QuotaResetTimeStamp); err == nil {
				out.ResetAt = parsed
				break
			}
		}
	}

	// Retry-After wins over body-derived timestamps.
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			out.ResetAt = time.Now().Add(time.Duration(secs) * time.Second)
		} else if at, err := http.ParseTime(v); err == nil {
			out.ResetAt = at
		}
	}
	return out
}

func decodeBody(resp *http.Response) io.Reader {
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		if gz, err := gzip.NewReader(resp.Body); err == nil {
			return gz
		}
	}
	return resp.Body
}

type decodedReadCloser struct {
	io.Reader
	resp *http.Response
}

func newDecodedReadCloser(resp *http.Response) io.ReadCloser {
	return &decodedReadCloser{Reader: decodeBody(resp), resp: resp}
}

func (d *decodedReadCloser) Close() error {
	return d.resp.Body.Close()
}
