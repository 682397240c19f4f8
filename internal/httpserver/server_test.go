package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/config"
	"github.com/skyrelay/antigravity-gateway/internal/cooldown"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
	"github.com/skyrelay/antigravity-gateway/internal/quota"
	"github.com/skyrelay/antigravity-gateway/internal/selector"
	"github.com/skyrelay/antigravity-gateway/internal/testutil"
	"github.com/skyrelay/antigravity-gateway/internal/tokens"
	"github.com/skyrelay/antigravity-gateway/internal/translator"
)

// harness wires a full gateway against a fake upstream.
type harness struct {
	gateway  *httptest.Server
	registry *cooldown.Registry
	cfg      config.Config
}

func newHarness(t *testing.T, upstream http.Handler, creds int, mutate func(*config.Config)) *harness {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)

	up := testutil.NewIPv4Server(t, upstream)
	t.Cleanup(up.Close)

	client, err := antigravity.NewClient(antigravity.ClientOptions{
		APIURL: up.URL,
		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	entries := make([]map[string]interface{}, 0, creds)
	for i := 0; i < creds; i++ {
		entries = append(entries, map[string]interface{}{
			"refresh_token": fmt.Sprintf("rt-%d", i),
			"access_token":  fmt.Sprintf("at-%d", i),
			"expires_in":    3600,
			"timestamp":     time.Now().UnixMilli(),
			"projectId":     fmt.Sprintf("p%d", i+1),
		})
	}
	raw, _ := json.Marshal(entries)
	credPath := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(credPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	store := credential.NewStore(credPath, client, logger)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	registry := cooldown.NewRegistry(filepath.Join(dir, "cooldowns.json"), logger)
	t.Cleanup(registry.Close)
	ledger := tokens.NewLedger()
	sel := selector.New(store, registry, ledger, 100, logger)
	monitor := quota.NewMonitor(store, client, logger)
	sel.SetUsedCallback(monitor.MarkUsed)
	tr := translator.New(translator.Options{UserAgent: "antigravity/test"}, translator.NewSignatureCache(), logger)

	cfg := config.Config{
		MaxRequestSize:   1 << 20,
		RetryMaxAttempts: 2,
		RetryStatusCodes: []int{429, 500, 502, 503, 504},
		DefaultMaxTokens: 64000,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Registry:   registry,
		Monitor:    monitor,
		Selector:   sel,
		Translator: tr,
		Client:     client,
	})
	gw := httptest.NewServer(srv.Router())
	t.Cleanup(gw.Close)
	return &harness{gateway: gw, registry: registry, cfg: cfg}
}

func (h *harness) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.gateway.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func generateOK(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer at-") {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}}`)
	})
}

const messagesBody = `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`

func TestMessagesNonStream(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, nil)
	resp, raw := h.post(t, "/v1/messages", messagesBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Role       string `json:"role"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, raw)
	}
	if !strings.HasPrefix(out.ID, "msg_") || out.Type != "message" || out.Role != "assistant" {
		t.Errorf("envelope = %+v", out)
	}
	if out.Model != "gemini-2.5-pro" || out.StopReason != "end_turn" {
		t.Errorf("model/stop = %s/%s", out.Model, out.StopReason)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != "done" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestMessagesStream(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:streamGenerateContent" || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("upstream url = %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}}\n\n")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]}}],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":2}}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	h := newHarness(t, upstream, 1, nil)

	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp, raw := h.post(t, "/v1/messages", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	text := string(raw)
	for _, want := range []string{
		"event: message_start",
		"event: content_block_start",
		`"text":"hel"`,
		`"text":"lo"`,
		"event: message_delta",
		"event: message_stop",
		`"output_tokens":2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("stream missing %q:\n%s", want, text)
		}
	}
}

func TestMessagesEmptyPool(t *testing.T) {
	h := newHarness(t, generateOK(t), 0, nil)
	resp, raw := h.post(t, "/v1/messages", messagesBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error.Type != "overloaded_error" {
		t.Errorf("error type = %q", out.Error.Type)
	}
}

func TestMessagesQuotaRejectionParksModel(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`)
	})
	h := newHarness(t, upstream, 1, nil)

	resp, raw := h.post(t, "/v1/messages", messagesBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if !h.registry.IsOn("p1", "gemini-2.5-pro") {
		t.Errorf("quota rejection did not park the model")
	}
}

func TestMessagesQuotaRejectionParksExhaustedGroup(t *testing.T) {
	group := antigravity.GroupFor("gemini-2.5-pro")
	if len(group) == 0 {
		t.Fatal("no group for gemini-2.5-pro")
	}
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1internal:fetchAvailableModels" {
			models := make([]string, 0, len(group))
			for _, m := range group {
				models = append(models, fmt.Sprintf(`{"model":%q,"quotaInfo":{"remainingFraction":0}}`, m))
			}
			fmt.Fprintf(w, `{"models":[%s]}`, strings.Join(models, ","))
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`)
	})
	h := newHarness(t, upstream, 1, nil)

	resp, raw := h.post(t, "/v1/messages", messagesBody, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	// The live quota reading shows the whole group spent, so every
	// sibling is parked along with the rejected model.
	for _, m := range group {
		if !h.registry.IsOn("p1", m) {
			t.Errorf("model %s not parked with the group", m)
		}
	}
}

func TestMessagesInvalidRequest(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, nil)
	resp, raw := h.post(t, "/v1/messages", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), "invalid_request_error") {
		t.Errorf("body = %s", raw)
	}
}

func TestCountTokens(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, nil)
	resp, raw := h.post(t, "/v1/messages/count_tokens", messagesBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.InputTokens <= 0 {
		t.Errorf("input_tokens = %d", out.InputTokens)
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, func(cfg *config.Config) {
		cfg.APIKey = "sekret"
	})

	resp, _ := h.post(t, "/v1/messages/count_tokens", messagesBody, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	resp, _ = h.post(t, "/v1/messages/count_tokens", messagesBody, map[string]string{"x-api-key": "sekret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("x-api-key status = %d", resp.StatusCode)
	}

	resp, _ = h.post(t, "/v1/messages/count_tokens", messagesBody, map[string]string{"Authorization": "Bearer sekret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", resp.StatusCode)
	}

	// Health stays open.
	health, err := http.Get(h.gateway.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", health.StatusCode)
	}
}

func TestAdminBasicAuth(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, func(cfg *config.Config) {
		cfg.PanelUser = "admin"
		cfg.PanelPassword = "hunter2"
	})

	resp, err := http.Get(h.gateway.URL + "/admin/cooldowns")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.gateway.URL+"/admin/credentials", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), `"projectId":"p1"`) {
		t.Errorf("credentials body = %s", raw)
	}
}

func TestAdminAbsentWithoutPanelCredentials(t *testing.T) {
	h := newHarness(t, generateOK(t), 1, nil)
	resp, err := http.Get(h.gateway.URL + "/admin/cooldowns")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
