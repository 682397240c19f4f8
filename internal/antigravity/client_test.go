package antigravity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestParseStatusErrorQuotaBody(t *testing.T) {
	body := []byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED","metadata":{"quotaResetTimeStamp":"2026-08-24T12:30:00Z"}}]}}`)
	err := parseStatusError(429, http.Header{}, body)

	if err.Code != 429 || err.Status != "RESOURCE_EXHAUSTED" || err.Message != "quota exceeded" {
		t.Errorf("parsed = %+v", err)
	}
	if !err.QuotaExhausted() {
		t.Errorf("QuotaExhausted = false")
	}
	want := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	if !err.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", err.ResetAt, want)
	}
}

func TestParseStatusErrorRetryAfterWins(t *testing.T) {
	body := []byte(`{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota","details":[{"metadata":{"quotaResetTimeStamp":"2020-01-01T00:00:00Z"}}]}}`)
	header := http.Header{}
	header.Set("Retry-After", "90")

	before := time.Now()
	err := parseStatusError(429, header, body)
	after := time.Now()

	lo := before.Add(90 * time.Second)
	hi := after.Add(90 * time.Second)
	if err.ResetAt.Before(lo) || err.ResetAt.After(hi) {
		t.Errorf("ResetAt = %v, want about now+90s", err.ResetAt)
	}
}

func TestParseStatusErrorPlainBody(t *testing.T) {
	err := parseStatusError(500, http.Header{}, []byte("internal error\n"))
	if err.Code != 500 || err.Message != "internal error" {
		t.Errorf("parsed = %+v", err)
	}
	if err.QuotaExhausted() {
		t.Errorf("500 misread as quota rejection")
	}
	if !err.ResetAt.IsZero() {
		t.Errorf("ResetAt = %v, want zero", err.ResetAt)
	}
}

func TestParseResponseWrappedAndBare(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":3}}}`)
	resp, err := ParseResponse(wrapped)
	if err != nil {
		t.Fatalf("ParseResponse wrapped: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].Text != "hi" {
		t.Errorf("wrapped candidates = %+v", resp.Candidates)
	}
	if resp.UsageMetadata == nil || resp.UsageMetadata.PromptTokenCount != 3 {
		t.Errorf("wrapped usage = %+v", resp.UsageMetadata)
	}

	bare := []byte(`{"candidates":[{"content":{"parts":[{"text":"yo"}]}}]}`)
	resp, err = ParseResponse(bare)
	if err != nil {
		t.Fatalf("ParseResponse bare: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].Text != "yo" {
		t.Errorf("bare candidates = %+v", resp.Candidates)
	}

	if _, err := ParseResponse([]byte("nope")); err == nil {
		t.Errorf("garbage accepted")
	}
}

func TestFetchModelsMapsQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"models":[
			{"model":"rev19-f1-1p","quotaInfo":{"remainingFraction":0.42,"resetTime":"2026-08-25T00:00:00Z"}},
			{"model":"gemini-3-pro-high","quotaInfo":{"percentage":25}},
			{"model":"gemini-2.5-pro"}
		]}`)
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{ModelsURL: srv.URL, Logger: log.New(os.Stderr, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	quota, err := c.FetchModels(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchModels: %v", err)
	}

	// Wire names come back under their public aliases.
	if q := quota["gemini-2.5-flash"]; q.Remaining != 0.42 || q.ResetTime != "2026-08-25T00:00:00Z" {
		t.Errorf("gemini-2.5-flash quota = %+v", q)
	}
	if q := quota["gemini-3-pro-preview"]; q.Remaining != 0.25 {
		t.Errorf("gemini-3-pro-preview quota = %+v", q)
	}
	// Missing quotaInfo means a full allotment.
	if q := quota["gemini-2.5-pro"]; q.Remaining != 1 {
		t.Errorf("gemini-2.5-pro quota = %+v", q)
	}
}

func TestGenerateUnwrapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != generatePath {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}]}}`)
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{APIURL: srv.URL, Logger: log.New(os.Stderr, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Generate(context.Background(), "tok", &Envelope{Model: "gemini-2.5-pro"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Candidates[0].Content.Parts[0].Text != "done" || resp.Candidates[0].FinishReason != "STOP" {
		t.Errorf("resp = %+v", resp.Candidates[0])
	}
}

func TestGenerateSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"slow down"}}`)
	}))
	defer srv.Close()

	c, err := NewClient(ClientOptions{APIURL: srv.URL, Logger: log.New(os.Stderr, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generate(context.Background(), "tok", &Envelope{})
	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("err = %T %v, want StatusError", err, err)
	}
	if !statusErr.QuotaExhausted() || statusErr.ResetAt.IsZero() {
		t.Errorf("statusErr = %+v", statusErr)
	}
}
