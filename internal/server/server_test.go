// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/zeno/internal/client"
	"github.com/jeranaias/zeno/internal/config"
	"github.com/jeranaias/zeno/internal/relay"
	"github.com/jeranaias/zeno/internal/retry"
)

// =============================================================================
// FIXTURES
// =============================================================================

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type upstreamCapture struct {
	calls   atomic.Int32
	auth    atomic.Value
	request atomic.Value
}

// fakeOpenRouter streams frames verbatim, one write per frame.
func fakeOpenRouter(t *testing.T, frames ...string) (*httptest.Server, *upstreamCapture) {
	t.Helper()
	capture := &upstreamCapture{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.calls.Add(1)
		capture.auth.Store(r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		capture.request.Store(body)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			io.WriteString(w, f)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(ts.Close)
	return ts, capture
}

func testConfig(chatURL, imageURL string) *config.Config {
	cfg := config.Default()
	cfg.OpenRouter.APIKey = "sk-or-test"
	cfg.HuggingFace.APIKey = "hf-test"
	if chatURL != "" {
		cfg.OpenRouter.BaseURL = chatURL
	}
	if imageURL != "" {
		cfg.HuggingFace.BaseURL = imageURL
	}
	cfg.Server.RateLimit = 0
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg).WithLogger(quietLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

const chatBody = `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi","id":"m1"}],"userName":"Ada"}`

// =============================================================================
// CHAT
// =============================================================================

func TestChat_RelaysStream(t *testing.T) {
	upstream, capture := fakeOpenRouter(t,
		": OPENROUTER PROCESSING\n\n",
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n",
		"\n"+`data: {"choices":[{"delta":{}}]}`+"\n\n",
		"data: [DONE]\n\n",
	)
	srv, ts := startServer(t, testConfig(upstream.URL, ""))

	resp := postJSON(t, ts.URL+"/api/chat", chatBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t,
		"data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n",
		string(body))

	require.Equal(t, "Bearer sk-or-test", capture.auth.Load())

	var sent struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(capture.request.Load().([]byte), &sent))
	require.Equal(t, "openai/gpt-4o", sent.Model)
	require.True(t, sent.Stream)
	require.Len(t, sent.Messages, 2)
	require.Equal(t, "system", sent.Messages[0].Role)
	require.Contains(t, sent.Messages[0].Content, "Ada")
	require.Equal(t, "hi", sent.Messages[1].Content)

	stats := srv.Stats()
	require.Equal(t, int64(1), stats.ChatRequests)
	require.Equal(t, int64(2), stats.Deltas)
}

func TestChat_SkipsMalformedFrames(t *testing.T) {
	upstream, _ := fakeOpenRouter(t,
		"data: {not json}\n\n",
		`data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n",
		"data: [DONE]\n\n",
	)
	srv, ts := startServer(t, testConfig(upstream.URL, ""))

	resp := postJSON(t, ts.URL+"/api/chat", chatBody)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "data: {\"content\":\"ok\"}\n\ndata: [DONE]\n\n", string(body))
	require.Equal(t, int64(1), srv.Stats().SkippedFrames)
}

func TestChat_UpstreamEOFStillTerminates(t *testing.T) {
	upstream, _ := fakeOpenRouter(t, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n\n")
	_, ts := startServer(t, testConfig(upstream.URL, ""))

	resp := postJSON(t, ts.URL+"/api/chat", chatBody)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, 1, strings.Count(string(body), "data: [DONE]"))
	require.True(t, strings.HasSuffix(string(body), "data: [DONE]\n\n"))
}

func TestChat_MissingKey(t *testing.T) {
	upstream, capture := fakeOpenRouter(t)
	cfg := testConfig(upstream.URL, "")
	cfg.OpenRouter.APIKey = ""
	_, ts := startServer(t, cfg)

	resp := postJSON(t, ts.URL+"/api/chat", chatBody)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeError(t, resp)
	require.Equal(t, KindConfiguration, e.Kind)
	require.Equal(t, "OpenRouter API key not configured", e.Error)
	require.Zero(t, capture.calls.Load())
}

func TestChat_ValidationNeverReachesUpstream(t *testing.T) {
	upstream, capture := fakeOpenRouter(t)
	srv, ts := startServer(t, testConfig(upstream.URL, ""))

	cases := map[string]string{
		"no model":     `{"messages":[{"role":"user","content":"hi"}]}`,
		"no messages":  `{"model":"m"}`,
		"empty list":   `{"model":"m","messages":[]}`,
		"bad role":     `{"model":"m","messages":[{"role":"tool","content":"hi"}]}`,
		"invalid json": `{"model":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/chat", body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.Equal(t, KindValidation, decodeError(t, resp).Kind)
		})
	}
	require.Zero(t, capture.calls.Load())
	require.Equal(t, int64(len(cases)), srv.Stats().Rejected)
}

func TestChat_BodyTooLarge(t *testing.T) {
	upstream, _ := fakeOpenRouter(t)
	cfg := testConfig(upstream.URL, "")
	cfg.Server.MaxBodyBytes = 64
	_, ts := startServer(t, cfg)

	big := `{"model":"m","messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`
	resp := postJSON(t, ts.URL+"/api/chat", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestChat_UpstreamStatusPropagates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"Rate limit exceeded","code":429}}`)
	}))
	defer upstream.Close()
	srv, ts := startServer(t, testConfig(upstream.URL, ""))

	resp := postJSON(t, ts.URL+"/api/chat", chatBody)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	e := decodeError(t, resp)
	require.Equal(t, "Rate limit exceeded", e.Error)
	require.Equal(t, KindUpstream, e.Kind)
	require.Equal(t, int64(1), srv.Stats().UpstreamErrors)
}

func TestChat_EndToEndWithClient(t *testing.T) {
	upstream, _ := fakeOpenRouter(t,
		`data: {"choices":[{"delta":{"content":"Bon"}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":"jour"}}]}`+"\n\n",
		"data: [DONE]\n\n",
	)
	_, ts := startServer(t, testConfig(upstream.URL, ""))

	var updates []string
	c := client.New(ts.URL).WithLogger(quietLogger)
	got, err := c.StreamChat(context.Background(), &relay.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []relay.ChatMessage{{Role: "user", Content: "hello"}},
	}, func(acc string) { updates = append(updates, acc) })

	require.NoError(t, err)
	require.Equal(t, "Bonjour", got)
	require.Equal(t, []string{"Bon", "Bonjour"}, updates)
}

func TestChat_FailureBeforeContentIsRetriedAndSurfaced(t *testing.T) {
	upstream, capture := fakeOpenRouter(t,
		`data: {"error":{"message":"provider overloaded","code":502}}`+"\n\n",
	)
	_, ts := startServer(t, testConfig(upstream.URL, ""))

	c := client.New(ts.URL).WithLogger(quietLogger).
		WithChatPolicy(retry.Policy{MaxAttempts: 3, Backoff: time.Millisecond, Timeout: 5 * time.Second})
	got, err := c.Chat(context.Background(), &relay.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []relay.ChatMessage{{Role: "user", Content: "hello"}},
	}, nil)

	require.Empty(t, got)
	var rerr *retry.Error
	require.True(t, errors.As(err, &rerr), "err = %v", err)
	require.Equal(t, 3, rerr.Attempts)
	require.Contains(t, err.Error(), "provider overloaded")
	require.Equal(t, int32(3), capture.calls.Load())
}

// =============================================================================
// IMAGES
// =============================================================================

func fakeHuggingFace(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Value) {
	t.Helper()
	path := &atomic.Value{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts, path
}

func TestGenerateImage_Success(t *testing.T) {
	png := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	hf, path := fakeHuggingFace(t, http.StatusOK, png)
	srv, ts := startServer(t, testConfig("", hf.URL))

	resp := postJSON(t, ts.URL+"/api/generate-image", `{"prompt":"a red fox","modelId":"flux-schnell"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out GenerateImageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, strings.HasPrefix(out.ImageURL, "data:image/jpeg;base64,"))

	mediaType, data, err := client.DecodeDataURI(out.ImageURL)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", mediaType)
	require.Equal(t, png, data)

	require.True(t, strings.HasSuffix(path.Load().(string), "FLUX.1-schnell"))
	require.Equal(t, int64(1), srv.Stats().ImageRequests)
}

func TestGenerateImage_UnknownModel(t *testing.T) {
	hf, path := fakeHuggingFace(t, http.StatusOK, []byte("x"))
	_, ts := startServer(t, testConfig("", hf.URL))

	resp := postJSON(t, ts.URL+"/api/generate-image", `{"prompt":"a fox","modelId":"unknown-model"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid image model ID: unknown-model", decodeError(t, resp).Error)
	require.Nil(t, path.Load())
}

func TestGenerateImage_EmptyPrompt(t *testing.T) {
	_, ts := startServer(t, testConfig("", ""))

	resp := postJSON(t, ts.URL+"/api/generate-image", `{"prompt":"  ","modelId":"flux-schnell"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, KindValidation, decodeError(t, resp).Kind)
}

func TestGenerateImage_MissingKey(t *testing.T) {
	cfg := testConfig("", "")
	cfg.HuggingFace.APIKey = ""
	_, ts := startServer(t, cfg)

	resp := postJSON(t, ts.URL+"/api/generate-image", `{"prompt":"a fox","modelId":"flux-schnell"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, KindConfiguration, decodeError(t, resp).Kind)
}

func TestGenerateImage_ProviderErrorPropagates(t *testing.T) {
	hf, _ := fakeHuggingFace(t, http.StatusServiceUnavailable, []byte(`{"error":"Model is currently loading"}`))
	srv, ts := startServer(t, testConfig("", hf.URL))

	resp := postJSON(t, ts.URL+"/api/generate-image", `{"prompt":"a fox","modelId":"flux-schnell"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	e := decodeError(t, resp)
	require.Equal(t, "Model is currently loading", e.Error)
	require.Equal(t, KindUpstream, e.Kind)
	require.Equal(t, int64(1), srv.Stats().UpstreamErrors)
}

func TestImageModels(t *testing.T) {
	_, ts := startServer(t, testConfig("", ""))

	resp, err := http.Get(ts.URL + "/api/image-models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ImageModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Models)
	for i := 1; i < len(out.Models); i++ {
		require.Less(t, out.Models[i-1].ID, out.Models[i].ID)
	}
}

// =============================================================================
// STATUS, HEALTH, STATS
// =============================================================================

func getStatus(t *testing.T, url string) StatusResponse {
	t.Helper()
	resp, err := http.Get(url + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestStatus_ReflectsHotReload(t *testing.T) {
	cfg := testConfig("", "")
	cfg.OpenRouter.APIKey = ""
	srv, ts := startServer(t, cfg)

	st := getStatus(t, ts.URL)
	require.False(t, st.Configured)
	require.False(t, st.Chat)
	require.True(t, st.ImageGeneration)
	require.Equal(t, cfg.DefaultModel, st.Model)

	next := cfg.Clone()
	next.OpenRouter.APIKey = "sk-or-late"
	srv.SetConfig(next)

	st = getStatus(t, ts.URL)
	require.True(t, st.Configured)
	require.True(t, st.Chat)
}

func TestHealthAndStats(t *testing.T) {
	_, ts := startServer(t, testConfig("", ""))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health.Status)
	require.Equal(t, Version, health.Version)

	resp, err = http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Contains(t, raw, "chat_requests")
	require.Contains(t, raw, "uptime_seconds")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	_, ts := startServer(t, testConfig("", ""))

	resp, err := http.Get(ts.URL + "/api/chat")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClassify(t *testing.T) {
	status, kind, msg := classify(&relay.ValidationError{Field: "model", Message: "must be a non-empty string"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, KindValidation, kind)
	require.Equal(t, "model: must be a non-empty string", msg)

	status, kind, _ = classify(context.DeadlineExceeded)
	require.Equal(t, http.StatusGatewayTimeout, status)
	require.Equal(t, KindUpstream, kind)

	status, kind, msg = classify(io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, KindInternal, kind)
	require.NotContains(t, msg, "EOF")
}

func TestServeAndShutdown(t *testing.T) {
	srv := New(testConfig("", "")).WithLogger(quietLogger)
	ln := httptest.NewUnstartedServer(nil).Listener
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, testTimeout, testTick)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-done)
}
