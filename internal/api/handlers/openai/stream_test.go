package openai

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/LMArenaBridge/internal/agent"
	"github.com/router-for-me/LMArenaBridge/internal/api/handlers"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/config"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
	"github.com/tidwall/gjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandlers() (*OpenAIAPIHandlers, *bridge.Registry, *registry.ModelRegistry) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	requests := bridge.NewRegistry(cfg.Request.MaxConcurrent, 10, time.Minute)
	models := registry.NewModelRegistry()
	link := agent.NewLink(requests, models, time.Hour)
	base := handlers.NewAPIHandlers(cfg, requests, models, link, stats.NewCollector(), nil)
	return NewOpenAIAPIHandlers(base), requests, models
}

func chatModel() registry.Model {
	return registry.Model{Name: "test-chat", ID: "chat-id", Type: registry.TypeChat}
}

func imageModel() registry.Model {
	return registry.Model{Name: "test-image", ID: "image-id", Type: registry.TypeImage}
}

// parseSSE splits an event stream body into its data payloads.
func parseSSE(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestStreamResponseRelay(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", nil, chatModel(), "test-chat", true)
	if err != nil {
		t.Fatal(err)
	}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "Hello "}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "world"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameTerminal, FinishReason: "stop"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDone}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.streamResponse(c, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if xab := w.Header().Get("X-Accel-Buffering"); xab != "no" {
		t.Errorf("x-accel-buffering = %q", xab)
	}

	events := parseSSE(w.Body.String())
	if len(events) < 3 {
		t.Fatalf("events = %v", events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event = %q, want [DONE]", events[len(events)-1])
	}

	// Concatenated deltas reproduce the full text.
	var content strings.Builder
	for _, ev := range events[:len(events)-1] {
		parsed := gjson.Parse(ev)
		if parsed.Get("object").String() != "chat.completion.chunk" {
			t.Errorf("object = %q", parsed.Get("object").String())
		}
		content.WriteString(parsed.Get("choices.0.delta.content").String())
	}
	if content.String() != "Hello world" {
		t.Errorf("content = %q, want %q", content.String(), "Hello world")
	}

	// The chunk before [DONE] carries the finish reason with an empty delta.
	final := gjson.Parse(events[len(events)-2])
	if final.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", final.Get("choices.0.finish_reason").String())
	}
	if final.Get("choices.0.delta.content").Exists() {
		t.Error("final chunk should carry an empty delta")
	}
}

func TestStreamResponseImageModel(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", nil, imageModel(), "test-image", true)
	if err != nil {
		t.Fatal(err)
	}
	// Status text interleaved with the media frames must not surface.
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "generating..."}
	req.Queue <- bridge.Frame{Kind: bridge.FrameMedia, Media: []bridge.MediaItem{{Image: "https://x/a.png"}}}
	req.Queue <- bridge.Frame{Kind: bridge.FrameMedia, Media: []bridge.MediaItem{{Image: "https://x/b.png"}}}
	req.Queue <- bridge.Frame{Kind: bridge.FrameTerminal, FinishReason: "stop"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDone}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.streamResponse(c, req)

	// The accumulated URLs arrive as exactly one chunk, finish reason
	// included, followed by [DONE].
	events := parseSSE(w.Body.String())
	if len(events) != 2 {
		t.Fatalf("events = %v, want single chunk plus [DONE]", events)
	}
	chunk := gjson.Parse(events[0])
	want := "![Generated Image](https://x/a.png)\n![Generated Image](https://x/b.png)"
	if got := chunk.Get("choices.0.delta.content").String(); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if chunk.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", chunk.Get("choices.0.finish_reason").String())
	}
	if strings.Contains(events[0], "generating") {
		t.Error("status delta leaked into media stream")
	}
	if events[1] != "[DONE]" {
		t.Errorf("last event = %q", events[1])
	}
}

func TestStreamResponseErrorFrame(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", nil, chatModel(), "test-chat", true)
	if err != nil {
		t.Fatal(err)
	}
	req.Queue <- bridge.ErrorFrame("agent blew up")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.streamResponse(c, req)

	events := parseSSE(w.Body.String())
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	errEvent := gjson.Parse(events[0])
	if errEvent.Get("error.message").String() != "agent blew up" {
		t.Errorf("error message = %q", errEvent.Get("error.message").String())
	}
	if errEvent.Get("error.type").String() != "server_error" {
		t.Errorf("error type = %q", errEvent.Get("error.type").String())
	}
	if events[1] != "[DONE]" {
		t.Errorf("last event = %q", events[1])
	}
}

func TestBufferedResponse(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", []byte(`{"messages":[{"role":"user","content":"hi"}]}`), chatModel(), "test-chat", false)
	if err != nil {
		t.Fatal(err)
	}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "Hello "}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "world"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameTerminal, FinishReason: "stop"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDone}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.bufferedResponse(c, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	body := gjson.Parse(w.Body.String())
	if body.Get("object").String() != "chat.completion" {
		t.Errorf("object = %q", body.Get("object").String())
	}
	if body.Get("choices.0.message.content").String() != "Hello world" {
		t.Errorf("content = %q", body.Get("choices.0.message.content").String())
	}
	if body.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", body.Get("choices.0.finish_reason").String())
	}
	if body.Get("usage.total_tokens").Int() != body.Get("usage.prompt_tokens").Int()+body.Get("usage.completion_tokens").Int() {
		t.Error("usage totals do not add up")
	}
}

func TestBufferedResponseError(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", nil, chatModel(), "test-chat", false)
	if err != nil {
		t.Fatal(err)
	}
	req.Queue <- bridge.ErrorFrame("Request timed out after 180 seconds. Browser may have disconnected during Cloudflare challenge.")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.bufferedResponse(c, req)

	if w.Code != 504 {
		t.Fatalf("status = %d, want 504 for timeout", w.Code)
	}
	body := gjson.Parse(w.Body.String())
	if !strings.Contains(body.Get("error.message").String(), "Cloudflare") {
		t.Errorf("error = %q", body.Get("error.message").String())
	}
}

func TestBufferedResponseImageModel(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", []byte(`{"messages":[{"role":"user","content":"a cat"}]}`), imageModel(), "test-image", false)
	if err != nil {
		t.Fatal(err)
	}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDelta, Delta: "working on it"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameMedia, Media: []bridge.MediaItem{{Image: "https://x/y.png"}}}
	req.Queue <- bridge.Frame{Kind: bridge.FrameMedia, Media: []bridge.MediaItem{{Image: "https://x/z.png"}}}
	req.Queue <- bridge.Frame{Kind: bridge.FrameTerminal, FinishReason: "stop"}
	req.Queue <- bridge.Frame{Kind: bridge.FrameDone}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)

	h.bufferedResponse(c, req)

	body := gjson.Parse(w.Body.String())
	want := "![Generated Image](https://x/y.png)\n![Generated Image](https://x/z.png)"
	if got := body.Get("choices.0.message.content").String(); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if strings.Contains(body.Get("choices.0.message.content").String(), "working") {
		t.Error("status delta leaked into media response")
	}
}

func TestStreamClientCancelAborts(t *testing.T) {
	h, requests, _ := newTestHandlers()

	req, err := requests.Admit("req-1", nil, chatModel(), "test-chat", true)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.streamResponse(c, req)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate on client cancel")
	}

	// The request leaves the registry; later frames for it are droppable.
	if requests.Get("req-1") != nil {
		t.Error("cancelled request still tracked")
	}
}

func TestRenderMedia(t *testing.T) {
	tests := []struct {
		name      string
		media     []bridge.MediaItem
		modelType string
		want      string
	}{
		{
			name:      "image markdown",
			media:     []bridge.MediaItem{{Image: "https://cdn/a.png"}, {Image: "https://cdn/b.png"}},
			modelType: registry.TypeImage,
			want:      "![Generated Image](https://cdn/a.png)\n![Generated Image](https://cdn/b.png)",
		},
		{
			name:      "video raw urls",
			media:     []bridge.MediaItem{{URL: "https://cdn/v.mp4"}},
			modelType: registry.TypeVideo,
			want:      "https://cdn/v.mp4",
		},
		{
			name:      "chat model ignores media",
			media:     []bridge.MediaItem{{Image: "https://cdn/a.png"}},
			modelType: registry.TypeChat,
			want:      "",
		},
		{
			name:      "empty fields skipped",
			media:     []bridge.MediaItem{{URL: "ignored-for-image"}},
			modelType: registry.TypeImage,
			want:      "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(renderMedia(tt.media, tt.modelType), "\n"); got != tt.want {
				t.Errorf("renderMedia = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvelopeChunks(t *testing.T) {
	env := newEnvelope("test-chat")

	if !strings.HasPrefix(env.ID, "chatcmpl-") {
		t.Errorf("id = %q", env.ID)
	}

	chunk := gjson.Parse(env.contentChunk("hi"))
	if chunk.Get("choices.0.delta.role").String() != "assistant" {
		t.Errorf("role = %q", chunk.Get("choices.0.delta.role").String())
	}
	if chunk.Get("choices.0.finish_reason").Type != gjson.Null {
		t.Error("content chunk finish_reason should be null")
	}
	if chunk.Get("model").String() != "test-chat" {
		t.Errorf("model = %q", chunk.Get("model").String())
	}
	if chunk.Get("created").Int() <= 0 {
		t.Error("created not set")
	}

	final := gjson.Parse(env.finishChunk("stop"))
	if final.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish_reason = %q", final.Get("choices.0.finish_reason").String())
	}
}

func TestChunkFingerprintsAreFresh(t *testing.T) {
	env := newEnvelope("test-chat")

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		fp := gjson.Parse(env.contentChunk("x")).Get("system_fingerprint").String()
		if !strings.HasPrefix(fp, "fp_") || len(fp) != 11 {
			t.Fatalf("fingerprint = %q", fp)
		}
		if seen[fp] {
			t.Fatalf("fingerprint %q repeated across chunks", fp)
		}
		seen[fp] = true
	}
}
