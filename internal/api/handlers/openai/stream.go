package openai

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/logging"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const (
	// minChunkSize is the coalescing threshold: buffered deltas are flushed
	// to the client once at least this many characters accumulated.
	minChunkSize = 40

	// maxBufferTime caps how long a short delta may sit in the buffer
	// before it is flushed anyway.
	maxBufferTime = 500 * time.Millisecond

	// pollInterval is how often the consumer wakes to check the buffer age
	// while no frame arrives.
	pollInterval = 100 * time.Millisecond
)

// completionEnvelope carries the identity fields stable across every chunk
// of one completion. The fingerprint and created timestamp are NOT part of
// it: both are regenerated at each chunk build.
type completionEnvelope struct {
	ID    string
	Model string
}

func newEnvelope(model string) completionEnvelope {
	return completionEnvelope{
		ID:    "chatcmpl-" + uuid.NewString(),
		Model: model,
	}
}

func newFingerprint() string {
	return "fp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// baseChunk fills the fields shared by all streaming chunk shapes.
func (e completionEnvelope) baseChunk(template string) string {
	chunk, _ := sjson.Set(template, "id", e.ID)
	chunk, _ = sjson.Set(chunk, "created", time.Now().Unix())
	chunk, _ = sjson.Set(chunk, "model", e.Model)
	chunk, _ = sjson.Set(chunk, "system_fingerprint", newFingerprint())
	return chunk
}

// contentChunk builds one streaming chunk carrying a content delta.
func (e completionEnvelope) contentChunk(content string) string {
	chunk := e.baseChunk(`{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}],"system_fingerprint":""}`)
	chunk, _ = sjson.Set(chunk, "choices.0.delta.content", content)
	return chunk
}

// mediaChunk builds the single chunk a media completion emits: the joined
// URLs and the finish reason travel together.
func (e completionEnvelope) mediaChunk(content, reason string) string {
	chunk := e.baseChunk(`{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":""}],"system_fingerprint":""}`)
	chunk, _ = sjson.Set(chunk, "choices.0.delta.content", content)
	chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", reason)
	return chunk
}

// finishChunk builds the terminal chunk carrying the finish reason and an
// empty delta.
func (e completionEnvelope) finishChunk(reason string) string {
	chunk := e.baseChunk(`{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":""}],"system_fingerprint":""}`)
	chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", reason)
	return chunk
}

// completion builds the buffered (non-streaming) response body.
func (e completionEnvelope) completion(content, reason string, promptTokens, completionTokens int) string {
	body := e.baseChunk(`{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":""}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0},"system_fingerprint":""}`)
	body, _ = sjson.Set(body, "choices.0.message.content", content)
	body, _ = sjson.Set(body, "choices.0.finish_reason", reason)
	body, _ = sjson.Set(body, "usage.prompt_tokens", promptTokens)
	body, _ = sjson.Set(body, "usage.completion_tokens", completionTokens)
	body, _ = sjson.Set(body, "usage.total_tokens", promptTokens+completionTokens)
	return body
}

// errorBody builds the OpenAI error shape emitted inside a stream or as a
// buffered error response.
func errorBody(message string) string {
	body := `{"error":{"message":"","type":"server_error","code":null}}`
	body, _ = sjson.Set(body, "error.message", message)
	return body
}

// renderMedia converts an a2 media list into markdown or raw URL lines
// depending on the model modality.
func renderMedia(media []bridge.MediaItem, modelType string) []string {
	lines := make([]string, 0, len(media))
	for _, item := range media {
		switch modelType {
		case registry.TypeImage:
			if item.Image != "" {
				lines = append(lines, fmt.Sprintf("![Generated Image](%s)", item.Image))
			}
		case registry.TypeVideo:
			if item.URL != "" {
				lines = append(lines, item.URL)
			}
		}
	}
	return lines
}

// streamResponse consumes the delivery queue and relays it as SSE.
//
// Chat models stream text: small deltas are coalesced to minChunkSize
// characters or maxBufferTime, so chatty agents do not produce a flood of
// tiny events. Image and video models instead accumulate their a2 URLs and
// ignore text deltas; the joined result is emitted as one chunk, together
// with the finish reason, when the stream ends.
func (h *OpenAIAPIHandlers) streamResponse(c *gin.Context, req *bridge.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Transfer-Encoding", "chunked")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.Requests.Complete(req.ID)
		h.finishRequest(req, "error", 0, "streaming unsupported by connection")
		h.WriteError(c, http.StatusInternalServerError, "Streaming not supported", "server_error", "")
		return
	}

	isChat := req.Model.Type == registry.TypeChat
	env := newEnvelope(req.ModelName)
	var buf strings.Builder
	var total strings.Builder
	var mediaLines []string
	lastFlush := time.Now()
	finishReason := "stop"

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", env.contentChunk(buf.String()))
		flusher.Flush()
		buf.Reset()
		lastFlush = time.Now()
	}

	for {
		select {
		case <-c.Request.Context().Done():
			// Client went away. Tell the agent to stop generating.
			log.Infof("openai: client disconnected from stream %s, aborting", req.ID)
			if err := h.Link.AbortRequest(req.ID); err != nil {
				log.Debugf("openai: abort of %s not delivered: %v", req.ID, err)
			}
			h.Requests.Complete(req.ID)
			h.finishRequest(req, "error", stats.EstimateTokens(total.String()), "client disconnected")
			return

		case frame := <-req.Queue:
			switch frame.Kind {
			case bridge.FrameDelta:
				// Media models can interleave status text with their a2
				// frames; only the URLs belong in the response.
				if !isChat {
					break
				}
				buf.WriteString(frame.Delta)
				total.WriteString(frame.Delta)
				if buf.Len() >= minChunkSize {
					flush()
				}
			case bridge.FrameMedia:
				mediaLines = append(mediaLines, renderMedia(frame.Media, req.Model.Type)...)
			case bridge.FrameTerminal:
				finishReason = frame.FinishReason
			case bridge.FrameDone:
				if isChat {
					flush()
					_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", env.finishChunk(finishReason))
				} else {
					content := strings.Join(mediaLines, "\n")
					total.WriteString(content)
					_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", env.mediaChunk(content, finishReason))
				}
				_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				h.finishRequest(req, "completed", stats.EstimateTokens(total.String()), "")
				return
			case bridge.FrameError:
				flush()
				_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", errorBody(frame.ErrMsg))
				_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				status := "error"
				if strings.Contains(frame.ErrMsg, "timed out") {
					status = "timeout"
				}
				h.finishRequest(req, status, stats.EstimateTokens(total.String()), frame.ErrMsg)
				return
			}

		case <-time.After(pollInterval):
			if buf.Len() > 0 && time.Since(lastFlush) >= maxBufferTime {
				flush()
			}
		}
	}
}

// bufferedResponse drains the delivery queue to completion and answers with
// a single chat.completion object. The modality rules match the streaming
// path: media models answer with their joined URLs and drop text deltas.
func (h *OpenAIAPIHandlers) bufferedResponse(c *gin.Context, req *bridge.Request) {
	isChat := req.Model.Type == registry.TypeChat
	env := newEnvelope(req.ModelName)
	var total strings.Builder
	var mediaLines []string
	finishReason := "stop"

	for {
		select {
		case <-c.Request.Context().Done():
			log.Infof("openai: client disconnected from request %s, aborting", req.ID)
			if err := h.Link.AbortRequest(req.ID); err != nil {
				log.Debugf("openai: abort of %s not delivered: %v", req.ID, err)
			}
			h.Requests.Complete(req.ID)
			h.finishRequest(req, "error", stats.EstimateTokens(total.String()), "client disconnected")
			return

		case frame := <-req.Queue:
			switch frame.Kind {
			case bridge.FrameDelta:
				if isChat {
					total.WriteString(frame.Delta)
				}
			case bridge.FrameMedia:
				mediaLines = append(mediaLines, renderMedia(frame.Media, req.Model.Type)...)
			case bridge.FrameTerminal:
				finishReason = frame.FinishReason
			case bridge.FrameDone:
				content := total.String()
				if !isChat {
					content = strings.Join(mediaLines, "\n")
				}
				completionTokens := stats.EstimateTokens(content)
				promptTokens := estimatePromptTokens(req.RawPayload)
				c.Data(http.StatusOK, "application/json", []byte(env.completion(content, finishReason, promptTokens, completionTokens)))
				h.finishRequest(req, "completed", completionTokens, "")
				return
			case bridge.FrameError:
				status := http.StatusInternalServerError
				outcome := "error"
				if strings.Contains(frame.ErrMsg, "timed out") {
					status = http.StatusGatewayTimeout
					outcome = "timeout"
				}
				c.Data(status, "application/json", []byte(errorBody(frame.ErrMsg)))
				h.finishRequest(req, outcome, stats.EstimateTokens(total.String()), frame.ErrMsg)
				return
			}
		}
	}
}

func requestRecord(req *bridge.Request, status string, elapsed time.Duration, completionTokens int, errMsg string) logging.RequestRecord {
	return logging.RequestRecord{
		Timestamp:        time.Now(),
		RequestID:        req.ID,
		Model:            req.ModelName,
		Streaming:        req.Streaming,
		Status:           status,
		DurationSeconds:  elapsed.Seconds(),
		CompletionTokens: completionTokens,
		Error:            errMsg,
	}
}
