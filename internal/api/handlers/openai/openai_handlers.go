// Package openai implements the OpenAI-compatible endpoints: model listing,
// chat completions (streaming and buffered), and the model refresh trigger.
// Chat completions are translated to evaluation payloads, dispatched over
// the agent link, and answered from the per-request delivery queue.
package openai

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/LMArenaBridge/internal/api/handlers"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/metrics"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
	"github.com/router-for-me/LMArenaBridge/internal/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// OpenAIAPIHandlers contains the handlers for the OpenAI-compatible
// endpoints. It embeds the shared handler bundle.
type OpenAIAPIHandlers struct {
	*handlers.APIHandlers

	// startedAt anchors the created timestamp reported by the model list.
	startedAt time.Time
}

// NewOpenAIAPIHandlers creates a new OpenAI endpoint handler group.
func NewOpenAIAPIHandlers(apiHandlers *handlers.APIHandlers) *OpenAIAPIHandlers {
	return &OpenAIAPIHandlers{
		APIHandlers: apiHandlers,
		startedAt:   time.Now(),
	}
}

// ListModels handles the /v1/models endpoint. The listing reflects whatever
// the agent last pushed; an empty list means no registry has arrived yet.
func (h *OpenAIAPIHandlers) ListModels(c *gin.Context) {
	models := h.Models.List()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.Name,
			"object":   "model",
			"created":  h.startedAt.Unix(),
			"owned_by": "lmarena",
			"type":     m.Type,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

// RefreshModels handles /v1/refresh-models: it asks the agent to re-send
// its model registry and reports the currently known models.
func (h *OpenAIAPIHandlers) RefreshModels(c *gin.Context) {
	if err := h.Link.RequestModelRefresh(); err != nil {
		h.WriteError(c, http.StatusServiceUnavailable, "Browser client not connected. Cannot refresh models.", "server_error", "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Model refresh requested from browser.",
		"models":  h.Models.Names(),
	})
}

// ChatCompletions handles /v1/chat/completions. Admission order: agent link
// present, model known, payload translatable, concurrency cap not reached.
// Each rejection maps to a distinct status so clients can tell transient
// overload from permanent misuse apart.
func (h *OpenAIAPIHandlers) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteError(c, http.StatusBadRequest, "Invalid request body", "invalid_request_error", "")
		return
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()
	streaming := gjson.GetBytes(rawJSON, "stream").Bool()

	if !h.Link.Connected() {
		metrics.ErrorsTotal.WithLabelValues("no_agent").Inc()
		h.WriteError(c, http.StatusServiceUnavailable, "Browser client not connected. Please open LMArena in your browser.", "server_error", "")
		return
	}

	model, ok := h.Models.Get(modelName)
	if !ok {
		metrics.ErrorsTotal.WithLabelValues("model_not_found").Inc()
		h.WriteError(c, http.StatusNotFound, "Model '"+modelName+"' not found.", "invalid_request_error", "model_not_found")
		return
	}

	payload, files, err := translator.BuildEvaluationPayload(rawJSON, model)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("translation_failed").Inc()
		h.WriteError(c, http.StatusInternalServerError, "Failed to translate request: "+err.Error(), "server_error", "")
		return
	}

	requestID := uuid.NewString()
	req, err := h.Requests.Admit(requestID, rawJSON, model, modelName, streaming)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("overloaded").Inc()
		h.WriteError(c, http.StatusServiceUnavailable, "Too many concurrent requests. Please try again later.", "server_error", "")
		return
	}

	promptTokens := estimatePromptTokens(rawJSON)
	h.Stats.Begin(requestID, modelName, streaming, promptTokens)
	metrics.TokensTotal.WithLabelValues(modelName, "prompt").Add(float64(promptTokens))

	if err = h.Link.DispatchRequest(requestID, payload, files); err != nil {
		log.Errorf("openai: dispatch of %s failed: %v", requestID, err)
		h.Requests.Complete(requestID)
		h.finishRequest(req, "error", 0, err.Error())
		h.WriteError(c, http.StatusServiceUnavailable, "Browser client disconnected during dispatch.", "server_error", "")
		return
	}

	if streaming {
		h.streamResponse(c, req)
	} else {
		h.bufferedResponse(c, req)
	}
}

// finishRequest records the outcome in stats, metrics, and the request log.
func (h *OpenAIAPIHandlers) finishRequest(req *bridge.Request, status string, completionTokens int, errMsg string) {
	h.Stats.Finish(req.ID, status, completionTokens, errMsg)

	elapsed := time.Since(req.CreatedAt)
	metrics.RequestsTotal.WithLabelValues(req.ModelName, status).Inc()
	metrics.RequestDuration.WithLabelValues(req.ModelName).Observe(elapsed.Seconds())
	metrics.TokensTotal.WithLabelValues(req.ModelName, "completion").Add(float64(completionTokens))

	if h.ReqLogger != nil {
		h.ReqLogger.Log(requestRecord(req, status, elapsed, completionTokens, errMsg))
	}
}

// estimatePromptTokens sums the rough token counts of all message contents.
func estimatePromptTokens(rawJSON []byte) int {
	var b strings.Builder
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				b.WriteString(part.Get("text").String())
				return true
			})
		} else {
			b.WriteString(content.String())
		}
		return true
	})
	return stats.EstimateTokens(b.String())
}
