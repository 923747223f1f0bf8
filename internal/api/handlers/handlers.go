// Package handlers provides the shared plumbing for the API endpoint
// handlers: the OpenAI-style error envelope and the dependency bundle each
// endpoint group embeds.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/LMArenaBridge/internal/agent"
	"github.com/router-for-me/LMArenaBridge/internal/bridge"
	"github.com/router-for-me/LMArenaBridge/internal/config"
	"github.com/router-for-me/LMArenaBridge/internal/logging"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/router-for-me/LMArenaBridge/internal/stats"
)

// ErrorResponse is the standard error envelope for all API endpoints. It
// matches the OpenAI error shape so client SDKs surface the message.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error. It serializes as null when
	// no code applies, matching the OpenAI error shape.
	Code any `json:"code"`
}

// APIHandlers bundles the services every endpoint group needs: the in-flight
// request registry, the agent link, the model registry, stats accounting,
// and the request logger.
type APIHandlers struct {
	// Cfg holds the current application configuration.
	Cfg *config.Config

	// Requests tracks in-flight chat completions.
	Requests *bridge.Registry

	// Models is the registry pushed by the browser agent.
	Models *registry.ModelRegistry

	// Link is the WebSocket link to the browser agent.
	Link *agent.Link

	// Stats accumulates request accounting for the monitoring endpoints.
	Stats *stats.Collector

	// ReqLogger writes per-request JSONL records when enabled.
	ReqLogger *logging.RequestLogger
}

// NewAPIHandlers creates the shared handler bundle.
func NewAPIHandlers(cfg *config.Config, requests *bridge.Registry, models *registry.ModelRegistry, link *agent.Link, collector *stats.Collector, reqLogger *logging.RequestLogger) *APIHandlers {
	return &APIHandlers{
		Cfg:       cfg,
		Requests:  requests,
		Models:    models,
		Link:      link,
		Stats:     collector,
		ReqLogger: reqLogger,
	}
}

// UpdateConfig swaps in a hot-reloaded configuration.
func (h *APIHandlers) UpdateConfig(cfg *config.Config) {
	h.Cfg = cfg
}

// WriteError sends the standard error envelope with the given status. An
// empty code is emitted as null.
func (h *APIHandlers) WriteError(c *gin.Context, status int, message, errType, code string) {
	var codeValue any
	if code != "" {
		codeValue = code
	}
	c.JSON(status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
		Code:    codeValue,
	}})
}
