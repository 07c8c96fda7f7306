package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/upb/llm-mirror-router/middleware"
	"github.com/upb/llm-mirror-router/services/inference"
	"github.com/upb/llm-mirror-router/services/routing"
	"github.com/upb/llm-mirror-router/utils"
	"go.uber.org/zap"
)

const (
	// HeaderServedBy tells the caller whether the body came from the mirror
	HeaderServedBy = "X-Served-By"
	servedByMirror = "mirror"
	servedByRouter = "router"

	maxBodyBytes = 10 << 20
)

// InferenceService defines the interface for inference operations
type InferenceService interface {
	ProcessChatCompletion(ctx context.Context, req *routing.Request) (*inference.Reply, error)
}

// ChatHandler serves the OpenAI and Claude compatible endpoints
type ChatHandler struct {
	service InferenceService
	timeout time.Duration
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler. timeout bounds a whole request, zero means none.
func NewChatHandler(service InferenceService, timeout time.Duration, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

// HandleChatCompletions handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, inference.FormatOpenAI)
}

// HandleMessages handles POST /v1/messages
func (h *ChatHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, inference.FormatClaude)
}

func (h *ChatHandler) serve(w http.ResponseWriter, r *http.Request, format inference.Format) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = utils.WriteBadRequest(w, "Request body too large", map[string]interface{}{"limitBytes": tooLarge.Limit})
			return
		}
		_ = utils.WriteBadRequest(w, "Failed to read request body", nil)
		return
	}

	var body inference.CompletionRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		h.logger.Debug("invalid request body", zap.String("request_id", requestID), zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid JSON in request body", nil)
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var deadline time.Time
	if h.timeout > 0 {
		deadline = time.Now().Add(h.timeout)
	}
	req, err := inference.Normalize(&body, format, raw, requestID, middleware.GetSessionIDFromContext(ctx), deadline)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if body.Stream {
		h.logger.Debug("streaming requested, answering with a single response", zap.String("request_id", requestID))
	}

	reply, err := h.service.ProcessChatCompletion(ctx, req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if reply.ServedByMirror() {
		w.Header().Set(HeaderServedBy, servedByMirror)
		if err := utils.WriteRaw(w, reply.Mirror.StatusCode, reply.Mirror.ContentType, reply.Mirror.Body); err != nil {
			h.logger.Error("failed to relay mirror response", zap.String("request_id", requestID), zap.Error(err))
		}
		return
	}

	w.Header().Set(HeaderServedBy, servedByRouter)
	if err := utils.WriteJSON(w, http.StatusOK, reply.Response); err != nil {
		h.logger.Error("failed to write response", zap.String("request_id", requestID), zap.Error(err))
	}
}
