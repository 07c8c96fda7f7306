package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/utils"
	"go.uber.org/zap"
)

// statusByKind maps each error kind to its HTTP status. MirrorError is special-cased.
var statusByKind = map[services.ErrorType]int{
	services.ErrorTypeValidation:         http.StatusBadRequest,
	services.ErrorTypeUnsupportedCommand: http.StatusBadRequest,
	services.ErrorTypeUnauthorized:       http.StatusUnauthorized,
	services.ErrorTypeNotFound:           http.StatusNotFound,
	services.ErrorTypeConfig:             http.StatusInternalServerError,
	services.ErrorTypeProvider:           http.StatusBadGateway,
	services.ErrorTypeCapabilityGap:      http.StatusBadGateway,
	services.ErrorTypeMirror:             http.StatusBadGateway,
	services.ErrorTypeMirrorUnavailable:  http.StatusServiceUnavailable,
	services.ErrorTypeTimeout:            http.StatusGatewayTimeout,
	services.ErrorTypeInternal:           http.StatusInternalServerError,
}

// StatusForError returns the HTTP status HandleServiceError would use for err
func StatusForError(err error) int {
	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}
	if domainErr.Type == services.ErrorTypeMirror && domainErr.StatusCode >= 400 {
		return domainErr.StatusCode
	}
	if status, ok := statusByKind[domainErr.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HandleServiceError maps domain errors to HTTP responses.
// A MirrorError is relayed as the tool's own status and payload, byte for byte.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	if utils.IsValidationError(err) {
		HandleValidationError(w, err, logger)
		return
	}

	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error type", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	status := StatusForError(err)

	switch domainErr.Type {
	case services.ErrorTypeMirror:
		if len(domainErr.Payload) > 0 {
			w.Header().Set(HeaderServedBy, servedByMirror)
			contentType, _ := domainErr.Details["contentType"].(string)
			if err := utils.WriteRaw(w, status, contentType, domainErr.Payload); err != nil {
				logger.Error("failed to relay mirror error", zap.Error(err))
			}
			return
		}

	case services.ErrorTypeInternal, services.ErrorTypeConfig:
		// do not leak internals
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteError(w, status, string(domainErr.Type), "An internal error occurred", false, nil); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteError(w, status, string(domainErr.Type), domainErr.Message, domainErr.Retryable, domainErr.Details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.String("message", domainErr.Message),
		zap.Int("status", status),
		zap.Any("details", domainErr.Details))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
