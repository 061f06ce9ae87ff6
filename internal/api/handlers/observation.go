// Package handlers provides HTTP handlers for the observation transform API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-obsfhir/internal/api/middleware"
	"github.com/drfirst/go-obsfhir/internal/submission"
	"github.com/drfirst/go-obsfhir/internal/transformer"
)

// MaxBodyBytes caps the size of a submission envelope.
const MaxBodyBytes = 10 << 20

// ObservationHandler handles observation transform endpoints
type ObservationHandler struct {
	service *submission.Service
	logger  *zap.Logger
}

// NewObservationHandler creates a new handler
func NewObservationHandler(service *submission.Service, logger *zap.Logger) *ObservationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservationHandler{
		service: service,
		logger:  logger,
	}
}

// Routes returns the handler routes
func (h *ObservationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/$transform", h.Transform)
	return r
}

// Transform handles POST /observations/$transform. The body is a submission
// envelope; the response is a transaction Bundle of Observations.
func (h *ObservationHandler) Transform(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("observation-handler").Start(r.Context(), "transform_observations")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteOutcome(w, http.StatusRequestEntityTooLarge, "too-long", "request body too large")
			return
		}
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "failed to read request body")
		return
	}

	sub, err := submission.Decode(body)
	if err != nil {
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "invalid request body")
		return
	}

	result, err := h.service.Process(ctx, sub, "http")
	if err != nil {
		span.RecordError(err)
		status, code := outcomeFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("transform failed",
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err),
			)
		}
		middleware.WriteOutcome(w, status, code, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("submission_id", result.SubmissionID),
		attribute.Int("entry_count", len(result.Bundle.Entry)),
	)

	w.Header().Set("Content-Type", middleware.FHIRContentType)
	w.Header().Set("X-Submission-ID", result.SubmissionID)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(result.Bundle); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}

// outcomeFor maps a processing error to an HTTP status and issue type code.
func outcomeFor(err error) (int, string) {
	var mapErr *transformer.MapError
	switch {
	case errors.As(err, &mapErr) && mapErr.Code == transformer.CodeMissingReference:
		return http.StatusBadRequest, "required"
	case submission.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "exception"
	}
}
