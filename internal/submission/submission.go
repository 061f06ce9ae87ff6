// Package submission turns form submissions into FHIR transaction bundles.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fhir "github.com/drfirst/go-obsfhir/internal/fhir/r5"
	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/transformer"
)

// Submission is the envelope a form client sends: the observation tree plus
// the references every generated Observation must carry.
type Submission struct {
	SubmissionID       string          `json:"submissionId,omitempty"`
	PatientReference   *fhir.Reference `json:"patientReference"`
	EncounterReference *fhir.Reference `json:"encounterReference"`
	PerformerReference *fhir.Reference `json:"performerReference"`
	Observations       json.RawMessage `json:"observations"`
}

// Options returns the transformer options carried by the envelope.
func (s *Submission) Options() transformer.Options {
	return transformer.Options{
		PatientReference:   s.PatientReference,
		EncounterReference: s.EncounterReference,
		PerformerReference: s.PerformerReference,
	}
}

// Result is the outcome of processing one submission.
type Result struct {
	SubmissionID string
	Bundle       *fhir.Bundle
}

// Summary is the small record kept about a processed submission.
type Summary struct {
	SubmissionID string    `json:"submissionId"`
	BundleID     string    `json:"bundleId"`
	EntryCount   int       `json:"entryCount"`
	ProcessedAt  time.Time `json:"processedAt"`
}

// Summary describes the result without its resources.
func (r *Result) Summary() Summary {
	s := Summary{SubmissionID: r.SubmissionID}
	if r.Bundle != nil {
		s.BundleID = r.Bundle.ID
		s.EntryCount = len(r.Bundle.Entry)
		if r.Bundle.Timestamp != nil {
			s.ProcessedAt = *r.Bundle.Timestamp
		}
	}
	return s
}

// ErrMalformedSubmission is returned when the envelope itself is not valid JSON.
var ErrMalformedSubmission = errors.New("malformed submission")

// Decode parses a submission envelope.
func Decode(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSubmission, err)
	}
	return &s, nil
}

// IsClientError reports whether err was caused by the submission content
// rather than by the service. Such submissions will never succeed on retry.
func IsClientError(err error) bool {
	var mapErr *transformer.MapError
	return errors.Is(err, ErrMalformedSubmission) ||
		errors.Is(err, transformer.ErrInvalidArgument) ||
		errors.As(err, &mapErr)
}

// Service runs submissions through the observation transformer.
type Service struct {
	transformer *transformer.ObservationTransformer
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewService creates a submission service. m may be nil.
func NewService(t *transformer.ObservationTransformer, m *metrics.Metrics, logger *zap.Logger) *Service {
	if t == nil {
		t = transformer.NewObservationTransformer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transformer: t,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("submission-service"),
	}
}

// Process transforms the submission's observations and wraps them in a
// transaction bundle. source labels metrics ("http", "kafka").
func (s *Service) Process(ctx context.Context, sub *Submission, source string) (*Result, error) {
	if sub.SubmissionID == "" {
		sub.SubmissionID = uuid.NewString()
	}

	_, span := s.tracer.Start(ctx, "process_submission",
		trace.WithAttributes(
			attribute.String("submission_id", sub.SubmissionID),
			attribute.String("source", source),
		))
	defer span.End()

	start := time.Now()
	entries, err := s.transformer.TransformJSON(sub.Observations, sub.Options())
	if s.metrics != nil {
		s.metrics.TransformDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(source, err)
		s.logger.Warn("submission rejected",
			zap.String("submission_id", sub.SubmissionID),
			zap.String("source", source),
			zap.Error(err),
		)
		return nil, fmt.Errorf("transform submission %s: %w", sub.SubmissionID, err)
	}

	bundle := fhir.NewTransactionBundle(entries)
	span.SetAttributes(
		attribute.String("bundle_id", bundle.ID),
		attribute.Int("entry_count", len(entries)),
	)

	if s.metrics != nil {
		s.metrics.SubmissionsProcessed.WithLabelValues(source).Inc()
		s.metrics.EntriesEmitted.Add(float64(len(entries)))
	}

	s.logger.Info("submission transformed",
		zap.String("submission_id", sub.SubmissionID),
		zap.String("bundle_id", bundle.ID),
		zap.Int("entries", len(entries)),
		zap.String("source", source),
	)

	return &Result{SubmissionID: sub.SubmissionID, Bundle: bundle}, nil
}

func (s *Service) recordFailure(source string, err error) {
	if s.metrics == nil {
		return
	}
	reason := "internal"
	var mapErr *transformer.MapError
	if errors.As(err, &mapErr) {
		reason = mapErr.Code
	}
	s.metrics.SubmissionsFailed.WithLabelValues(source, reason).Inc()
}
