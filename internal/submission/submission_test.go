package submission

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/transformer"
)

const vitalsSubmission = `{
	"submissionId": "sub-001",
	"patientReference": {"reference": "Patient/p-1"},
	"encounterReference": {"reference": "Encounter/e-1"},
	"performerReference": {"reference": "Practitioner/pr-1"},
	"observations": [
		{
			"concept": {"uuid": "vitals"},
			"groupMembers": [
				{"concept": {"uuid": "pulse", "datatype": "Numeric"}, "value": 72},
				{"concept": {"uuid": "temp", "datatype": "Numeric"}, "value": "37.2"}
			]
		},
		{"concept": "note", "value": "stable", "voided": true}
	]
}`

func newTestService(t *testing.T) (*Service, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewService(transformer.NewObservationTransformer(), m, zaptest.NewLogger(t)), m
}

func TestService_Process(t *testing.T) {
	svc, m := newTestService(t)

	sub, err := Decode([]byte(vitalsSubmission))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	result, err := svc.Process(context.Background(), sub, "http")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if result.SubmissionID != "sub-001" {
		t.Errorf("expected submission id sub-001, got %s", result.SubmissionID)
	}
	bundle := result.Bundle
	if bundle.Type != "transaction" {
		t.Errorf("expected transaction bundle, got %s", bundle.Type)
	}
	if len(bundle.Entry) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bundle.Entry))
	}
	parent := bundle.Entry[2].Resource
	if parent.GetCode() != "vitals" || len(parent.HasMember) != 2 {
		t.Errorf("expected vitals parent with 2 members, got %s/%d", parent.GetCode(), len(parent.HasMember))
	}
	for i, e := range bundle.Entry {
		if e.Request == nil || e.Request.Method != "POST" {
			t.Errorf("entry %d: expected POST request", i)
		}
	}

	summary := result.Summary()
	if summary.BundleID != bundle.ID || summary.EntryCount != 3 {
		t.Errorf("unexpected summary %+v", summary)
	}

	if got := testutil.ToFloat64(m.SubmissionsProcessed.WithLabelValues("http")); got != 1 {
		t.Errorf("expected 1 processed submission, got %v", got)
	}
	if got := testutil.ToFloat64(m.EntriesEmitted); got != 3 {
		t.Errorf("expected 3 emitted entries, got %v", got)
	}
}

func TestService_ProcessAssignsSubmissionID(t *testing.T) {
	svc, _ := newTestService(t)

	sub, err := Decode([]byte(`{
		"patientReference": {"reference": "Patient/p-1"},
		"encounterReference": {"reference": "Encounter/e-1"},
		"performerReference": {"reference": "Practitioner/pr-1"}
	}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	result, err := svc.Process(context.Background(), sub, "kafka")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.SubmissionID == "" {
		t.Error("expected a generated submission id")
	}
	if len(result.Bundle.Entry) != 0 {
		t.Errorf("expected empty bundle, got %d entries", len(result.Bundle.Entry))
	}
}

func TestService_ProcessMissingReference(t *testing.T) {
	svc, m := newTestService(t)

	sub, err := Decode([]byte(`{
		"submissionId": "sub-002",
		"patientReference": {"reference": "Patient/p-1"},
		"performerReference": {"reference": "Practitioner/pr-1"},
		"observations": [{"concept": "pulse", "value": 72}]
	}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	_, err = svc.Process(context.Background(), sub, "http")
	if !errors.Is(err, transformer.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if !IsClientError(err) {
		t.Error("expected a client error")
	}

	failed := testutil.ToFloat64(m.SubmissionsFailed.WithLabelValues("http", transformer.CodeMissingReference))
	if failed != 1 {
		t.Errorf("expected 1 failed submission, got %v", failed)
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"submissionId": `))
	if !errors.Is(err, ErrMalformedSubmission) {
		t.Fatalf("expected ErrMalformedSubmission, got %v", err)
	}
	if !IsClientError(err) {
		t.Error("expected a client error")
	}
	if IsClientError(errors.New("broker unavailable")) {
		t.Error("did not expect a client error")
	}
}

func TestNewService_NilMetrics(t *testing.T) {
	svc := NewService(nil, nil, nil)
	sub := &Submission{}
	if _, err := svc.Process(context.Background(), sub, "http"); !errors.Is(err, transformer.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
