package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-obsfhir/internal/api/middleware"
	fhir "github.com/drfirst/go-obsfhir/internal/fhir/r5"
	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/submission"
)

func newTestRouter(apiKeys map[string]string) http.Handler {
	logger := zap.NewNop()
	svc := submission.NewService(nil, metrics.New(prometheus.NewRegistry()), logger)
	h := NewObservationHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Mount("/observations", h.Routes())
	})
	return r
}

func post(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations/$transform", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestTransform_ReturnsBundle(t *testing.T) {
	body := `{
		"submissionId": "sub-1",
		"patientReference": {"reference": "Patient/p-1"},
		"encounterReference": {"reference": "Encounter/e-1"},
		"performerReference": {"reference": "Practitioner/pr-1"},
		"observations": [
			{"concept": {"uuid": "pulse", "datatype": "Numeric"}, "value": 72, "interpretation": "abnormal"},
			{"concept": "comment", "value": "stable", "comment": "recheck tomorrow"}
		]
	}`

	rec := post(t, newTestRouter(nil), body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != middleware.FHIRContentType {
		t.Errorf("unexpected content type %s", ct)
	}
	if rec.Header().Get("X-Submission-ID") != "sub-1" {
		t.Errorf("unexpected submission id header %q", rec.Header().Get("X-Submission-ID"))
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != "transaction" {
		t.Errorf("unexpected bundle %s/%s", bundle.ResourceType, bundle.Type)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	pulse := bundle.Entry[0].Resource
	if pulse.ValueQuantity == nil || *pulse.ValueQuantity.Value != 72 {
		t.Errorf("unexpected pulse value %+v", pulse.ValueQuantity)
	}
	if len(pulse.Interpretation) != 1 || pulse.Interpretation[0].Coding[0].Code != "A" {
		t.Errorf("unexpected interpretation %+v", pulse.Interpretation)
	}
	if note := bundle.Entry[1].Resource.Note; len(note) != 1 || note[0].Text != "recheck tomorrow" {
		t.Errorf("unexpected note %+v", note)
	}
}

func TestTransform_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType string
	}{
		{
			name:     "malformed body",
			body:     `{"patientReference":`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid",
		},
		{
			name: "missing performer",
			body: `{
				"patientReference": {"reference": "Patient/p-1"},
				"encounterReference": {"reference": "Encounter/e-1"},
				"observations": []
			}`,
			wantCode: http.StatusBadRequest,
			wantType: "required",
		},
		{
			name: "malformed observations",
			body: `{
				"patientReference": {"reference": "Patient/p-1"},
				"encounterReference": {"reference": "Encounter/e-1"},
				"performerReference": {"reference": "Practitioner/pr-1"},
				"observations": [{"concept": 1, "value": {"$date": 5}, "groupMembers": [{"concept": {"uuid": [}}]}]
			}`,
			wantCode: http.StatusBadRequest,
			wantType: "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, newTestRouter(nil), tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}

			var outcome fhir.OperationOutcome
			if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
				t.Fatalf("decode outcome: %v", err)
			}
			if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 {
				t.Fatalf("unexpected outcome %+v", outcome)
			}
			if outcome.Issue[0].Code != tt.wantType {
				t.Errorf("expected issue code %s, got %s", tt.wantType, outcome.Issue[0].Code)
			}
		})
	}
}

func TestTransform_APIKey(t *testing.T) {
	router := newTestRouter(map[string]string{"secret": "forms-app"})
	body := `{
		"patientReference": {"reference": "Patient/p-1"},
		"encounterReference": {"reference": "Encounter/e-1"},
		"performerReference": {"reference": "Practitioner/pr-1"}
	}`

	if rec := post(t, router, body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
	if rec := post(t, router, body, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}
	if rec := post(t, router, body, map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer key, got %d", rec.Code)
	}
}
