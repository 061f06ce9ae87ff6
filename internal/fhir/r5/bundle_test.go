package r5

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewTransactionBundle(t *testing.T) {
	entries := []BundleEntry{
		{FullURL: URN("a"), Resource: &Observation{ResourceType: ResourceTypeObservation, ID: "a"}},
		{FullURL: URN("b"), Resource: &Observation{ResourceType: ResourceTypeObservation, ID: "b"}},
	}

	bundle := NewTransactionBundle(entries)

	if bundle.ResourceType != "Bundle" || bundle.Type != "transaction" {
		t.Errorf("unexpected bundle header %s/%s", bundle.ResourceType, bundle.Type)
	}
	if bundle.ID == "" || bundle.Timestamp == nil {
		t.Error("expected id and timestamp")
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	for i, e := range bundle.Entry {
		if e.Request == nil || e.Request.Method != "POST" || e.Request.URL != "Observation" {
			t.Errorf("entry %d: unexpected request %+v", i, e.Request)
		}
		if e.FullURL != entries[i].FullURL {
			t.Errorf("entry %d: fullUrl changed", i)
		}
	}
	if entries[0].Request != nil {
		t.Error("input entries must not be modified")
	}
}

func TestObservation_JSONShape(t *testing.T) {
	v := 72.0
	yes := true
	obs := Observation{
		ResourceType:  ResourceTypeObservation,
		ID:            "x",
		Status:        ObservationStatusFinal,
		Code:          CodeableConcept{Coding: []Coding{{Code: "pulse"}}},
		Subject:       NewReference(ResourceTypePatient, "p"),
		ValueQuantity: &Quantity{Value: &v},
		HasMember:     []Reference{{Reference: URN("y"), Type: ResourceTypeObservation}},
	}

	data, err := json.Marshal(obs)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)

	for _, want := range []string{
		`"resourceType":"Observation"`,
		`"status":"final"`,
		`"valueQuantity":{"value":72}`,
		`"subject":{"reference":"Patient/p","type":"Patient"}`,
		`"hasMember":[{"reference":"urn:uuid:y","type":"Observation"}]`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
	for _, absent := range []string{"valueString", "valueBoolean", "interpretation", "note", "extension"} {
		if strings.Contains(s, absent) {
			t.Errorf("did not expect %s in %s", absent, s)
		}
	}

	obs.ValueQuantity = nil
	obs.ValueBoolean = &yes
	if !obs.HasValue() {
		t.Error("expected HasValue for boolean")
	}
}

func TestNewErrorOutcome(t *testing.T) {
	oo := NewErrorOutcome("required", "patientReference is required")
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 1 {
		t.Fatalf("unexpected outcome %+v", oo)
	}
	if oo.Issue[0].Severity != "error" || oo.Issue[0].Code != "required" {
		t.Errorf("unexpected issue %+v", oo.Issue[0])
	}
}
