package form

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValue_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ValueKind
	}{
		{"null", `null`, ValueNone},
		{"integer", `72`, ValueNumber},
		{"float", `75.5`, ValueNumber},
		{"negative exponent", `-1.5e2`, ValueNumber},
		{"string", `"fever"`, ValueString},
		{"empty string", `""`, ValueString},
		{"true", `true`, ValueBoolean},
		{"false", `false`, ValueBoolean},
		{"date object", `{"$date": "2024-01-15T08:00:00Z"}`, ValueDate},
		{"coded by uuid", `{"uuid": "male-uuid", "display": "Male"}`, ValueCoded},
		{"coded by identifier", `{"identifier": "male-uuid"}`, ValueCoded},
		{"other object", `{"foo": "bar"}`, ValueUnknown},
		{"array", `[1, 2]`, ValueUnknown},
		{"out of range number", `1e400`, ValueUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.input), &v); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if v.Kind() != tt.want {
				t.Errorf("expected kind %s, got %s", tt.want, v.Kind())
			}
		})
	}
}

func TestValue_Payloads(t *testing.T) {
	var num Value
	if err := json.Unmarshal([]byte(`75.5`), &num); err != nil {
		t.Fatal(err)
	}
	if num.Number() != 75.5 {
		t.Errorf("expected 75.5, got %v", num.Number())
	}

	var date Value
	if err := json.Unmarshal([]byte(`{"$date": "2024-01-15T08:00:00+02:00"}`), &date); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
	if !date.Date().Equal(want) {
		t.Errorf("expected %v, got %v", want, date.Date())
	}

	var badDate Value
	if err := json.Unmarshal([]byte(`{"$date": "yesterday"}`), &badDate); err != nil {
		t.Fatal(err)
	}
	if badDate.Kind() != ValueDate || !badDate.Date().IsZero() {
		t.Errorf("expected zero date, got %v", badDate.Date())
	}

	var coded Value
	if err := json.Unmarshal([]byte(`{"uuid": "f-uuid", "displayString": "Female"}`), &coded); err != nil {
		t.Fatal(err)
	}
	if c := coded.Coded(); c.Identifier != "f-uuid" || c.Display != "" || c.DisplayString != "Female" {
		t.Errorf("unexpected coded answer %+v", c)
	}
}

func TestValue_RoundTripKinds(t *testing.T) {
	values := []Value{
		NumberValue(3.25),
		StringValue("x"),
		BooleanValue(true),
		DateValue(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
		CodedValue(CodedAnswer{Identifier: "id", Display: "Name"}),
		{},
	}

	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s failed: %v", v.Kind(), err)
		}
		var back Value
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s failed: %v", v.Kind(), err)
		}
		if back != v {
			t.Errorf("expected %+v, got %+v", v, back)
		}
	}
}

func TestConcept_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Concept
	}{
		{"bare string", `"pulse-uuid"`, Concept{Identifier: "pulse-uuid"}},
		{"uuid object", `{"uuid": "w", "datatype": "Numeric", "name": "Weight"}`, Concept{Identifier: "w", Datatype: DatatypeNumeric, Display: "Weight"}},
		{"identifier object", `{"identifier": "w", "datatype": "Complex", "display": "Scan"}`, Concept{Identifier: "w", Datatype: DatatypeComplex, Display: "Scan"}},
		{"datatype object", `{"uuid": "w", "datatype": {"name": "Numeric"}}`, Concept{Identifier: "w", Datatype: DatatypeNumeric}},
		{"null", `null`, Concept{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Concept
			if err := json.Unmarshal([]byte(tt.input), &c); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if c != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, c)
			}
		})
	}
}

func TestDecodeObservations(t *testing.T) {
	data := []byte(`[
		{
			"concept": {"uuid": "vitals"},
			"formNamespace": "Bahmni",
			"formFieldPath": "Vitals.1/1-0",
			"interpretation": "ABNORMAL",
			"groupMembers": [
				{"concept": "pulse", "value": 72, "obsDatetime": "2024-01-15T10:00:00Z"},
				{"concept": "temp", "value": 37, "voided": true}
			]
		},
		{"concept": "note", "value": "ok", "comment": 12, "voided": 0, "observationDateTime": "2024-02-01"},
		"not an object"
	]`)

	obs, err := DecodeObservations(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(obs))
	}

	group := obs[0]
	if !group.IsGroup() || len(group.GroupMembers) != 2 {
		t.Fatalf("expected group with 2 members, got %+v", group)
	}
	if group.FormNamespace != "Bahmni" || group.FormFieldPath != "Vitals.1/1-0" || group.Interpretation != "ABNORMAL" {
		t.Errorf("unexpected group metadata %+v", group)
	}
	if group.GroupMembers[0].RecordedAt() != "2024-01-15T10:00:00Z" {
		t.Errorf("unexpected recorded-at %q", group.GroupMembers[0].RecordedAt())
	}
	if !group.GroupMembers[1].Voided {
		t.Error("expected second member to be voided")
	}

	note := obs[1]
	if note.Comment != "12" {
		t.Errorf("expected numeric comment as text, got %q", note.Comment)
	}
	if note.Voided {
		t.Error("expected 0 to decode as not voided")
	}
	if note.RecordedAt() != "2024-02-01" {
		t.Errorf("expected observationDateTime fallback, got %q", note.RecordedAt())
	}

	if obs[2].IsGroup() || !obs[2].Value.IsAbsent() || obs[2].Concept.Identifier != "" {
		t.Errorf("expected empty record for non-object element, got %+v", obs[2])
	}
}

func TestDecodeObservations_NonArray(t *testing.T) {
	for _, in := range []string{``, `  `, `null`, `{}`, `"x"`, `7`} {
		obs, err := DecodeObservations([]byte(in))
		if err != nil {
			t.Errorf("input %q: unexpected error %v", in, err)
		}
		if obs == nil || len(obs) != 0 {
			t.Errorf("input %q: expected empty list, got %v", in, obs)
		}
	}
}

func TestDecodeObservations_Malformed(t *testing.T) {
	if _, err := DecodeObservations([]byte(`[{"concept": "a",]`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodeObservations_EmptyGroupMembers(t *testing.T) {
	obs, err := DecodeObservations([]byte(`[{"concept": "g", "groupMembers": []}, {"concept": "h", "groupMembers": "none"}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for _, o := range obs {
		if o.IsGroup() {
			t.Errorf("%s: expected no live group members", o.Concept.Identifier)
		}
	}
}

func TestLooseBool(t *testing.T) {
	tests := map[string]bool{
		`true`:  true,
		`false`: false,
		`1`:     true,
		`0`:     false,
		`"yes"`: true,
		`""`:    false,
		`null`:  false,
		`{}`:    true,
	}

	for in, want := range tests {
		var b looseBool
		if err := json.Unmarshal([]byte(in), &b); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if bool(b) != want {
			t.Errorf("%s: expected %v, got %v", in, want, bool(b))
		}
	}
}

func TestDecodeObservations_FalsyOptionalFields(t *testing.T) {
	obs, err := DecodeObservations([]byte(`[
		{"concept": "a", "value": 1, "interpretation": false, "comment": 0, "formNamespace": false, "formFieldPath": 0, "obsDatetime": 0},
		{"concept": "b", "value": 1, "interpretation": "ABNORMAL", "comment": 12, "obsDatetime": false, "observationDateTime": "2024-02-01"}
	]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	a := obs[0]
	if a.Interpretation != "" || a.Comment != "" || a.FormNamespace != "" || a.FormFieldPath != "" || a.ObsDatetime != "" {
		t.Errorf("expected false and 0 to decode as absent, got %+v", a)
	}

	b := obs[1]
	if b.Interpretation != "ABNORMAL" || b.Comment != "12" {
		t.Errorf("unexpected fields %+v", b)
	}
	if b.ObsDatetime != "" || b.ObservationDateTime != "2024-02-01" {
		t.Errorf("unexpected timestamps %q / %q", b.ObsDatetime, b.ObservationDateTime)
	}
}
