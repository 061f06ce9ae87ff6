// Package form models the observation records produced by the form layer.
// Records arrive as loosely-typed JSON; decoding tolerates missing and
// oddly-typed optional fields rather than rejecting the record.
package form

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Datatype is the nominal clinical-concept datatype.
type Datatype string

const (
	DatatypeNumeric  Datatype = "Numeric"
	DatatypeComplex  Datatype = "Complex"
	DatatypeCoded    Datatype = "Coded"
	DatatypeText     Datatype = "Text"
	DatatypeDate     Datatype = "Date"
	DatatypeDateTime Datatype = "DateTime"
	DatatypeBoolean  Datatype = "Boolean"
)

// Concept identifies what an observation measures.
// A concept given as a bare string has only an Identifier.
type Concept struct {
	Identifier string   `json:"identifier,omitempty"`
	Datatype   Datatype `json:"datatype,omitempty"`
	Display    string   `json:"display,omitempty"`
}

// UnmarshalJSON accepts either a bare identifier string or a concept object
// keyed by uuid or identifier.
func (c *Concept) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*c = Concept{}
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &c.Identifier)
	case '{':
		var raw struct {
			UUID       looseString `json:"uuid"`
			Identifier looseString `json:"identifier"`
			Datatype   looseName   `json:"datatype"`
			Display    looseString `json:"display"`
			Name       looseName   `json:"name"`
		}
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		c.Identifier = firstNonEmpty(string(raw.UUID), string(raw.Identifier))
		c.Datatype = Datatype(raw.Datatype)
		c.Display = firstNonEmpty(string(raw.Display), string(raw.Name))
	}
	return nil
}

// Observation is one record of the observation tree.
type Observation struct {
	Concept             Concept       `json:"concept"`
	Value               Value         `json:"value"`
	GroupMembers        []Observation `json:"groupMembers,omitempty"`
	Voided              bool          `json:"voided,omitempty"`
	Interpretation      string        `json:"interpretation,omitempty"`
	FormNamespace       string        `json:"formNamespace,omitempty"`
	FormFieldPath       string        `json:"formFieldPath,omitempty"`
	Comment             string        `json:"comment,omitempty"`
	ObsDatetime         string        `json:"obsDatetime,omitempty"`
	ObservationDateTime string        `json:"observationDateTime,omitempty"`
}

// IsGroup reports whether the record carries group members.
func (o *Observation) IsGroup() bool {
	return len(o.GroupMembers) > 0
}

// RecordedAt returns the first present recording timestamp, or "".
func (o *Observation) RecordedAt() string {
	return firstNonEmpty(o.ObsDatetime, o.ObservationDateTime)
}

// UnmarshalJSON decodes a record leniently. Non-object input decodes as an
// empty record.
func (o *Observation) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*o = Observation{}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var raw struct {
		Concept             Concept         `json:"concept"`
		Value               Value           `json:"value"`
		GroupMembers        json.RawMessage `json:"groupMembers"`
		Voided              looseBool       `json:"voided"`
		Interpretation      truthyString    `json:"interpretation"`
		FormNamespace       truthyString    `json:"formNamespace"`
		FormFieldPath       truthyString    `json:"formFieldPath"`
		Comment             truthyString    `json:"comment"`
		ObsDatetime         truthyString    `json:"obsDatetime"`
		ObservationDateTime truthyString    `json:"observationDateTime"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}

	members, err := DecodeObservations(raw.GroupMembers)
	if err != nil {
		return fmt.Errorf("groupMembers: %w", err)
	}

	*o = Observation{
		Concept:             raw.Concept,
		Value:               raw.Value,
		GroupMembers:        members,
		Voided:              bool(raw.Voided),
		Interpretation:      string(raw.Interpretation),
		FormNamespace:       string(raw.FormNamespace),
		FormFieldPath:       string(raw.FormFieldPath),
		Comment:             string(raw.Comment),
		ObsDatetime:         string(raw.ObsDatetime),
		ObservationDateTime: string(raw.ObservationDateTime),
	}
	return nil
}

// DecodeObservations decodes a JSON array of records. A document that is not
// an array, including null and empty input, yields an empty list.
func DecodeObservations(data []byte) ([]Observation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Observation{}, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("decode observations: malformed JSON")
	}
	if trimmed[0] != '[' {
		return []Observation{}, nil
	}

	var obs []Observation
	if err := json.Unmarshal(trimmed, &obs); err != nil {
		return nil, fmt.Errorf("decode observations: %w", err)
	}
	if obs == nil {
		obs = []Observation{}
	}
	return obs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
