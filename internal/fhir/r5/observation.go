package r5

// Observation represents a FHIR R5 Observation resource.
// At most one value[x] field is populated.
type Observation struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Extension    []Extension     `json:"extension,omitempty"`
	Status       string          `json:"status"` // registered | preliminary | final | amended | ...
	Code         CodeableConcept `json:"code"`
	Subject      *Reference      `json:"subject,omitempty"`
	Encounter    *Reference      `json:"encounter,omitempty"`

	EffectiveDateTime string      `json:"effectiveDateTime,omitempty"`
	Performer         []Reference `json:"performer,omitempty"`

	// value[x]
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueBoolean         *bool            `json:"valueBoolean,omitempty"`
	ValueDateTime        string           `json:"valueDateTime,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`

	Interpretation []CodeableConcept `json:"interpretation,omitempty"`
	Note           []Annotation      `json:"note,omitempty"`
	HasMember      []Reference       `json:"hasMember,omitempty"`
}

// HasValue reports whether any value[x] field is populated.
func (o *Observation) HasValue() bool {
	return o.ValueQuantity != nil ||
		o.ValueString != "" ||
		o.ValueBoolean != nil ||
		o.ValueDateTime != "" ||
		o.ValueCodeableConcept != nil
}

// GetExtension returns the first extension with the given URL.
func (o *Observation) GetExtension(url string) *Extension {
	for i := range o.Extension {
		if o.Extension[i].URL == url {
			return &o.Extension[i]
		}
	}
	return nil
}

// GetCode returns the first coding code of the observation concept.
func (o *Observation) GetCode() string {
	if len(o.Code.Coding) == 0 {
		return ""
	}
	return o.Code.Coding[0].Code
}
