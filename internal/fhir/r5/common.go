// Package r5 provides the FHIR R5 data structures emitted by the observation transformer.
package r5

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// NewReference builds a relative "Type/id" reference.
func NewReference(resourceType, id string) *Reference {
	return &Reference{
		Reference: resourceType + "/" + id,
		Type:      resourceType,
	}
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// Attachment holds content by reference.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Text         string `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL             string      `json:"url"`
	ValueString     string      `json:"valueString,omitempty"`
	ValueAttachment *Attachment `json:"valueAttachment,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceTypeOperationOutcome,
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Resource type literals
const (
	ResourceTypeObservation      = "Observation"
	ResourceTypeBundle           = "Bundle"
	ResourceTypeOperationOutcome = "OperationOutcome"
	ResourceTypePatient          = "Patient"
	ResourceTypeEncounter        = "Encounter"
	ResourceTypePractitioner     = "Practitioner"
)

// Code systems and extension URLs
const (
	SystemObservationInterpretation = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"

	ExtensionFormNamespacePath = "http://fhir.bahmni.org/ext/observation/form-namespace-path"
	ExtensionComplexData       = "http://fhir.bahmni.org/ext/observation/complex-data"
)

// Observation statuses
const (
	ObservationStatusRegistered     = "registered"
	ObservationStatusPreliminary    = "preliminary"
	ObservationStatusFinal          = "final"
	ObservationStatusAmended        = "amended"
	ObservationStatusEnteredInError = "entered-in-error"
)
