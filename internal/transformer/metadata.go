package transformer

import (
	"strings"

	fhir "github.com/drfirst/go-obsfhir/internal/fhir/r5"
	"github.com/drfirst/go-obsfhir/internal/form"
)

// InterpretationCode is a code/display pair from the v3 ObservationInterpretation system.
type InterpretationCode struct {
	Code    string
	Display string
}

// Interpretation tags known to the form layer, keyed by their upper-case form.
var interpretationCodes = map[string]InterpretationCode{
	"ABNORMAL": {Code: "A", Display: "Abnormal"},
	"NORMAL":   {Code: "N", Display: "Normal"},
}

// LookupInterpretation maps a free-text tag case-insensitively. Unknown tags
// map to NORMAL.
func LookupInterpretation(tag string) InterpretationCode {
	if c, ok := interpretationCodes[strings.ToUpper(tag)]; ok {
		return c
	}
	return interpretationCodes["NORMAL"]
}

func interpretation(tag string) []fhir.CodeableConcept {
	if tag == "" {
		return nil
	}
	c := LookupInterpretation(tag)
	return []fhir.CodeableConcept{{
		Coding: []fhir.Coding{{
			System:  fhir.SystemObservationInterpretation,
			Code:    c.Code,
			Display: c.Display,
		}},
	}}
}

// provenanceExtension records which form field produced the value. Both parts
// are required.
func provenanceExtension(namespace, fieldPath string) (fhir.Extension, bool) {
	if namespace == "" || fieldPath == "" {
		return fhir.Extension{}, false
	}
	return fhir.Extension{
		URL:         fhir.ExtensionFormNamespacePath,
		ValueString: namespace + "^" + fieldPath,
	}, true
}

func complexDataExtension(url string) fhir.Extension {
	return fhir.Extension{
		URL:             fhir.ExtensionComplexData,
		ValueAttachment: &fhir.Attachment{URL: url},
	}
}

func notes(comment string) []fhir.Annotation {
	if comment == "" {
		return nil
	}
	return []fhir.Annotation{{Text: comment}}
}

func conceptCode(c form.Concept) fhir.CodeableConcept {
	return fhir.CodeableConcept{
		Coding: []fhir.Coding{{Code: c.Identifier}},
	}
}
