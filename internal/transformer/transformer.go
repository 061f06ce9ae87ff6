// Package transformer converts form observation trees into FHIR R5
// Observation bundle entries.
package transformer

import (
	"fmt"
	"time"

	fhir "github.com/drfirst/go-obsfhir/internal/fhir/r5"
	"github.com/drfirst/go-obsfhir/internal/form"
)

// Options carries the references stamped onto every generated Observation.
type Options struct {
	PatientReference   *fhir.Reference
	EncounterReference *fhir.Reference
	PerformerReference *fhir.Reference
}

func (o Options) validate() error {
	checks := []struct {
		field string
		ref   *fhir.Reference
	}{
		{"patientReference", o.PatientReference},
		{"encounterReference", o.EncounterReference},
		{"performerReference", o.PerformerReference},
	}
	for _, c := range checks {
		if c.ref == nil || c.ref.Reference == "" {
			return &MapError{
				Field:   c.field,
				Code:    CodeMissingReference,
				Message: fmt.Sprintf("%s is required", c.field),
				Cause:   ErrInvalidArgument,
			}
		}
	}
	return nil
}

// ObservationTransformer builds Observation resources from form records.
// It holds no per-call state and may be shared.
type ObservationTransformer struct {
	// IDGenerator issues one identifier per emitted resource
	IDGenerator IDGenerator
	// Now supplies the fallback effectiveDateTime
	Now func() time.Time
}

// NewObservationTransformer creates a transformer that issues random UUIDs
func NewObservationTransformer() *ObservationTransformer {
	return &ObservationTransformer{
		IDGenerator: UUIDGenerator{},
		Now:         time.Now,
	}
}

var defaultTransformer = NewObservationTransformer()

// Transform converts observations with the default transformer.
func Transform(observations []form.Observation, opts Options) ([]fhir.BundleEntry, error) {
	return defaultTransformer.Transform(observations, opts)
}

// TransformJSON decodes a JSON array of records and transforms it with the
// default transformer.
func TransformJSON(data []byte, opts Options) ([]fhir.BundleEntry, error) {
	return defaultTransformer.TransformJSON(data, opts)
}

// TransformJSON decodes a JSON array of records and transforms it. Input that
// is not an array yields no entries.
func (t *ObservationTransformer) TransformJSON(data []byte, opts Options) ([]fhir.BundleEntry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	observations, err := form.DecodeObservations(data)
	if err != nil {
		return nil, &MapError{
			Field:   "observations",
			Code:    CodeMalformedInput,
			Message: "observations could not be decoded",
			Cause:   err,
		}
	}
	return t.Transform(observations, opts)
}

// frame is one level of the traversal: the members of a group (or the top
// level) still to visit, and every fullUrl emitted beneath it so far.
type frame struct {
	group      *form.Observation
	members    []form.Observation
	next       int
	memberURLs []string
}

// Transform flattens the observation tree into bundle entries. Voided records
// and their subtrees are skipped. Group members are emitted before their
// group, whose hasMember lists the fullUrls of every entry emitted for its
// members, nested ones included, in emission order.
func (t *ObservationTransformer) Transform(observations []form.Observation, opts Options) ([]fhir.BundleEntry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ids := t.IDGenerator
	if ids == nil {
		ids = UUIDGenerator{}
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	b := &builder{
		opts: opts,
		ids:  ids,
		now:  formatTimestamp(now()),
	}

	entries := make([]fhir.BundleEntry, 0, len(observations))
	stack := []*frame{{members: observations}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next >= len(top.members) {
			stack = stack[:len(stack)-1]
			if top.group == nil {
				continue
			}
			entry := b.groupEntry(top.group, top.memberURLs)
			entries = append(entries, entry)
			parent := stack[len(stack)-1]
			parent.memberURLs = append(parent.memberURLs, top.memberURLs...)
			parent.memberURLs = append(parent.memberURLs, entry.FullURL)
			continue
		}

		obs := &top.members[top.next]
		top.next++

		if obs.Voided {
			continue
		}
		if obs.IsGroup() {
			stack = append(stack, &frame{group: obs, members: obs.GroupMembers})
			continue
		}

		entry := b.leafEntry(obs)
		entries = append(entries, entry)
		top.memberURLs = append(top.memberURLs, entry.FullURL)
	}

	return entries, nil
}

// builder assembles resources for a single Transform call.
type builder struct {
	opts Options
	ids  IDGenerator
	now  string
}

func (b *builder) leafEntry(obs *form.Observation) fhir.BundleEntry {
	resource := b.base(obs)
	applyValue(resource, obs.Value, obs.Concept.Datatype)
	b.appendProvenance(resource, obs)
	return b.entry(resource)
}

func (b *builder) groupEntry(obs *form.Observation, memberURLs []string) fhir.BundleEntry {
	resource := b.base(obs)
	b.appendProvenance(resource, obs)
	for _, url := range memberURLs {
		resource.HasMember = append(resource.HasMember, fhir.Reference{
			Reference: url,
			Type:      fhir.ResourceTypeObservation,
		})
	}
	return b.entry(resource)
}

// base fills the fields shared by leaf and group resources.
func (b *builder) base(obs *form.Observation) *fhir.Observation {
	effective := obs.RecordedAt()
	if effective == "" {
		effective = b.now
	}
	return &fhir.Observation{
		ResourceType:      fhir.ResourceTypeObservation,
		Status:            fhir.ObservationStatusFinal,
		Code:              conceptCode(obs.Concept),
		Subject:           copyReference(b.opts.PatientReference),
		Encounter:         copyReference(b.opts.EncounterReference),
		EffectiveDateTime: effective,
		Performer:         []fhir.Reference{*copyReference(b.opts.PerformerReference)},
		Interpretation:    interpretation(obs.Interpretation),
		Note:              notes(obs.Comment),
	}
}

func (b *builder) appendProvenance(resource *fhir.Observation, obs *form.Observation) {
	if ext, ok := provenanceExtension(obs.FormNamespace, obs.FormFieldPath); ok {
		resource.Extension = append(resource.Extension, ext)
	}
}

func (b *builder) entry(resource *fhir.Observation) fhir.BundleEntry {
	id := b.ids.NewID()
	resource.ID = id
	return fhir.BundleEntry{
		FullURL:  fhir.URN(id),
		Resource: resource,
	}
}

func copyReference(ref *fhir.Reference) *fhir.Reference {
	if ref == nil {
		return nil
	}
	c := *ref
	return &c
}
