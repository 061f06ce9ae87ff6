package r5

import (
	"time"

	"github.com/google/uuid"
)

// BundleTypeTransaction is the only bundle type emitted.
const BundleTypeTransaction = "transaction"

// Bundle represents a FHIR Bundle resource carrying Observation entries.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry pairs a resource with the urn:uuid locator other entries reference it by.
type BundleEntry struct {
	FullURL  string              `json:"fullUrl"`
	Resource *Observation        `json:"resource"`
	Request  *BundleEntryRequest `json:"request,omitempty"`
}

// BundleEntryRequest describes how a transaction entry is to be applied.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewTransactionBundle wraps transformer output in a transaction Bundle.
// The entries are copied; the caller's slice is left without request blocks.
func NewTransactionBundle(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, len(entries))
	for i, e := range entries {
		out[i] = BundleEntry{
			FullURL:  e.FullURL,
			Resource: e.Resource,
			Request: &BundleEntryRequest{
				Method: "POST",
				URL:    ResourceTypeObservation,
			},
		}
	}

	return &Bundle{
		ResourceType: ResourceTypeBundle,
		ID:           uuid.NewString(),
		Type:         BundleTypeTransaction,
		Timestamp:    &now,
		Entry:        out,
	}
}

// URNPrefix is the scheme used for in-bundle fullUrls.
const URNPrefix = "urn:uuid:"

// URN returns the in-bundle locator for id.
func URN(id string) string {
	return URNPrefix + id
}
