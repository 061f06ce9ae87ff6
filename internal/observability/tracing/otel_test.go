package tracing

import (
	"context"
	"strings"
	"testing"
)

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "ParentBased"},
	}

	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("rate %v: expected %s, got %s", tt.rate, tt.want, got)
		}
	}
}

func TestInit_WithoutExporter(t *testing.T) {
	cfg := DefaultConfig("obsfhir-test")
	cfg.OTLPEndpoint = ""

	p, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
