// Package fhir is the HTTP-facing facade over the search-parameter engine:
// it stores resource versions, drives extraction and indexing, executes
// compiled searches, and renders searchset Bundles and OperationOutcomes.
package fhir

import (
	"time"
)

// Resource is the envelope of a FHIR resource: the fields the engine needs
// to identify and version it. The full element tree stays opaque JSON.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

// StoredResource is one version of a logical resource as the store persists
// it. It carries the identity the indexer needs plus the raw payload.
type StoredResource struct {
	Type    string
	ID      string
	Version int
	Updated time.Time
	Payload []byte
}

func (r StoredResource) ResourceType() string   { return r.Type }
func (r StoredResource) LogicalID() string      { return r.ID }
func (r StoredResource) VersionID() int         { return r.Version }
func (r StoredResource) LastUpdated() time.Time { return r.Updated }

// PayloadJSON exposes the raw element tree to the expression evaluator.
func (r StoredResource) PayloadJSON() []byte { return r.Payload }

// OperationOutcome represents a FHIR OperationOutcome for errors and
// advisory messages.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}
