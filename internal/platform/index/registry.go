package index

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Resource is the narrow view of an already-parsed FHIR resource the indexing
// core needs. Parsing and the full object model are owned by collaborators.
type Resource interface {
	ResourceType() string
	LogicalID() string
	VersionID() int
	LastUpdated() time.Time
}

// Node is the tagged union of values an extraction expression can yield.
// The evaluator (a FHIRPath engine, out of scope here) maps matched elements
// onto these node types.
type Node interface{ isNode() }

// StringNode is a matched string or uri element.
type StringNode struct{ Value string }

// CodingNode is a matched Coding/Identifier/code element. System is nil when
// the element carries no system at all, which FHIR distinguishes from an
// explicit empty-string system.
type CodingNode struct {
	System *string
	Code   string
}

// DateNode is a matched date/dateTime/Period element, widened to a half-open
// [Start, End) range.
type DateNode struct{ Start, End time.Time }

// NumberNode is a matched number element; the string keeps the original
// precision so implicit ranges can be derived.
type NumberNode struct{ Value string }

// QuantityNode is a matched Quantity element.
type QuantityNode struct {
	Value  string
	System *string
	Code   string
}

// ReferenceNode is a matched Reference element.
type ReferenceNode struct {
	TargetType string
	TargetID   string
	Version    *int
}

// GroupNode is one match of a composite parameter's root expression; Parts
// holds the per-component matches keyed by component code.
type GroupNode struct{ Parts map[string][]Node }

func (StringNode) isNode()    {}
func (CodingNode) isNode()    {}
func (DateNode) isNode()      {}
func (NumberNode) isNode()    {}
func (QuantityNode) isNode()  {}
func (ReferenceNode) isNode() {}
func (GroupNode) isNode()     {}

// Evaluator evaluates a compiled extraction expression against a resource
// tree. It is provided by the FHIRPath collaborator; the core never parses
// expressions itself.
type Evaluator interface {
	Evaluate(ctx context.Context, res Resource, expression string) ([]Node, error)
}

// Component is one component of a composite search parameter definition.
type Component struct {
	Code string
	Type ParameterType
}

// Definition is a compiled SearchParameter definition: the read-only
// configuration driving extraction and query compilation for one parameter
// code on one resource type.
type Definition struct {
	Code        string
	Type        ParameterType
	Expression  string
	Targets     []string    // allowed target resource types for references
	Components  []Component // ordered, composite only
	WholeSystem bool
	Mandatory   bool // extraction failure fails the whole write
}

// Registry holds compiled SearchParameter definitions per resource type.
// It is populated at startup from the conformance collaborator and read
// concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]map[string]Definition // resourceType -> code -> definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]map[string]Definition)}
}

// Register adds a definition for a resource type. Registering the same code
// twice for one resource type is an error.
func (r *Registry) Register(resourceType string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byCode, ok := r.defs[resourceType]
	if !ok {
		byCode = make(map[string]Definition)
		r.defs[resourceType] = byCode
	}
	if _, exists := byCode[def.Code]; exists {
		return fmt.Errorf("search parameter %q already registered for %q", def.Code, resourceType)
	}
	byCode[def.Code] = def
	return nil
}

// Lookup returns the definition for a parameter code on a resource type.
func (r *Registry) Lookup(resourceType, code string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[resourceType][code]
	return def, ok
}

// ForResourceType returns all definitions for a resource type in unspecified
// order.
func (r *Registry) ForResourceType(resourceType string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs[resourceType]))
	for _, def := range r.defs[resourceType] {
		out = append(out, def)
	}
	return out
}
