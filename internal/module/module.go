// Package module defines the execution contract shared by every SentinelVision
// module (feeds, analyzers, responders), the registry they are discovered
// through, and the rolling metrics each execution updates.
package module

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Kind tags the concrete variant of a module. It never changes for a given implementation.
type Kind string

const (
	// KindFeed ingests external threat data into a tenant's feed data store.
	KindFeed Kind = "feed"

	// KindAnalyzer enriches a single observable with external analysis.
	KindAnalyzer Kind = "analyzer"

	// KindResponder takes an automated action based on an observable.
	KindResponder Kind = "responder"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFeed, KindAnalyzer, KindResponder:
		return true
	}
	return false
}

// Status is the outcome of one module execution as seen by the caller.
type Status string

const (
	StatusSuccess              Status = "success"
	StatusError                Status = "error"
	StatusSkipped              Status = "skipped"
	StatusConfigurationInvalid Status = "configuration_invalid"
	StatusTimeout              Status = "timeout"
	StatusCanceled             Status = "canceled"
)

// Observable is the case-management entity an analyzer or responder runs against.
// The pipeline never owns it, only reads it.
type Observable struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// ExecContext carries everything a module needs for one run.
type ExecContext struct {
	TenantID string
	Target   *Observable
	Args     map[string]any

	// Log appends a progress line to the run's execution record. May be nil.
	Log func(line string)
}

// Logf formats and forwards a progress line if a sink is attached.
func (ec ExecContext) Logf(format string, args ...any) {
	if ec.Log == nil {
		return
	}
	ec.Log(fmt.Sprintf(format, args...))
}

// Result is what a module hands back from Execute.
type Result struct {
	Status  Status         `json:"status"`
	Items   int            `json:"items"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// OK reports whether the result counts as a successful run.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Module is the capability set every pluggable module implements.
// Implementations must be pointer types so the registry can compare them.
type Module interface {
	ID() string
	Kind() Kind
	Description() string

	// ValidateConfiguration must pass before Execute is ever called.
	ValidateConfiguration() error

	// Execute performs the module's work. It must be safe to call concurrently
	// for different tenants; the dispatcher guarantees single-flight per tenant.
	Execute(ctx context.Context, ec ExecContext) (*Result, error)
}

// Targeted is implemented by analyzers and responders that only accept some
// observable types.
type Targeted interface {
	Module
	SupportedTypes() []string
}

// Supports reports whether m accepts observables of the given type. Modules
// that do not implement Targeted accept everything.
func Supports(m Module, observableType string) bool {
	t, ok := m.(Targeted)
	if !ok {
		return true
	}
	types := t.SupportedTypes()
	if len(types) == 0 {
		return true
	}
	return slices.Contains(types, strings.ToLower(observableType))
}
