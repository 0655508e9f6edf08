package rest

import (
	"context"
	"net/http"

	"github.com/restdeck/restdeck/core"
)

// BatchRequest is the body of a batch operation: a named command applied to
// an explicit id list.
type BatchRequest struct {
	IDs     []string               `json:"ids"`
	Command string                 `json:"command"`
	Options map[string]interface{} `json:"options"`
}

// BatchCommand is a named bulk operation over an id list. The filters carry
// the access and path restrictions of the request; a command must never
// reach beyond them.
type BatchCommand func(ctx context.Context, b *Backend, rt *RecordType, req BatchRequest, filters []Filter) error

// Resource binds a record type to a base path and turns it into a family of
// guarded HTTP operations: list, count, get-one, create, patch, delete and
// batch.
type Resource struct {
	// Path is the base path, e.g. "/questions".
	Path string
	// Type is the record type name within the registry.
	Type string

	// CreateSchemaID and UpdateSchemaID name the payload shape schemas for
	// create and patch. Empty means no shape validation.
	CreateSchemaID string
	UpdateSchemaID string

	// DisplayOmit lists attributes removed from every rendered record,
	// e.g. credential hashes.
	DisplayOmit []string

	// Operations restricts the generated handlers; nil means all.
	Operations []core.Operation

	// Scopes declares the required scopes per operation. An operation
	// without scopes is open.
	Scopes map[core.Operation][]string

	// PathParams maps route variables of Path to record columns. A matched
	// variable acts as an always-applied equality filter and is force-set
	// on create payloads, so a nested resource's parent id cannot be forged.
	PathParams map[string]string

	// Handlers overrides individual operations entirely. Scope evaluation
	// still runs before an override is called.
	Handlers map[core.Operation]http.HandlerFunc

	// Commands are the named batch commands beyond the built-in "delete".
	Commands map[string]BatchCommand

	// Events maps operations to event names published after a successful
	// write.
	Events map[core.Operation]string
}

func (rc *Resource) operations() []core.Operation {
	if rc.Operations != nil {
		return rc.Operations
	}
	return core.AllOperations()
}

// Display renders a record for the response: omitted attributes are removed
// and empty string values are dropped.
func (rc *Resource) Display(record map[string]interface{}) map[string]interface{} {
	for _, name := range rc.DisplayOmit {
		delete(record, name)
	}
	for key, value := range record {
		if s, ok := value.(string); ok && s == "" {
			delete(record, key)
		}
	}
	return record
}
