/*Package rest turns declared record types into a uniform REST resource API.

A Backend binds each Resource to a family of guarded routes: list, count,
get-one, create, patch, delete and batch. Every operation runs scope
evaluation first; reads go through the pagination engine, writes through the
record lifecycle which keeps relation tables and JSON sub-documents in sync
with the primary row.
*/
package rest

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/core/schema"
)

// ItemVar is the route variable carrying the record id on single-record
// routes.
const ItemVar = "record_id"

// Builder is the input to New.
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Router is the mux router the routes are added to. Mandatory.
	Router *mux.Router
	// Validator holds the payload and sub-document schemas. Optional.
	Validator *schema.Validator
	// Notifier receives write events. Optional.
	Notifier core.Notifier
	// Types are the record types to register.
	Types []*RecordType
	// Resources are the resources to bind.
	Resources []*Resource
	// UpdateSchema ensures the tables of all record types exist.
	UpdateSchema bool
}

// Backend is the bound resource engine.
type Backend struct {
	db        *csql.DB
	router    *mux.Router
	registry  *Registry
	validator *schema.Validator
	notifier  core.Notifier
	lifecycle *Lifecycle
}

// New binds the builder's resources and returns the ready backend. Like all
// builders in this project it panics on configuration errors, there is no
// point in continuing.
func New(b *Builder) *Backend {
	if b.DB == nil {
		panic("rest: builder needs a database")
	}
	if b.Router == nil {
		panic("rest: builder needs a router")
	}
	validator := b.Validator
	if validator == nil {
		validator, _ = schema.NewValidator(nil)
	}

	registry := NewRegistry()
	for _, rt := range b.Types {
		registry.Add(rt)
	}
	if b.UpdateSchema {
		for _, rt := range b.Types {
			if _, err := b.DB.Exec(rt.createSQL(b.DB.Schema, registry)); err != nil {
				panic(err)
			}
		}
	}

	backend := &Backend{
		db:        b.DB,
		router:    b.Router,
		registry:  registry,
		validator: validator,
		notifier:  b.Notifier,
		lifecycle: NewLifecycle(b.DB, registry, validator),
	}
	for _, rc := range b.Resources {
		backend.bind(rc)
	}
	return backend
}

// Router returns the router the backend's routes live on.
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Lifecycle returns the record lifecycle, for override handlers and custom
// routes.
func (b *Backend) Lifecycle() *Lifecycle {
	return b.lifecycle
}

// bindOrder fixes the registration order so that the static sub-routes
// /count and /batch are matched before the {record_id} routes.
var bindOrder = []core.Operation{
	core.OperationList, core.OperationCount, core.OperationBatch,
	core.OperationRead, core.OperationCreate, core.OperationUpdate,
	core.OperationDelete,
}

func (b *Backend) bind(rc *Resource) {
	rt, ok := b.registry.Get(rc.Type)
	if !ok {
		panic("rest: unknown record type " + rc.Type)
	}
	bound := make(map[core.Operation]bool)
	for _, op := range rc.operations() {
		bound[op] = true
	}
	itemRoute := rc.Path + "/{" + ItemVar + "}"

	for _, op := range bindOrder {
		if !bound[op] {
			continue
		}
		handler := rc.Handlers[op]
		if handler == nil {
			switch op {
			case core.OperationList:
				handler = b.listHandler(rc, rt)
			case core.OperationCount:
				handler = b.countHandler(rc, rt)
			case core.OperationRead:
				handler = b.readHandler(rc, rt)
			case core.OperationCreate:
				handler = b.createHandler(rc, rt)
			case core.OperationUpdate:
				handler = b.updateHandler(rc, rt)
			case core.OperationDelete:
				handler = b.deleteHandler(rc, rt)
			case core.OperationBatch:
				handler = b.batchHandler(rc, rt)
			}
		}
		guarded := b.guard(rc.Scopes[op], handler)

		logger.Default().Debugf("bind %s %s %s", rc.Type, op, rc.Path)
		switch op {
		case core.OperationList:
			b.router.HandleFunc(rc.Path, guarded).Methods(http.MethodGet)
		case core.OperationCount:
			b.router.HandleFunc(rc.Path+"/count", guarded).Methods(http.MethodGet)
		case core.OperationBatch:
			b.router.HandleFunc(rc.Path+"/batch", guarded).Methods(http.MethodPost)
		case core.OperationRead:
			b.router.HandleFunc(itemRoute, guarded).Methods(http.MethodGet)
		case core.OperationCreate:
			b.router.HandleFunc(rc.Path, guarded).Methods(http.MethodPost)
		case core.OperationUpdate:
			b.router.HandleFunc(itemRoute, guarded).Methods(http.MethodPatch)
		case core.OperationDelete:
			b.router.HandleFunc(itemRoute, guarded).Methods(http.MethodDelete)
		}
	}
}

// Authorize evaluates the required scopes for the request's actor and token.
// It writes the failure response itself and reports whether the request may
// proceed. An empty scope list means the operation is open.
func (b *Backend) Authorize(w http.ResponseWriter, r *http.Request, required []string) bool {
	if len(required) == 0 {
		return true
	}
	actor, token := access.ActorFromContext(r.Context())
	if actor == nil {
		WriteError(w, Unauthorized(required))
		return false
	}
	// without a token object the actor is only restricted by permissions,
	// so the token scopes default to exactly what is required
	tokenScopes := required
	if token != nil {
		tokenScopes = token.Scopes
	}
	if err := access.CheckScopes(actor.Permissions, tokenScopes, required); err != nil {
		WriteError(w, Forbidden(err.Error(), required))
		return false
	}
	return true
}

func (b *Backend) guard(required []string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.Authorize(w, r, required) {
			return
		}
		h(w, r)
	}
}

// requestFilters composes the always-applied filters of a request: the
// record type's access filter for the current actor plus the path-pinned
// equality filters.
func (b *Backend) requestFilters(r *http.Request, rc *Resource, rt *RecordType) []Filter {
	actor, _ := access.ActorFromContext(r.Context())
	filters := rt.accessFilters(actor)
	vars := mux.Vars(r)
	for muxVar, column := range rc.PathParams {
		if value, ok := vars[muxVar]; ok {
			filters = append(filters, Filter{Column: column, Value: value})
		}
	}
	return filters
}

func (b *Backend) decodeBody(r *http.Request, schemaID string) (map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if schemaID != "" {
		fieldErrors, err := b.validator.Validate(schemaID, body)
		if err != nil {
			return nil, err
		}
		if len(fieldErrors) > 0 {
			return nil, ValidationFailed(fieldErrors)
		}
	}
	attrs := map[string]interface{}{}
	if err := json.Unmarshal(body, &attrs); err != nil {
		return nil, ValidationFailedf("body", "invalid json: %v", err)
	}
	return attrs, nil
}

func (b *Backend) listHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := ParsePage(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		filters := b.requestFilters(r, rc, rt)
		result, err := b.lifecycle.Paginate(ctx, rt, filters, page, r.URL,
			func(ctx context.Context, record map[string]interface{}) error {
				if err := b.lifecycle.Load(ctx, rt, record); err != nil {
					return err
				}
				rc.Display(record)
				return nil
			})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("list failed")
			WriteError(w, err)
			return
		}
		WriteJSON(w, result)
	}
}

func (b *Backend) countHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := ParsePage(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		count, err := b.lifecycle.GetCount(ctx, rt, b.requestFilters(r, rc, rt), page)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("count failed")
			WriteError(w, err)
			return
		}
		WriteJSON(w, count)
	}
}

func (b *Backend) readHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		record, err := b.lifecycle.GetOne(ctx, rt, mux.Vars(r)[ItemVar], b.requestFilters(r, rc, rt))
		if err != nil {
			WriteError(w, err)
			return
		}
		if err = b.lifecycle.Load(ctx, rt, record); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, rc.Display(record))
	}
}

func (b *Backend) createHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		attrs, err := b.decodeBody(r, rc.CreateSchemaID)
		if err != nil {
			WriteError(w, err)
			return
		}
		// path-pinned values win over whatever the client sent
		vars := mux.Vars(r)
		for muxVar, column := range rc.PathParams {
			if value, ok := vars[muxVar]; ok {
				attrs[column] = value
			}
		}
		record, err := b.lifecycle.Create(ctx, rt, attrs)
		if err != nil {
			WriteError(w, err)
			return
		}
		b.publish(ctx, rc, core.OperationCreate, record)
		WriteJSON(w, rc.Display(record))
	}
}

func (b *Backend) updateHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		patch, err := b.decodeBody(r, rc.UpdateSchemaID)
		if err != nil {
			WriteError(w, err)
			return
		}
		record, err := b.lifecycle.GetOne(ctx, rt, mux.Vars(r)[ItemVar], b.requestFilters(r, rc, rt))
		if err != nil {
			WriteError(w, err)
			return
		}
		updated, err := b.lifecycle.Update(ctx, rt, record, patch)
		if err != nil {
			WriteError(w, err)
			return
		}
		b.publish(ctx, rc, core.OperationUpdate, updated)
		WriteJSON(w, rc.Display(updated))
	}
}

func (b *Backend) deleteHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		record, err := b.lifecycle.GetOne(ctx, rt, mux.Vars(r)[ItemVar], b.requestFilters(r, rc, rt))
		if err != nil {
			WriteError(w, err)
			return
		}
		if err = b.lifecycle.Load(ctx, rt, record); err != nil {
			WriteError(w, err)
			return
		}
		if err = b.lifecycle.Delete(ctx, rt, record); err != nil {
			WriteError(w, err)
			return
		}
		b.publish(ctx, rc, core.OperationDelete, record)
		WriteJSON(w, rc.Display(record))
	}
}

func (b *Backend) batchHandler(rc *Resource, rt *RecordType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, ValidationFailedf("body", "invalid json: %v", err))
			return
		}
		if req.Command == "" {
			req.Command = "delete"
		}
		filters := b.requestFilters(r, rc, rt)

		if command, ok := rc.Commands[req.Command]; ok {
			if err := command(ctx, b, rt, req, filters); err != nil {
				WriteError(w, err)
				return
			}
		} else if req.Command == "delete" {
			deleted, err := b.lifecycle.DeleteMany(ctx, rt, req.IDs, filters)
			if err != nil {
				WriteError(w, err)
				return
			}
			for _, id := range deleted {
				b.publishID(ctx, rc, core.OperationDelete, id)
			}
		} else {
			WriteError(w, NotFound("no such command: %s", req.Command))
			return
		}
		WriteJSON(w, true)
	}
}

func (b *Backend) publish(ctx context.Context, rc *Resource, op core.Operation, record map[string]interface{}) {
	id, _ := record["id"].(string)
	b.publishID(ctx, rc, op, id)
}

// publishID publishes a write event through the notifier, if the resource
// declares an event name for the operation. Publishing is fire-and-forget.
func (b *Backend) publishID(ctx context.Context, rc *Resource, op core.Operation, id string) {
	if b.notifier == nil {
		return
	}
	event, ok := rc.Events[op]
	if !ok {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event": event,
		"data":  map[string]string{"id": id},
	})
	if err != nil {
		return
	}
	logger.FromContext(ctx).Debugf("publish %s for %s %s", event, rc.Type, id)
	b.notifier.Notify(rc.Type, op, payload)
}
