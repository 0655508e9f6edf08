package prep

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/core/rest"
)

func tokenType() *rest.RecordType {
	return &rest.RecordType{
		Name:  "token",
		Table: "tokens",
		// the id is the bearer secret itself
		NewID:           core.SecretID,
		WithoutMetadata: true,
		Columns: []rest.Column{
			{Name: "user_id", Type: rest.ColumnText, Nullable: true, Index: true,
				References: "users(id)", OnDelete: "SET NULL"},
			{Name: "scopes", Type: rest.ColumnTextArray},
		},
		ForeignKeys: map[string]string{"user_id": "user"},
		// actors only ever see their own tokens
		Access: func(actor *access.Actor) []rest.Filter {
			id := ""
			if actor != nil {
				id = actor.ID
			}
			return []rest.Filter{{Column: "user_id", Value: id}}
		},
	}
}

func (s *Service) tokenResource() *rest.Resource {
	manage := []string{ScopeTokenManagement}
	return &rest.Resource{
		Path: "/token",
		Type: "token",
		Scopes: map[core.Operation][]string{
			core.OperationList:   manage,
			core.OperationCount:  manage,
			core.OperationRead:   manage,
			core.OperationDelete: manage,
			core.OperationBatch:  manage,
			// create is open, this is the login endpoint
		},
		Handlers: map[core.Operation]http.HandlerFunc{
			core.OperationCreate: s.loginHandler,
		},
		Operations: []core.Operation{
			core.OperationList, core.OperationCount, core.OperationRead,
			core.OperationCreate, core.OperationDelete, core.OperationBatch,
		},
	}
}

func (s *Service) addTokenRoutes() {
	s.router.HandleFunc("/token/current", s.currentTokenHandler).Methods(http.MethodGet)
}

// loginHandler issues a new token. Callers authenticate with email and
// password, or implicitly with an already established identity. Requested
// scopes are checked against the user's permissions before the token is
// issued; an empty request defaults to full control.
func (s *Service) loginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Email    string   `json:"email"`
		Password string   `json:"password"`
		Scopes   []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, rest.ValidationFailedf("body", "invalid json: %v", err))
		return
	}

	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	tokType, _ := lifecycle.Registry().Get("token")

	var user map[string]interface{}
	if req.Email != "" {
		users, err := lifecycle.GetList(ctx, userType,
			[]rest.Filter{{Column: "email", Value: req.Email}}, rest.Page{Limit: 1, Descending: true})
		if err != nil {
			rest.WriteError(w, err)
			return
		}
		if len(users) == 0 {
			rest.WriteError(w, rest.Unauthorized(nil))
			return
		}
		user = users[0]
		hash, _ := user["hashed_password"].(string)
		if !s.hasher.Verify(req.Password, hash) {
			logger.FromContext(ctx).Warningf("failed login for %s", req.Email)
			rest.WriteError(w, rest.Unauthorized(nil))
			return
		}
	} else if actor, _ := access.ActorFromContext(ctx); actor != nil {
		var err error
		user, err = lifecycle.GetOne(ctx, userType, actor.ID, nil)
		if err != nil {
			rest.WriteError(w, err)
			return
		}
	} else {
		rest.WriteError(w, rest.Unauthorized(nil))
		return
	}

	requested := req.Scopes
	if len(requested) == 0 {
		requested = []string{access.ScopeFullControl}
	}
	permissions, _ := user["permissions"].([]string)
	// the presented token restricts issuance: a weak token must not mint a
	// stronger one, no matter what the owning user is permitted
	tokenScopes := requested
	if _, presented := access.ActorFromContext(ctx); presented != nil {
		tokenScopes = presented.Scopes
	}
	if err := access.CheckScopes(permissions, tokenScopes, requested); err != nil {
		rest.WriteError(w, rest.Forbidden(err.Error(), requested))
		return
	}

	scopes := make([]interface{}, len(requested))
	for i, scope := range requested {
		scopes[i] = scope
	}
	token, err := lifecycle.Create(ctx, tokType, map[string]interface{}{
		"user_id": user["id"],
		"scopes":  scopes,
	})
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, token)
}

// currentTokenHandler returns the token the request authenticated with.
func (s *Service) currentTokenHandler(w http.ResponseWriter, r *http.Request) {
	_, token := access.ActorFromContext(r.Context())
	if token == nil {
		rest.WriteError(w, rest.Unauthorized(nil))
		return
	}
	lifecycle := s.backend.Lifecycle()
	tokType, _ := lifecycle.Registry().Get("token")
	record, err := lifecycle.GetOne(r.Context(), tokType, token.ID, nil)
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, record)
}
