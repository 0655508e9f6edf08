package prep

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/core/rest"
)

func (s *Service) userType() *rest.RecordType {
	return &rest.RecordType{
		Name:  "user",
		Table: "users",
		Columns: []rest.Column{
			{Name: "email", Type: rest.ColumnText, Unique: true, Index: true},
			{Name: "hashed_password", Type: rest.ColumnText},
			{Name: "permissions", Type: rest.ColumnTextArray},
			{Name: "settings", Type: rest.ColumnJSON},
		},
		SubDocs: []rest.SubDocField{
			{Name: "settings", SchemaID: "user-preferences"},
		},
		ProcessAttrs: s.hashPassword,
	}
}

// hashPassword replaces a plain password attribute with its hash before it
// ever reaches storage.
func (s *Service) hashPassword(attrs map[string]interface{}) {
	password, ok := attrs["password"].(string)
	if !ok {
		return
	}
	delete(attrs, "password")
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot hash password")
		return
	}
	attrs["hashed_password"] = hashed
}

func (s *Service) userResource() *rest.Resource {
	admin := []string{access.ScopeAdminAccess}
	return &rest.Resource{
		Path:           "/users",
		Type:           "user",
		CreateSchemaID: "user-create",
		UpdateSchemaID: "user-update",
		DisplayOmit:    []string{"hashed_password"},
		Scopes: map[core.Operation][]string{
			core.OperationList:   admin,
			core.OperationCount:  admin,
			core.OperationRead:   admin,
			core.OperationUpdate: admin,
			core.OperationDelete: admin,
			core.OperationBatch:  admin,
			// create is open, this is the registration endpoint
		},
		Handlers: map[core.Operation]http.HandlerFunc{
			core.OperationCreate: s.registerHandler,
		},
		Events: map[core.Operation]string{
			core.OperationCreate: "user_registered",
			core.OperationDelete: "user_deleted",
		},
	}
}

// registerHandler is the open registration endpoint. It creates the user and
// issues a full-control token in one go, so the fresh user can start working
// without a separate login.
func (s *Service) registerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	tokenType, _ := lifecycle.Registry().Get("token")

	attrs, err := decodeAndValidate(r, s.validator, "user-create")
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	// fresh users never grant themselves permissions
	delete(attrs, "permissions")

	user, err := lifecycle.Create(ctx, userType, attrs)
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	token, err := lifecycle.Create(ctx, tokenType, map[string]interface{}{
		"user_id": user["id"],
		"scopes":  []interface{}{access.ScopeFullControl},
	})
	if err != nil {
		rest.WriteError(w, err)
		return
	}

	response := s.users.Display(user)
	response["token"] = token["id"]
	rest.WriteJSON(w, response)
}

func (s *Service) addUserRoutes() {
	s.router.HandleFunc("/users/me", s.meHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/users/me/settings", s.settingsHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/users/password", s.passwordHandler).Methods(http.MethodPost)
}

// currentUser fetches the record of the authenticated actor.
func (s *Service) currentUser(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	actor, _ := access.ActorFromContext(r.Context())
	if actor == nil {
		rest.WriteError(w, rest.Unauthorized([]string{access.ScopeFullControl}))
		return nil, false
	}
	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	user, err := lifecycle.GetOne(r.Context(), userType, actor.ID, nil)
	if err != nil {
		rest.WriteError(w, err)
		return nil, false
	}
	return user, true
}

func (s *Service) meHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	if err := lifecycle.Load(r.Context(), userType, user); err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, s.users.Display(user))
}

// settingsHandler partially merges the posted preferences into the stored
// settings sub-document.
func (s *Service) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Authorize(w, r, []string{access.ScopeFullControl}) {
		return
	}
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	patch := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		rest.WriteError(w, rest.ValidationFailedf("body", "invalid json: %v", err))
		return
	}
	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	updated, err := lifecycle.Update(r.Context(), userType, user, map[string]interface{}{
		"settings": patch,
	})
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, s.users.Display(updated))
}

// passwordHandler changes the actor's password. With logout_others set, all
// other tokens of the actor are revoked in the same request.
func (s *Service) passwordHandler(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Authorize(w, r, []string{ScopeTokenManagement}) {
		return
	}
	var req struct {
		OldPassword  string `json:"old_password"`
		Password     string `json:"password"`
		LogoutOthers bool   `json:"logout_others"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, rest.ValidationFailedf("body", "invalid json: %v", err))
		return
	}
	if len(req.Password) < 8 {
		rest.WriteError(w, rest.ValidationFailedf("password", "must be at least 8 characters"))
		return
	}
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	hash, _ := user["hashed_password"].(string)
	if req.OldPassword == "" || !s.hasher.Verify(req.OldPassword, hash) {
		rest.WriteError(w, rest.ValidationFailedf("old_password", "invalid password"))
		return
	}

	lifecycle := s.backend.Lifecycle()
	userType, _ := lifecycle.Registry().Get("user")
	if _, err := lifecycle.Update(r.Context(), userType, user, map[string]interface{}{
		"password": req.Password,
	}); err != nil {
		rest.WriteError(w, err)
		return
	}

	if req.LogoutOthers {
		_, token := access.ActorFromContext(r.Context())
		currentID := ""
		if token != nil {
			currentID = token.ID
		}
		_, err := s.db.ExecContext(r.Context(),
			`DELETE FROM `+s.db.Schema+`."tokens" WHERE user_id = $1 AND id <> $2;`,
			user["id"], currentID)
		if err != nil {
			rest.WriteError(w, err)
			return
		}
	}
	rest.WriteJSON(w, true)
}
