/*Package prep implements the interview preparation backend: users with
preferences, bearer tokens, a question pool and quizzes composed from it.

All resources are bound through the generic rest engine; this package only
declares the record types, their scopes and the handful of custom routes
(registration, login, commenting and solving).
*/
package prep

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/rest"
	"github.com/restdeck/restdeck/core/schema"
	"github.com/restdeck/restdeck/prep/schemas"
)

// ScopeTokenManagement guards token housekeeping: issuing, listing and
// revoking tokens and changing the password.
const ScopeTokenManagement = "token_management"

// Builder is the input to New.
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Router is the mux router the routes are added to. Mandatory.
	Router *mux.Router
	// Notifier receives write events. Optional.
	Notifier core.Notifier
}

// Service is the assembled prep backend.
type Service struct {
	db        *csql.DB
	router    *mux.Router
	validator *schema.Validator
	hasher    access.PasswordHasher
	backend   *rest.Backend

	users     *rest.Resource
	tokens    *rest.Resource
	questions *rest.Resource
	quizzes   *rest.Resource
}

// New creates the service: it ensures the database tables exist, binds all
// resources and registers the custom routes. It panics on configuration
// errors.
func New(b *Builder) *Service {
	validator, err := schema.NewValidatorFromFS(schemas.FS)
	if err != nil {
		panic(err)
	}
	s := &Service{
		db:        b.DB,
		router:    b.Router,
		validator: validator,
		hasher:    access.BcryptHasher{},
	}

	// static sub-routes must be registered before the generated
	// {record_id} routes of the same method
	s.addUserRoutes()
	s.addTokenRoutes()
	s.addQuestionRoutes()

	s.users = s.userResource()
	s.tokens = s.tokenResource()
	s.questions = questionResource()
	s.quizzes = quizResource()

	s.backend = rest.New(&rest.Builder{
		DB:        b.DB,
		Router:    b.Router,
		Validator: validator,
		Notifier:  b.Notifier,
		Types: []*rest.RecordType{
			s.userType(), tokenType(), questionType(), quizType(),
		},
		Resources: []*rest.Resource{
			s.users, s.tokens, s.questions, s.quizzes,
		},
		UpdateSchema: true,
	})
	return s
}

// Backend returns the bound resource engine.
func (s *Service) Backend() *rest.Backend {
	return s.backend
}

// decodeAndValidate reads a JSON request body, validates it against the
// named schema and returns the decoded attributes.
func decodeAndValidate(r *http.Request, validator *schema.Validator, schemaID string) (map[string]interface{}, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	fieldErrors, err := validator.Validate(schemaID, body)
	if err != nil {
		return nil, err
	}
	if len(fieldErrors) > 0 {
		return nil, rest.ValidationFailed(fieldErrors)
	}
	attrs := map[string]interface{}{}
	if err := json.Unmarshal(body, &attrs); err != nil {
		return nil, rest.ValidationFailedf("body", "invalid json: %v", err)
	}
	return attrs, nil
}
