package access

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/logger"
)

// BearerToken extracts the bearer token from the Authorization header.
// It returns the empty string if there is none.
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return ""
}

// TokenMiddlewareBuilder is a helper builder for the token middleware
type TokenMiddlewareBuilder struct {
	// DB is the postgres database. Must have the "users" and "tokens"
	// tables in its schema.
	DB *csql.DB
}

// NewTokenMiddleware returns a middleware handler that resolves a bearer
// token to the owning actor.
//
// A token whose owning actor was deleted has its user reference cleared and
// no longer authenticates anybody. The middleware never rejects a request
// itself; the generated operation handlers decide whether an actor is
// required and whether its scopes suffice.
func NewTokenMiddleware(tmb *TokenMiddlewareBuilder) mux.MiddlewareFunc {
	if tmb.DB == nil {
		panic("token middleware requires DB")
	}

	authQuery := fmt.Sprintf(`SELECT u.id, u.email, u.permissions, t.id, t.user_id, t.scopes, t.created
FROM %s.tokens t JOIN %s.users u ON u.id = t.user_id WHERE t.id = $1;`, tmb.DB.Schema, tmb.DB.Schema)

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, _ := ActorFromContext(r.Context()); actor != nil { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := BearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r)
				return
			}

			var (
				actor Actor
				token Token
				perms pq.StringArray
				grant pq.StringArray
			)
			err := tmb.DB.QueryRow(authQuery, tokenString).Scan(
				&actor.ID, &actor.Email, &perms,
				&token.ID, &token.UserID, &grant, &token.Created)
			if err == csql.ErrNoRows {
				h.ServeHTTP(w, r)
				return
			}
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Errorln("cannot resolve bearer token")
				http.Error(w, "cannot resolve credentials", http.StatusInternalServerError)
				return
			}
			actor.Permissions = perms
			token.Scopes = grant

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), actor.Email)
			ctx = ContextWithActor(ctx, &actor, &token)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
