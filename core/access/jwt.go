package access

import (
	"net/http"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/restdeck/restdeck/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the operator JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC signing secret shared with the operator tooling.
	Secret []byte
	// Issuer is the accepted issuer for the token.
	Issuer string
}

type operatorClaims struct {
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler that accepts HMAC-signed
// operator tokens as "Authorization: Bearer" header.
//
// The claims carry the granted permissions directly; no database token is
// involved, hence the synthetic actor is only restricted by its claimed
// permissions. Intended for operator tooling and tests, not for end users.
//
// Tokens that parse as JWT but fail verification are rejected with
// http.StatusUnauthorized. Anything that does not look like a JWT is passed
// on to the next handler untouched.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("jwt middleware requires a secret")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, _ := ActorFromContext(r.Context()); actor != nil { // already authenticated?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := BearerToken(r)
			// database tokens are opaque secrets, JWTs have two dots
			if len(tokenString) == 0 || len(splitDots(tokenString)) != 3 {
				h.ServeHTTP(w, r)
				return
			}

			claims := operatorClaims{}
			_, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
				return jmb.Secret, nil
			})
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Warningln("invalid operator token")
				http.Error(w, "could not validate credentials", http.StatusUnauthorized)
				return
			}
			if jmb.Issuer != "" && claims.Issuer != jmb.Issuer {
				http.Error(w, "could not validate credentials", http.StatusUnauthorized)
				return
			}

			actor := &Actor{
				ID:          claims.Subject,
				Email:       claims.Email,
				Permissions: claims.Permissions,
			}
			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), actor.Email)
			ctx = ContextWithActor(ctx, actor, nil)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func splitDots(s string) []string {
	parts := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
