/*Package access provides scope evaluation and token middleware.

An Actor is the authenticated caller: an identifier plus the set of granted
permission strings. A Token is the bearer credential the actor presented; it
restricts the actor to the subset of scopes it was issued with. Both are
stored on the request context by one of the middleware implementations and
retrieved with ActorFromContext.
*/
package access

import (
	"context"
	"time"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyActor contextKey = "_actor_"

// Actor is the authenticated caller.
type Actor struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// Token is a bearer credential. The ID is the secret itself. UserID is empty
// when the owning actor was deleted; the token then authenticates nobody.
type Token struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Scopes  []string  `json:"scopes"`
	Created time.Time `json:"created"`
}

type actorAndToken struct {
	actor *Actor
	token *Token
}

// ContextWithActor returns a new context with the actor and the token it
// authenticated with. The token may be nil for identities established
// without a database token, such as operator JWTs.
func ContextWithActor(ctx context.Context, actor *Actor, token *Token) context.Context {
	return context.WithValue(ctx, contextKeyActor, &actorAndToken{actor: actor, token: token})
}

// ActorFromContext retrieves the actor and token from the context. Both are
// nil for unauthenticated requests.
func ActorFromContext(ctx context.Context) (*Actor, *Token) {
	at, ok := ctx.Value(contextKeyActor).(*actorAndToken)
	if !ok {
		return nil, nil
	}
	return at.actor, at.token
}
