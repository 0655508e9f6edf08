/*Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The
client is the tool of choice if one request handler needs to call other
handlers to fulfill its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/restdeck/restdeck/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	actor      *access.Actor
	actorToken *access.Token
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
//
// WithActor() injects an authenticated actor into the request context.
// WithToken() sets a bearer token header instead.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL creates a client to make REST requests to the backend.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client that sends the bearer token with every
// request.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithActor returns a new client with the actor and token injected directly
// into the request context. This works only directly against the mux router;
// a normal client uses WithToken().
func (c Client) WithActor(actor *access.Actor, token *access.Token) Client {
	c.actor = actor
	c.actorToken = token
	return c
}

// WithAdminActor returns a new client acting as an administrator, for tests.
func (c Client) WithAdminActor() Client {
	return c.WithActor(&access.Actor{
		ID:          "admin",
		Email:       "admin@localhost",
		Permissions: []string{access.ScopeAdminAccess},
	}, nil)
}

// WithContext returns a new client with a specific base request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.actor != nil {
		ctx = access.ContextWithActor(ctx, c.actor, c.actorToken)
	}
	return ctx
}

func (c Client) do(method, path string, body interface{}, result interface{}, expected ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, err
			}
		}
		reader = bytes.NewReader(raw)
	}
	r, _ := http.NewRequestWithContext(c.context(), method, c.url+path, reader)
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		var err error
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	ok := false
	for _, e := range expected {
		ok = ok || status == e
	}
	if !ok {
		return status, fmt.Errorf("%s %s: got status %d: %s", method, path, status, string(resBody))
	}
	if result != nil && len(resBody) > 0 {
		if raw, isRaw := result.(*[]byte); isRaw {
			*raw = resBody
		} else if err := json.Unmarshal(resBody, result); err != nil {
			return status, err
		}
	}
	return status, nil
}

// Get reads the resource at path. Expects http.StatusOK as response,
// otherwise it flags an error. Returns the actual http status code.
//
// result can be a pointer to any JSON-decodable value or a raw *[]byte;
// result can be nil.
func (c Client) Get(path string, result interface{}) (int, error) {
	return c.do(http.MethodGet, path, nil, result, http.StatusOK)
}

// Post creates a resource at path. Expects http.StatusOK as response.
//
// body can also be a []byte; result can be nil.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPost, path, body, result, http.StatusOK)
}

// Patch updates selected fields of the resource at path. Expects
// http.StatusOK as response.
func (c Client) Patch(path string, body interface{}, result interface{}) (int, error) {
	return c.do(http.MethodPatch, path, body, result, http.StatusOK)
}

// Delete deletes the resource at path. Expects http.StatusOK as response and
// returns the deleted resource's display shape.
func (c Client) Delete(path string, result interface{}) (int, error) {
	return c.do(http.MethodDelete, path, nil, result, http.StatusOK)
}

// Expect returns a shallow request helper that accepts the given status
// codes instead of http.StatusOK, for tests probing failure paths.
func (c Client) Expect(method, path string, body interface{}, result interface{}, expected ...int) (int, error) {
	return c.do(method, path, body, result, expected...)
}
