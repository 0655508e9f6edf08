package prep_test

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/client"
	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/logger"
	"github.com/restdeck/restdeck/prep"
)

// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
var testClient client.Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("POSTGRES")
	if dsn == "" {
		fmt.Println("POSTGRES not set, skipping prep tests")
		return
	}
	logger.InitLogger(logrus.WarnLevel)

	db := csql.OpenWithSchema(dsn, "_prep_unit_test_")
	defer db.Close()
	db.ClearSchema()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewTokenMiddleware(&access.TokenMiddlewareBuilder{DB: db}))
	prep.New(&prep.Builder{
		DB:     db,
		Router: router,
	})
	testClient = client.NewWithRouter(router)

	os.Exit(m.Run())
}

func registerUser(t *testing.T, email string) (userID, token string) {
	var user map[string]interface{}
	_, err := testClient.Post("/users", map[string]interface{}{
		"email":    email,
		"password": "supersecret",
	}, &user)
	if err != nil {
		t.Fatal(err)
	}
	userID, _ = user["id"].(string)
	token, _ = user["token"].(string)
	if len(userID) != 32 {
		t.Fatalf("expected generated 32 letter id, got %q", userID)
	}
	if token == "" {
		t.Fatal("expected a token from registration")
	}
	if _, ok := user["hashed_password"]; ok {
		t.Fatal("hashed_password must never be displayed")
	}
	if user["created"] == nil {
		t.Fatal("expected server-side created timestamp")
	}
	return userID, token
}

func grantPermissions(t *testing.T, userID string, permissions []string) {
	admin := testClient.WithAdminActor()
	if _, err := admin.Patch("/users/"+userID, map[string]interface{}{
		"permissions": permissions,
	}, nil); err != nil {
		t.Fatal(err)
	}
}

func login(t *testing.T, email string, scopes []string) string {
	var token map[string]interface{}
	if _, err := testClient.Post("/token", map[string]interface{}{
		"email":    email,
		"password": "supersecret",
		"scopes":   scopes,
	}, &token); err != nil {
		t.Fatal(err)
	}
	id, _ := token["id"].(string)
	if id == "" {
		t.Fatal("expected a token id")
	}
	return id
}

func TestRegistrationAndPermissionEscalation(t *testing.T) {
	userID, token := registerUser(t, "alice@example.com")

	// the registration token authenticates the fresh user
	var me map[string]interface{}
	if _, err := testClient.WithToken(token).Get("/users/me", &me); err != nil {
		t.Fatal(err)
	}
	if me["email"] != "alice@example.com" {
		t.Fatalf("unexpected me %v", me)
	}

	// fresh users have no permissions, so writes to the question pool fail
	question := map[string]interface{}{
		"name": "Two Sum", "question": "...", "answer": "hashmap",
	}
	status, _ := testClient.WithToken(token).Expect(http.MethodPost, "/questions", question, nil, http.StatusForbidden)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", status)
	}

	// grant admin_access and reissue a token scoped to it
	grantPermissions(t, userID, []string{access.ScopeAdminAccess, prep.ScopeTokenManagement})
	adminToken := login(t, "alice@example.com", []string{access.ScopeAdminAccess})

	// client-supplied id and created are overwritten server-side
	question["id"] = "forged-id"
	question["created"] = "1999-01-01T00:00:00Z"
	var created map[string]interface{}
	if _, err := testClient.WithToken(adminToken).Post("/questions", question, &created); err != nil {
		t.Fatal(err)
	}
	id, _ := created["id"].(string)
	if len(id) != 32 || id == "forged-id" {
		t.Fatalf("expected generated id, got %q", id)
	}
	createdAt, _ := created["created"].(string)
	if createdAt == "" || createdAt[:4] == "1999" {
		t.Fatalf("expected server-side created, got %q", createdAt)
	}
}

func TestTokenScopesRestrictPermissions(t *testing.T) {
	userID, _ := registerUser(t, "bob@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess, prep.ScopeTokenManagement})

	// a token scoped below the granted permissions must not escalate
	weakToken := login(t, "bob@example.com", []string{prep.ScopeTokenManagement})
	question := map[string]interface{}{
		"name": "LRU Cache", "question": "...", "answer": "linked list",
	}
	status, _ := testClient.WithToken(weakToken).Expect(http.MethodPost, "/questions", question, nil, http.StatusForbidden)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", status)
	}

	// full control escalates to everything the user is granted
	fullToken := login(t, "bob@example.com", nil)
	if _, err := testClient.WithToken(fullToken).Post("/questions", question, nil); err != nil {
		t.Fatal(err)
	}

	// scopes beyond the granted permissions are refused at login
	var tokenResult map[string]interface{}
	status, _ = testClient.Expect(http.MethodPost, "/token", map[string]interface{}{
		"email":    "carol@example.com",
		"password": "supersecret",
		"scopes":   []string{access.ScopeAdminAccess},
	}, &tokenResult, http.StatusUnauthorized)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for unknown email, got %d", status)
	}
}

func TestTokenLifecycle(t *testing.T) {
	userID, token := registerUser(t, "dave@example.com")
	grantPermissions(t, userID, []string{prep.ScopeTokenManagement})

	second := login(t, "dave@example.com", []string{prep.ScopeTokenManagement})

	// tokens list under the actor's access filter only
	var page map[string]interface{}
	if _, err := testClient.WithToken(second).Get("/token", &page); err != nil {
		t.Fatal(err)
	}
	count, _ := page["count"].(float64)
	if count != 2 {
		t.Fatalf("expected the actor's 2 tokens, got %v", page["count"])
	}

	var current map[string]interface{}
	if _, err := testClient.WithToken(second).Get("/token/current", &current); err != nil {
		t.Fatal(err)
	}
	if current["id"] != second {
		t.Fatalf("unexpected current token %v", current)
	}

	// batch delete revokes the other token
	if _, err := testClient.WithToken(second).Post("/token/batch", map[string]interface{}{
		"ids": []string{token},
	}, nil); err != nil {
		t.Fatal(err)
	}
	status, _ := testClient.WithToken(token).Expect(http.MethodGet, "/token/current", nil, nil, http.StatusUnauthorized)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be unauthorized, got %d", status)
	}
}

func TestWeakTokenCannotMintStrongerToken(t *testing.T) {
	userID, _ := registerUser(t, "mallory@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess, prep.ScopeTokenManagement})
	weakToken := login(t, "mallory@example.com", []string{prep.ScopeTokenManagement})

	// the presented token caps issuance even though the user holds the
	// permission
	status, _ := testClient.WithToken(weakToken).Expect(http.MethodPost, "/token",
		map[string]interface{}{"scopes": []string{access.ScopeAdminAccess}}, nil,
		http.StatusForbidden)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", status)
	}

	// re-issuing within the presented token's scopes stays possible
	var token map[string]interface{}
	if _, err := testClient.WithToken(weakToken).Post("/token",
		map[string]interface{}{"scopes": []string{prep.ScopeTokenManagement}}, &token); err != nil {
		t.Fatal(err)
	}
	if id, _ := token["id"].(string); id == "" {
		t.Fatal("expected a token id")
	}
}

func TestQuestionSearchMultiple(t *testing.T) {
	userID, _ := registerUser(t, "erin@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess})
	adminToken := login(t, "erin@example.com", nil)
	admin := testClient.WithToken(adminToken)

	for _, topic := range []string{"arrays", "trees", "graphs"} {
		if _, err := admin.Post("/questions", map[string]interface{}{
			"name":     "on " + topic,
			"question": "...",
			"answer":   "42",
			"topic":    topic,
		}, nil); err != nil {
			t.Fatal(err)
		}
	}

	// comma-separated field value matches any alternative in multiple mode
	var page map[string]interface{}
	if _, err := testClient.Get("/questions?query=topic%3Darrays,trees&multiple=true&limit=-1", &page); err != nil {
		t.Fatal(err)
	}
	result, _ := page["result"].([]interface{})
	matched := map[string]bool{}
	for _, item := range result {
		record, _ := item.(map[string]interface{})
		matched[record["topic"].(string)] = true
	}
	if !matched["arrays"] || !matched["trees"] || matched["graphs"] {
		t.Fatalf("unexpected match set %v", matched)
	}

	var count int
	if _, err := testClient.Get("/questions/count?query=topic%3Darrays,trees&multiple=true", &count); err != nil {
		t.Fatal(err)
	}
	if count != len(result) {
		t.Fatalf("count %d does not match result %d", count, len(result))
	}

	// a malformed created filter is ignored, not a fault
	if _, err := testClient.Get("/questions?query=created%3D2023-13-99", &page); err != nil {
		t.Fatal(err)
	}
}

func TestSolveAndComment(t *testing.T) {
	userID, _ := registerUser(t, "frank@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess})
	adminToken := login(t, "frank@example.com", nil)
	admin := testClient.WithToken(adminToken)

	var question map[string]interface{}
	if _, err := admin.Post("/questions", map[string]interface{}{
		"name":     "Fibonacci",
		"question": "...",
		"answer":   "dynamic programming",
	}, &question); err != nil {
		t.Fatal(err)
	}
	id := question["id"].(string)

	status, _ := admin.Expect(http.MethodPost, "/questions/"+id+"/solve",
		map[string]interface{}{"answer": "recursion"}, nil, http.StatusUnprocessableEntity)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected wrong answer rejection, got %d", status)
	}

	// answers compare case-insensitively; the solver is recorded once
	for i := 0; i < 2; i++ {
		if _, err := admin.Post("/questions/"+id+"/solve",
			map[string]interface{}{"answer": "Dynamic Programming"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := testClient.Get("/questions/"+id, &question); err != nil {
		t.Fatal(err)
	}
	solvers, _ := question["solvers"].([]interface{})
	if len(solvers) != 1 || solvers[0] != "frank@example.com" {
		t.Fatalf("unexpected solvers %v", solvers)
	}

	var updated map[string]interface{}
	if _, err := admin.Post("/questions/"+id+"/comment",
		map[string]interface{}{"message": "classic"}, &updated); err != nil {
		t.Fatal(err)
	}
	comments, _ := updated["comments"].([]interface{})
	if len(comments) != 1 {
		t.Fatalf("unexpected comments %v", comments)
	}
}

func TestQuizRelations(t *testing.T) {
	userID, _ := registerUser(t, "grace@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess})
	adminToken := login(t, "grace@example.com", nil)
	admin := testClient.WithToken(adminToken)

	questionIDs := make([]string, 0, 2)
	for _, name := range []string{"q1", "q2"} {
		var question map[string]interface{}
		if _, err := admin.Post("/questions", map[string]interface{}{
			"name": name, "question": "...", "answer": "x",
		}, &question); err != nil {
			t.Fatal(err)
		}
		questionIDs = append(questionIDs, question["id"].(string))
	}

	var quiz map[string]interface{}
	if _, err := admin.Post("/quizzes", map[string]interface{}{
		"name":         "warmup",
		"question_ids": questionIDs,
		"reviews": []map[string]interface{}{
			{"author": "grace", "rating": 5, "message": "nice"},
		},
	}, &quiz); err != nil {
		t.Fatal(err)
	}
	quizID := quiz["id"].(string)
	if ids, _ := quiz["question_ids"].([]interface{}); len(ids) != 2 {
		t.Fatalf("unexpected question_ids %v", quiz["question_ids"])
	}
	reviews, _ := quiz["reviews"].([]interface{})
	if len(reviews) != 1 {
		t.Fatalf("unexpected reviews %v", quiz["reviews"])
	}
	review, _ := reviews[0].(map[string]interface{})
	if review["id"] == nil || review["created"] == nil {
		t.Fatalf("expected child rows to carry id and created, got %v", review)
	}

	// relation replace is idempotent
	if _, err := admin.Patch("/quizzes/"+quizID, map[string]interface{}{
		"question_ids": questionIDs,
	}, &quiz); err != nil {
		t.Fatal(err)
	}
	if ids, _ := quiz["question_ids"].([]interface{}); len(ids) != 2 {
		t.Fatalf("replace must not duplicate join rows, got %v", quiz["question_ids"])
	}

	// a single unresolvable id rejects the whole list, nothing is written
	status, _ := admin.Expect(http.MethodPatch, "/quizzes/"+quizID, map[string]interface{}{
		"question_ids": []string{questionIDs[0], "doesnotexist"},
	}, nil, http.StatusForbidden)
	if status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", status)
	}
	if _, err := testClient.Get("/quizzes/"+quizID, &quiz); err != nil {
		t.Fatal(err)
	}
	if ids, _ := quiz["question_ids"].([]interface{}); len(ids) != 2 {
		t.Fatalf("rejected patch must not change the relation, got %v", quiz["question_ids"])
	}

	// patch to the empty list removes all join rows
	if _, err := admin.Patch("/quizzes/"+quizID, map[string]interface{}{
		"question_ids": []string{},
	}, &quiz); err != nil {
		t.Fatal(err)
	}
	if ids, _ := quiz["question_ids"].([]interface{}); len(ids) != 0 {
		t.Fatalf("expected empty relation, got %v", quiz["question_ids"])
	}

	// deleting returns the deleted record's display shape
	var deleted map[string]interface{}
	if _, err := admin.Delete("/quizzes/"+quizID, &deleted); err != nil {
		t.Fatal(err)
	}
	if deleted["id"] != quizID {
		t.Fatalf("unexpected delete response %v", deleted)
	}
	status, _ = testClient.Expect(http.MethodGet, "/quizzes/"+quizID, nil, nil, http.StatusNotFound)
	if status != http.StatusNotFound {
		t.Fatalf("expected not found after delete, got %d", status)
	}
}

func TestSettingsSubDocument(t *testing.T) {
	_, token := registerUser(t, "heidi@example.com")
	me := testClient.WithToken(token)

	// defaults are served without any stored value
	var user map[string]interface{}
	if _, err := me.Get("/users/me", &user); err != nil {
		t.Fatal(err)
	}
	settings, _ := user["settings"].(map[string]interface{})
	if settings["theme"] != "light" {
		t.Fatalf("expected default theme, got %v", settings)
	}

	// partial merge only touches the posted keys
	if _, err := me.Post("/users/me/settings", map[string]interface{}{
		"theme": "dark",
	}, &user); err != nil {
		t.Fatal(err)
	}
	settings, _ = user["settings"].(map[string]interface{})
	if settings["theme"] != "dark" || settings["items_per_page"] != float64(5) {
		t.Fatalf("unexpected settings %v", settings)
	}

	// values outside the schema are rejected
	status, _ := me.Expect(http.MethodPost, "/users/me/settings", map[string]interface{}{
		"theme": "purple",
	}, nil, http.StatusUnprocessableEntity)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation failure, got %d", status)
	}
}

func TestBatchUnknownCommand(t *testing.T) {
	userID, _ := registerUser(t, "ivan@example.com")
	grantPermissions(t, userID, []string{access.ScopeAdminAccess})
	adminToken := login(t, "ivan@example.com", nil)

	status, _ := testClient.WithToken(adminToken).Expect(http.MethodPost, "/questions/batch",
		map[string]interface{}{"ids": []string{}, "command": "bogus"}, nil, http.StatusNotFound)
	if status != http.StatusNotFound {
		t.Fatalf("expected not found for unknown command, got %d", status)
	}
}
