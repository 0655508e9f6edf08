package prep

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/rest"
)

func questionType() *rest.RecordType {
	return &rest.RecordType{
		Name:  "question",
		Table: "questions",
		Columns: []rest.Column{
			{Name: "name", Type: rest.ColumnText, Index: true},
			{Name: "question", Type: rest.ColumnText},
			{Name: "options", Type: rest.ColumnTextArray},
			{Name: "answer", Type: rest.ColumnText},
			{Name: "difficulty", Type: rest.ColumnText, Index: true},
			{Name: "topic", Type: rest.ColumnText, Index: true},
			{Name: "company", Type: rest.ColumnText},
			{Name: "hints", Type: rest.ColumnTextArray},
			{Name: "solutions", Type: rest.ColumnTextArray},
			{Name: "comments", Type: rest.ColumnJSON, Nullable: true},
			{Name: "solvers", Type: rest.ColumnTextArray},
		},
	}
}

func questionResource() *rest.Resource {
	admin := []string{access.ScopeAdminAccess}
	return &rest.Resource{
		Path:           "/questions",
		Type:           "question",
		CreateSchemaID: "question-create",
		UpdateSchemaID: "question-update",
		// reads are open, the pool is public
		Scopes: map[core.Operation][]string{
			core.OperationCreate: admin,
			core.OperationUpdate: admin,
			core.OperationDelete: admin,
			core.OperationBatch:  admin,
		},
		Events: map[core.Operation]string{
			core.OperationCreate: "question_created",
			core.OperationUpdate: "question_updated",
			core.OperationDelete: "question_deleted",
		},
	}
}

func (s *Service) addQuestionRoutes() {
	s.router.HandleFunc("/questions/{"+rest.ItemVar+"}/comment", s.commentHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/questions/{"+rest.ItemVar+"}/solve", s.solveHandler).Methods(http.MethodPost)
}

// commentHandler appends a comment to a question. Any authenticated user may
// comment.
func (s *Service) commentHandler(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Authorize(w, r, []string{access.ScopeFullControl}) {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, rest.ValidationFailedf("body", "invalid json: %v", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		rest.WriteError(w, rest.ValidationFailedf("message", "must not be empty"))
		return
	}

	ctx := r.Context()
	actor, _ := access.ActorFromContext(ctx)
	lifecycle := s.backend.Lifecycle()
	questionType, _ := lifecycle.Registry().Get("question")
	question, err := lifecycle.GetOne(ctx, questionType, mux.Vars(r)[rest.ItemVar], nil)
	if err != nil {
		rest.WriteError(w, err)
		return
	}

	comments, _ := question["comments"].([]interface{})
	comments = append(comments, map[string]interface{}{
		"author":  actor.Email,
		"created": time.Now().UTC().Format(time.RFC3339),
		"message": req.Message,
	})
	updated, err := lifecycle.Update(ctx, questionType, question, map[string]interface{}{
		"comments": comments,
	})
	if err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, s.questions.Display(updated))
}

// solveHandler compares a submitted answer against the question's answer. A
// correct answer records the solver once; a wrong answer is a validation
// failure.
func (s *Service) solveHandler(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Authorize(w, r, []string{access.ScopeFullControl}) {
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rest.WriteError(w, rest.ValidationFailedf("body", "invalid json: %v", err))
		return
	}

	ctx := r.Context()
	actor, _ := access.ActorFromContext(ctx)
	lifecycle := s.backend.Lifecycle()
	questionType, _ := lifecycle.Registry().Get("question")
	question, err := lifecycle.GetOne(ctx, questionType, mux.Vars(r)[rest.ItemVar], nil)
	if err != nil {
		rest.WriteError(w, err)
		return
	}

	answer, _ := question["answer"].(string)
	if !strings.EqualFold(strings.TrimSpace(req.Answer), strings.TrimSpace(answer)) {
		rest.WriteError(w, rest.ValidationFailedf("answer", "wrong answer"))
		return
	}

	solvers, _ := question["solvers"].([]string)
	for _, solver := range solvers {
		if solver == actor.Email {
			rest.WriteJSON(w, true)
			return
		}
	}
	list := make([]interface{}, 0, len(solvers)+1)
	for _, solver := range solvers {
		list = append(list, solver)
	}
	list = append(list, actor.Email)
	if _, err := lifecycle.Update(ctx, questionType, question, map[string]interface{}{
		"solvers": list,
	}); err != nil {
		rest.WriteError(w, err)
		return
	}
	rest.WriteJSON(w, true)
}
