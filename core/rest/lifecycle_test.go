package rest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/restdeck/restdeck/core/csql"
	"github.com/restdeck/restdeck/core/schema"
)

func lifecycleTestSetup(t *testing.T) (*Lifecycle, sqlmock.Sqlmock, *RecordType) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	questions := &RecordType{
		Name:            "question",
		Table:           "questions",
		WithoutMetadata: true,
		Columns:         []Column{{Name: "name", Type: ColumnText}},
	}
	quizzes := &RecordType{
		Name:            "quiz",
		Table:           "quizzes",
		WithoutMetadata: true,
		Columns:         []Column{{Name: "name", Type: ColumnText}},
		Relations: []RelationDescriptor{{
			Name:        "question_ids",
			Table:       "quiz_questions",
			ParentKey:   "quiz_id",
			RelatedKey:  "question_id",
			RelatedType: "question",
		}},
	}
	registry := NewRegistry()
	registry.Add(questions)
	registry.Add(quizzes)

	validator, err := schema.NewValidator(nil)
	if err != nil {
		t.Fatal(err)
	}
	lifecycle := NewLifecycle(&csql.DB{DB: db, Schema: "unit_test"}, registry, validator)
	return lifecycle, mock, quizzes
}

func TestCreateWithRelationIsTransactional(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT count(DISTINCT id) FROM unit_test."questions" WHERE id IN ($1);`).
		WithArgs("qa").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO unit_test."quizzes" ("id", "created", "name") VALUES($1,$2,$3);`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Algorithms").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO unit_test."quiz_questions" ("quiz_id", "question_id") VALUES($1, $2) ON CONFLICT DO NOTHING;`).
		WithArgs(sqlmock.AnyArg(), "qa").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" WHERE id = $1;`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}).
			AddRow("quiz1", time.Now().UTC(), "Algorithms"))
	mock.ExpectQuery(`SELECT "question_id" FROM unit_test."quiz_questions" WHERE "quiz_id" = $1;`).
		WithArgs("quiz1").
		WillReturnRows(sqlmock.NewRows([]string{"question_id"}).AddRow("qa"))

	record, err := lifecycle.Create(ctx, quizzes, map[string]interface{}{
		"name":         "Algorithms",
		"question_ids": []interface{}{"qa"},
	})
	if err != nil {
		t.Fatal(err)
	}
	relatedIDs, _ := record["question_ids"].([]string)
	if len(relatedIDs) != 1 || relatedIDs[0] != "qa" {
		t.Fatalf("unexpected relation value %v", record["question_ids"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateReplacesRelationInTransaction(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT count(DISTINCT id) FROM unit_test."questions" WHERE id IN ($1,$2);`).
		WithArgs("qa", "qb").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	// the delete-then-insert replace shares one transaction with the lock
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM unit_test."quizzes" WHERE id = $1 FOR UPDATE;`).
		WithArgs("quiz1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM unit_test."quiz_questions" WHERE "quiz_id" = $1;`).
		WithArgs("quiz1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO unit_test."quiz_questions" ("quiz_id", "question_id") VALUES($1, $2) ON CONFLICT DO NOTHING;`).
		WithArgs("quiz1", "qa").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO unit_test."quiz_questions" ("quiz_id", "question_id") VALUES($1, $2) ON CONFLICT DO NOTHING;`).
		WithArgs("quiz1", "qb").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" WHERE id = $1;`).
		WithArgs("quiz1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}).
			AddRow("quiz1", time.Now().UTC(), "Algorithms"))
	mock.ExpectQuery(`SELECT "question_id" FROM unit_test."quiz_questions" WHERE "quiz_id" = $1;`).
		WithArgs("quiz1").
		WillReturnRows(sqlmock.NewRows([]string{"question_id"}).AddRow("qa").AddRow("qb"))

	record := map[string]interface{}{"id": "quiz1", "name": "Algorithms"}
	updated, err := lifecycle.Update(ctx, quizzes, record, map[string]interface{}{
		"question_ids": []interface{}{"qa", "qb"},
	})
	if err != nil {
		t.Fatal(err)
	}
	relatedIDs, _ := updated["question_ids"].([]string)
	if len(relatedIDs) != 2 {
		t.Fatalf("unexpected relation value %v", updated["question_ids"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateRejectsPartialRelationMatchWholesale(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	// one of the two ids does not resolve, the operation must fail before
	// any write
	mock.ExpectQuery(`SELECT count(DISTINCT id) FROM unit_test."questions" WHERE id IN ($1,$2);`).
		WithArgs("qa", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	record := map[string]interface{}{"id": "quiz1", "name": "Algorithms"}
	_, err := lifecycle.Update(ctx, quizzes, record, map[string]interface{}{
		"question_ids": []interface{}{"qa", "missing"},
	})
	opErr, ok := err.(*Error)
	if !ok || opErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateLeavesAbsentRelationUntouched(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT id FROM unit_test."quizzes" WHERE id = $1 FOR UPDATE;`).
		WithArgs("quiz1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE unit_test."quizzes" SET "name" = $2 WHERE id = $1;`).
		WithArgs("quiz1", "Renamed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" WHERE id = $1;`).
		WithArgs("quiz1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}).
			AddRow("quiz1", time.Now().UTC(), "Renamed"))
	mock.ExpectQuery(`SELECT "question_id" FROM unit_test."quiz_questions" WHERE "quiz_id" = $1;`).
		WithArgs("quiz1").
		WillReturnRows(sqlmock.NewRows([]string{"question_id"}))

	record := map[string]interface{}{"id": "quiz1", "name": "Algorithms"}
	if _, err := lifecycle.Update(ctx, quizzes, record, map[string]interface{}{
		"name": "Renamed",
	}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteRemovesRelationRowsFirst(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM unit_test."quiz_questions" WHERE "quiz_id" = $1;`).
		WithArgs("quiz1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM unit_test."quizzes" WHERE id = $1;`).
		WithArgs("quiz1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := lifecycle.Delete(ctx, quizzes, map[string]interface{}{"id": "quiz1"}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetListDefaultSortNewestFirst(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// no sort parameter means created descending
	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" GROUP BY id ORDER BY "created" DESC LIMIT 5 OFFSET 0;`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}).
			AddRow("quiz2", now, "Newest").
			AddRow("quiz1", now.Add(-time.Hour), "Older"))

	records, err := lifecycle.GetList(ctx, quizzes, nil, Page{Limit: DefaultLimit, Descending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0]["id"] != "quiz2" {
		t.Fatalf("unexpected page %v", records)
	}

	// desc=false flips the direction
	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" GROUP BY id ORDER BY "created" ASC LIMIT 5 OFFSET 0;`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}).
			AddRow("quiz1", now.Add(-time.Hour), "Older"))

	if _, err := lifecycle.GetList(ctx, quizzes, nil, Page{Limit: DefaultLimit}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetOneNotFound(t *testing.T) {
	lifecycle, mock, quizzes := lifecycleTestSetup(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT "id", "created", "name" FROM unit_test."quizzes" WHERE id = $1;`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created", "name"}))

	_, err := lifecycle.GetOne(ctx, quizzes, "nope", nil)
	opErr, ok := err.(*Error)
	if !ok || opErr.Status != http.StatusNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
