package prep

import (
	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/rest"
)

func quizType() *rest.RecordType {
	return &rest.RecordType{
		Name:  "quiz",
		Table: "quizzes",
		Columns: []rest.Column{
			{Name: "name", Type: rest.ColumnText, Index: true},
			{Name: "description", Type: rest.ColumnText},
		},
		Relations: []rest.RelationDescriptor{
			{
				Name:        "question_ids",
				Table:       "quiz_questions",
				ParentKey:   "quiz_id",
				RelatedKey:  "question_id",
				RelatedType: "question",
			},
			{
				Name:      "reviews",
				Table:     "quiz_reviews",
				ParentKey: "quiz_id",
				OneToMany: true,
				ChildColumns: []rest.Column{
					{Name: "author", Type: rest.ColumnText},
					{Name: "rating", Type: rest.ColumnInt},
					{Name: "message", Type: rest.ColumnText},
				},
			},
		},
	}
}

func quizResource() *rest.Resource {
	admin := []string{access.ScopeAdminAccess}
	return &rest.Resource{
		Path:           "/quizzes",
		Type:           "quiz",
		CreateSchemaID: "quiz-create",
		UpdateSchemaID: "quiz-update",
		Scopes: map[core.Operation][]string{
			core.OperationCreate: admin,
			core.OperationUpdate: admin,
			core.OperationDelete: admin,
			core.OperationBatch:  admin,
		},
		Events: map[core.Operation]string{
			core.OperationCreate: "quiz_created",
			core.OperationUpdate: "quiz_updated",
			core.OperationDelete: "quiz_deleted",
		},
	}
}
