package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents one of the canonical resource operations generated
// for a bound record type.
type Operation string

// all supported resource operations
const (
	OperationList   Operation = "list"
	OperationCount  Operation = "count"
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationBatch  Operation = "batch"
)

// AllOperations returns the full canonical operation set, in the order
// routes are generated.
func AllOperations() []Operation {
	return []Operation{
		OperationList,
		OperationCount,
		OperationRead,
		OperationCreate,
		OperationUpdate,
		OperationDelete,
		OperationBatch,
	}
}

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationList, OperationCount, OperationRead, OperationCreate,
		OperationUpdate, OperationDelete, OperationBatch:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}
