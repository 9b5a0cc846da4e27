// Package persistence stores workflow definitions, finished run records
// and terminal loop snapshots.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: loop archive shared between engine instances, definition read cache
// - SQL (gorm): definitions and run records on postgres, mysql or sqlite
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/loopflow/workflow"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefinitionSummary is the list view of a stored definition
type DefinitionSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefinitionStore keeps workflow definitions by ID
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *workflow.Definition) error
	GetDefinition(ctx context.Context, id string) (*workflow.Definition, error)
	ListDefinitions(ctx context.Context) ([]DefinitionSummary, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// RunRecordStore keeps finished runs. It satisfies workflow.RunStore.
type RunRecordStore interface {
	workflow.RunStore
	GetRun(ctx context.Context, runID string) (*workflow.RunResult, error)
	ListRuns(ctx context.Context, workflowID string, limit int) ([]workflow.RunSnapshot, error)
}

// LoopArchive keeps terminal loop snapshots per run. It satisfies workflow.LoopArchive.
type LoopArchive interface {
	workflow.LoopArchive
	ListLoops(ctx context.Context, runID string) ([]workflow.LoopSnapshot, error)
}
