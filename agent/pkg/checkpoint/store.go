// Package checkpoint persists suspended workflow state per session with
// optimistic versioning, so a paused approval can be resumed by a later
// request, possibly served by a different process.
package checkpoint

import (
	"context"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

// Sentinel errors, shared with the workflow engine so it can match them
// without importing this package.
var (
	// ErrNotFound is returned by Load when no checkpoint exists for the
	// session.
	ErrNotFound = workflow.ErrCheckpointNotFound

	// ErrConflict is returned by Save when expectedVersion does not match
	// the stored version. The stored state is left untouched.
	ErrConflict = workflow.ErrCheckpointConflict

	// ErrCorrupt is returned by Load when the stored state cannot be
	// decoded. The engine resets such sessions to idle.
	ErrCorrupt = workflow.ErrCheckpointCorrupt
)

// Store maps session ids to workflow state with compare-and-swap writes.
// Save with expectedVersion 0 creates the record; every successful Save
// returns the new version to pass on the next write.
type Store interface {
	Save(ctx context.Context, sessionID string, st *workflow.State, expectedVersion int64) (int64, error)
	Load(ctx context.Context, sessionID string) (*workflow.State, int64, error)
	Delete(ctx context.Context, sessionID string) error
}
