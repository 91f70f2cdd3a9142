package workflow

import "errors"

// Pipeline errors. Every fault raised inside a pipeline is mapped to one of
// these before it reaches the engine; the engine converts them to user-facing
// replies and never lets a raw collaborator error escape.
var (
	// ErrSecurityViolation means the validator rejected a candidate query.
	ErrSecurityViolation = errors.New("query rejected by security validation")

	// ErrRewriteLimitExceeded means a feedback or rewrite loop hit its cap.
	ErrRewriteLimitExceeded = errors.New("rewrite limit exceeded")

	// ErrRetrievalEmpty means retrieval produced no relevant chunks.
	ErrRetrievalEmpty = errors.New("no relevant documents found")

	// ErrCollaboratorUnavailable means an LLM or retrieval call failed;
	// the turn can be retried without state mutation.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrQueryTimeout means the query engine exceeded its deadline.
	ErrQueryTimeout = errors.New("query execution timed out")

	// ErrEngineError means the query engine failed for a non-timeout reason.
	ErrEngineError = errors.New("query engine error")

	// ErrTurnInProgress means a second message arrived for a session whose
	// previous turn has not finished.
	ErrTurnInProgress = errors.New("previous turn still in progress")

	// ErrCheckpointConflict means a compare-and-swap write lost to a
	// concurrent writer; the caller must resend.
	ErrCheckpointConflict = errors.New("checkpoint version conflict")

	// ErrCheckpointNotFound means no checkpoint exists for the session.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt means the stored state cannot be decoded; the
	// session is reset to idle.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)
