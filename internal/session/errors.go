// Package session hosts the per-call voice pipeline: the VAD gate, the turn
// orchestrator state machine, the conversation store, the media bridge, and
// the error taxonomy shared by the pipeline stages.
package session

import "fmt"

// TransientProviderError reports a provider failure that may succeed on a
// later attempt: timeouts, rate limits, 5xx responses, dropped sockets. The
// current turn is aborted; the session stays alive.
type TransientProviderError struct {
	// Provider is the provider name ("deepgram", "openai", ...).
	Provider string

	// Stage is the pipeline stage ("stt", "llm", "tts").
	Stage string

	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("session: transient %s failure (%s): %v", e.Stage, e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// FatalProviderError reports a provider failure that retrying cannot fix:
// bad credentials, unsupported configuration, a connect that never succeeds.
// The session ends.
type FatalProviderError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("session: fatal %s failure (%s): %v", e.Stage, e.Provider, e.Err)
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// ToolExecutionError reports a tool call that failed outright. Tool failures
// are normally rendered as result documents and handed back to the model;
// this type exists for the cases where the executor itself cannot produce a
// document.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("session: tool %q execution failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ProtocolError reports malformed or out-of-contract data from the transport
// or a provider: wrong frame alignment, unparseable control messages,
// audio pushed after close.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("session: protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SyncError reports a catalog sync failure surfaced into a live session
// (a tool binding whose data could not be refreshed). Sync failures never
// abort a call; the error is carried for logging and status reporting.
type SyncError struct {
	BindingID int64
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("session: sync failed for binding %d: %v", e.BindingID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
