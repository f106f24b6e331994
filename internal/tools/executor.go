package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/pkg/types"
)

// DefaultCallTimeout bounds a single tool execution.
const DefaultCallTimeout = 15 * time.Second

// Executor runs tool calls for one session. It resolves calls against the
// agent's enabled bindings, instantiates each bound integration at most once
// per session, and renders every outcome — including failures — as a tagged
// JSON result document, never an error: the LLM decides how to proceed.
//
// Executor is safe for concurrent use; Close it when the session ends.
type Executor struct {
	registry    *Registry
	bindings    map[string]store.AgentTool
	callerPhone string
	timeout     time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	cache  map[string]Integration
	closed bool
}

// ExecutorOption is a functional option for [NewExecutor].
type ExecutorOption func(*Executor)

// WithCallTimeout overrides the per-call timeout. Defaults to
// DefaultCallTimeout.
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCallerPhone injects the caller's phone number as the "caller_phone"
// argument of every call that does not set it, so integrations like order
// lookup can use it for identity verification.
func WithCallerPhone(phone string) ExecutorOption {
	return func(e *Executor) {
		e.callerPhone = phone
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor builds a session executor over the agent's tool bindings.
// Disabled bindings are ignored; calls to them report the tool as not
// available.
func NewExecutor(registry *Registry, bindings []store.AgentTool, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		bindings: make(map[string]store.AgentTool),
		timeout:  DefaultCallTimeout,
		logger:   slog.Default(),
		cache:    make(map[string]Integration),
	}
	for _, b := range bindings {
		if b.Enabled {
			e.bindings[b.ToolSlug] = b
		}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Definitions returns the LLM tool definitions for every enabled binding
// that is known to the registry.
func (e *Executor) Definitions() []types.ToolDefinition {
	var defs []types.ToolDefinition
	for slug := range e.bindings {
		d, ok := e.registry.Get(slug)
		if !ok {
			continue
		}
		defs = append(defs, types.ToolDefinition{
			Name:        d.Slug,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return defs
}

// Execute runs one tool call and returns the JSON result document. The
// returned string is always valid JSON with a boolean "success" field.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) string {
	binding, ok := e.bindings[call.Name]
	if !ok {
		return notAvailableResult(call.Name)
	}

	integ, err := e.integration(binding)
	if err != nil {
		e.logger.Error("tool integration init failed",
			"tool", call.Name, "integration", binding.IntegrationSlug, "error", err)
		return failureResult(err.Error())
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return failureResult(fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}
	if e.callerPhone != "" {
		if _, set := args["caller_phone"]; !set {
			args["caller_phone"] = e.callerPhone
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := safeExecute(callCtx, integ, args)
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Warn("tool call failed",
			"tool", call.Name, "elapsed", elapsed, "error", err)
		return failureResult(err.Error())
	}
	e.logger.Debug("tool call completed", "tool", call.Name, "elapsed", elapsed)

	if result == nil {
		result = map[string]any{}
	}
	if _, set := result["success"]; !set {
		result["success"] = true
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return failureResult(fmt.Sprintf("encode tool result: %v", err))
	}
	return string(encoded)
}

// ExecuteAll runs the calls in parallel and returns one result per call, in
// request order. Individual failures surface as failure documents in their
// slot and never abort sibling calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []types.ToolCall) []string {
	results := make([]string, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call)
			return nil
		})
	}
	// Goroutines never return errors; failures are encoded in their slot.
	_ = g.Wait()
	return results
}

// Close closes every cached integration. Subsequent Execute calls report
// failures.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for slug, integ := range e.cache {
		if err := integ.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close %s: %w", slug, err)
		}
	}
	e.cache = make(map[string]Integration)
	return firstErr
}

// integration returns the session's integration instance for the binding,
// creating and caching it on first use.
func (e *Executor) integration(binding store.AgentTool) (Integration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("tools: executor closed")
	}
	if integ, ok := e.cache[binding.ToolSlug]; ok {
		return integ, nil
	}

	factory, err := e.registry.Factory(binding.ToolSlug, binding.IntegrationSlug)
	if err != nil {
		return nil, err
	}
	integ, err := factory(binding.Config)
	if err != nil {
		return nil, fmt.Errorf("tools: init %s/%s: %w", binding.ToolSlug, binding.IntegrationSlug, err)
	}
	e.cache[binding.ToolSlug] = integ
	return integ, nil
}

// safeExecute traps integration panics and converts them to errors.
func safeExecute(ctx context.Context, integ Integration, args map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return integ.Execute(ctx, args)
}

type failureDoc struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func failureResult(msg string) string {
	encoded, err := json.Marshal(failureDoc{Success: false, Error: msg})
	if err != nil {
		// failureDoc cannot fail to marshal; keep the compiler honest.
		return `{"success":false,"error":"internal error"}`
	}
	return string(encoded)
}

func notAvailableResult(name string) string {
	return failureResult(fmt.Sprintf("Tool '%s' is not available", name))
}
