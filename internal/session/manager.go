package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stimmwerk/voxbroker/internal/rag"
	"github.com/stimmwerk/voxbroker/internal/store"
	"github.com/stimmwerk/voxbroker/internal/tools"
	"github.com/stimmwerk/voxbroker/internal/vectorstore"
	"github.com/stimmwerk/voxbroker/pkg/provider/embeddings"
)

// CallRequest describes an incoming call the Manager should answer.
type CallRequest struct {
	// CallID is the transport's unique identifier for this call. It also keys
	// the conversation history, so a reconnect under the same ID resumes the
	// prior exchange.
	CallID string

	// AgentSlug selects which configured agent answers.
	AgentSlug string

	// CallerPhone, when known, is exposed to tool integrations.
	CallerPhone string

	// Language overrides the agent's configured language.
	Language string

	// TransportRate is the sample rate the transport plays back at. Zero
	// emits at the TTS native rate.
	TransportRate int
}

// CallInfo is a snapshot of one active call.
type CallInfo struct {
	CallID    string
	SessionID string
	AgentSlug string
	StartedAt time.Time
}

// Manager owns the live sessions of the broker. It resolves the agent, its
// tool bindings, and its retrieval setup per call, and tears everything down
// on EndCall or Shutdown. All exported methods are safe for concurrent use.
type Manager struct {
	svc      Services
	store    store.Store
	tools    *tools.Registry
	embedder embeddings.Provider
	vectors  vectorstore.Store

	collection string
	topK       int
	sttModel   string

	conversations *ConversationStore
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*activeCall
	closed   bool
}

type activeCall struct {
	session *Session
	info    CallInfo
}

// ManagerOption is a functional option for [NewManager].
type ManagerOption func(*Manager)

// WithRetrieval wires the embeddings provider and vector store used to build
// per-agent retrievers. collection is the fallback when an agent's retrieval
// config names none; topK likewise. Without this option retrieval is off for
// every call.
func WithRetrieval(embedder embeddings.Provider, vectors vectorstore.Store, collection string, topK int) ManagerOption {
	return func(m *Manager) {
		m.embedder = embedder
		m.vectors = vectors
		m.collection = collection
		m.topK = topK
	}
}

// WithSTTModel selects the recognition model for every session.
func WithSTTModel(model string) ManagerOption {
	return func(m *Manager) {
		m.sttModel = model
	}
}

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager builds a Manager. svc carries the shared pipeline providers;
// registry may be nil when no tools are registered.
func NewManager(svc Services, st store.Store, registry *tools.Registry, opts ...ManagerOption) (*Manager, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("session: store is required")
	}

	m := &Manager{
		svc:           svc,
		store:         st,
		tools:         registry,
		conversations: NewConversationStore(),
		logger:        slog.Default(),
		sessions:      make(map[string]*activeCall),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "session_manager")
	return m, nil
}

// StartCall answers a call: it resolves the agent, builds the tool executor
// and retriever for it, starts a session, and registers it under the call ID.
// A second call under an already-active ID is rejected.
func (m *Manager) StartCall(ctx context.Context, req CallRequest) (*Session, error) {
	if req.CallID == "" {
		return nil, errors.New("session: call ID is required")
	}
	if req.AgentSlug == "" {
		return nil, errors.New("session: agent slug is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session: manager is shut down")
	}
	if _, ok := m.sessions[req.CallID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: call %q is already active", req.CallID)
	}
	// Reserve the slot so concurrent starts for the same call lose the race.
	m.sessions[req.CallID] = nil
	m.mu.Unlock()

	sess, info, err := m.startCall(ctx, req)

	m.mu.Lock()
	if err != nil {
		delete(m.sessions, req.CallID)
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[req.CallID] = &activeCall{session: sess, info: info}
	m.mu.Unlock()

	m.logger.Info("call started",
		"call_id", req.CallID,
		"session_id", sess.ID,
		"agent", req.AgentSlug,
		"caller_known", req.CallerPhone != "")
	return sess, nil
}

func (m *Manager) startCall(ctx context.Context, req CallRequest) (*Session, CallInfo, error) {
	agent, err := m.store.GetAgentBySlug(ctx, req.AgentSlug)
	if err != nil {
		return nil, CallInfo{}, fmt.Errorf("session: load agent %q: %w", req.AgentSlug, err)
	}
	if agent == nil {
		return nil, CallInfo{}, fmt.Errorf("session: agent %q not found", req.AgentSlug)
	}

	executor, err := m.buildExecutor(ctx, agent, req.CallerPhone)
	if err != nil {
		return nil, CallInfo{}, err
	}

	svc := m.svc
	svc.Retriever = m.buildRetriever(ctx, agent)

	cfg := Config{
		Agent:         agent,
		Executor:      executor,
		Conversation:  m.conversations.Get(req.CallID),
		Language:      req.Language,
		STTModel:      m.sttModel,
		TransportRate: req.TransportRate,
	}
	sess, err := New(svc, cfg)
	if err != nil {
		closeExecutor(executor, m.logger)
		return nil, CallInfo{}, err
	}
	if err := sess.Start(ctx); err != nil {
		// Close releases the executor with the rest of the session.
		_ = sess.Close()
		return nil, CallInfo{}, err
	}

	info := CallInfo{
		CallID:    req.CallID,
		SessionID: sess.ID,
		AgentSlug: agent.Slug,
		StartedAt: time.Now(),
	}
	return sess, info, nil
}

// buildExecutor loads the agent's tool bindings and wraps them in an
// executor. No registry or no bindings means tools are off for the call.
func (m *Manager) buildExecutor(ctx context.Context, agent *store.Agent, callerPhone string) (*tools.Executor, error) {
	if m.tools == nil {
		return nil, nil
	}
	bindings, err := m.store.ListAgentTools(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("session: load tool bindings for %q: %w", agent.Slug, err)
	}
	if len(bindings) == 0 {
		return nil, nil
	}

	opts := []tools.ExecutorOption{tools.WithLogger(m.logger)}
	if callerPhone != "" {
		opts = append(opts, tools.WithCallerPhone(callerPhone))
	}
	return tools.NewExecutor(m.tools, bindings, opts...), nil
}

// buildRetriever resolves the agent's retrieval config. Retrieval is off
// when the manager carries no embedder, the agent has no config, or the
// config is disabled. A broken config degrades to no retrieval rather than
// failing the call.
func (m *Manager) buildRetriever(ctx context.Context, agent *store.Agent) *rag.Retriever {
	if m.embedder == nil || m.vectors == nil {
		return nil
	}
	ragCfg, err := m.store.GetRAGConfig(ctx, agent.ID)
	if err != nil {
		m.logger.Warn("retrieval config unavailable, answering without catalog context",
			"agent", agent.Slug, "error", err)
		return nil
	}
	if ragCfg == nil || !ragCfg.Enabled {
		return nil
	}

	collection := ragCfg.Collection
	if collection == "" {
		collection = m.collection
	}
	topK := ragCfg.TopK
	if topK == 0 {
		topK = m.topK
	}

	var opts []rag.Option
	if ragCfg.Namespace != "" {
		opts = append(opts, rag.WithNamespace(ragCfg.Namespace))
	}
	if topK > 0 {
		opts = append(opts, rag.WithTopK(topK))
	}
	opts = append(opts, rag.WithLogger(m.logger))

	retriever, err := rag.New(m.embedder, m.vectors, collection, opts...)
	if err != nil {
		m.logger.Warn("retriever unavailable, answering without catalog context",
			"agent", agent.Slug, "error", err)
		return nil
	}
	return retriever
}

// EndCall closes the session for callID and removes it. The conversation
// history is kept so a follow-up call under the same ID resumes it.
func (m *Manager) EndCall(callID string) error {
	m.mu.Lock()
	ac := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()

	if ac == nil {
		return fmt.Errorf("session: call %q is not active", callID)
	}
	err := ac.session.Close()
	m.logger.Info("call ended", "call_id", callID, "session_id", ac.info.SessionID)
	return err
}

// Session returns the live session for callID, or nil.
func (m *Manager) Session(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac := m.sessions[callID]; ac != nil {
		return ac.session
	}
	return nil
}

// Active returns a snapshot of all active calls.
func (m *Manager) Active() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]CallInfo, 0, len(m.sessions))
	for _, ac := range m.sessions {
		if ac != nil {
			infos = append(infos, ac.info)
		}
	}
	return infos
}

// Shutdown closes every active session and refuses new calls. ctx bounds the
// wait; sessions still open at the deadline are abandoned to their own
// teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	calls := make([]*activeCall, 0, len(m.sessions))
	for _, ac := range m.sessions {
		if ac != nil {
			calls = append(calls, ac)
		}
	}
	m.sessions = make(map[string]*activeCall)
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for _, ac := range calls {
			if err := ac.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close call %q: %w", ac.info.CallID, err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		m.logger.Info("session manager shut down", "calls_closed", len(calls))
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

func closeExecutor(e *tools.Executor, logger *slog.Logger) {
	if e == nil {
		return
	}
	if err := e.Close(); err != nil {
		logger.Warn("tool executor close failed", "error", err)
	}
}
