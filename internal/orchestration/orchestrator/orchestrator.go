// Package orchestrator runs a swarm session end to end: it provisions tmux
// panes and git worktrees for each role, spawns the workers, watches their
// outboxes, routes messages through the workflow engine, and tears everything
// down when the workflow finishes or fails.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tracing"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
	"github.com/cbriice/claude-swarm-sub002/internal/pubsub"
)

const component = "orchestrator"

// SessionStore is what the orchestrator needs from the database layer.
type SessionStore interface {
	recovery.CheckpointStore
	CreateSession(ctx context.Context, workflowType, goal string, config map[string]any) (*sqlite.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status sqlite.SessionStatus) error
	ActiveSessions(ctx context.Context) ([]sqlite.Session, error)
	SaveMessage(ctx context.Context, sessionID string, m message.AgentMessage) error
	MarkMessageRouted(ctx context.Context, id string) error
	RecordAgentActivity(ctx context.Context, a sqlite.AgentActivity) error
	LogError(ctx context.Context, e *swarmerr.SwarmError) error
	MarkErrorRecovered(ctx context.Context, id string) error
	CreateFinding(ctx context.Context, f *sqlite.Finding) error
	GetSessionFindings(ctx context.Context, sessionID string) ([]sqlite.Finding, error)
	MarkFindingVerified(ctx context.Context, id string) error
	CreateArtifact(ctx context.Context, a *sqlite.Artifact) error
	GetSessionArtifacts(ctx context.Context, sessionID string) ([]sqlite.Artifact, error)
	UpdateArtifactReviewStatus(ctx context.Context, id, status string) error
	CreateDecision(ctx context.Context, d *sqlite.Decision) error
}

// MessageBus is the mailbox surface the orchestrator drives.
type MessageBus interface {
	Initialize() error
	Send(ctx context.Context, in message.Input, opts mailbox.SendOptions) (message.AgentMessage, error)
	ReadInbox(agent message.Role, filter *mailbox.Filter) ([]message.AgentMessage, error)
	GetNewOutboxMessages(agent message.Role, since time.Time) ([]message.AgentMessage, error)
	ClearAll() error
}

// PaneGateway is the tmux surface the orchestrator drives.
type PaneGateway interface {
	CreateSession(ctx context.Context, name string) error
	KillSession(ctx context.Context, name string) error
	CreatePane(ctx context.Context, session string, opts tmux.PaneOptions) (string, error)
	KillPane(ctx context.Context, paneID string) error
	StartWorker(ctx context.Context, paneID, cwd, prompt string) error
	WaitForPattern(ctx context.Context, paneID, pattern string, timeout time.Duration) error
	WaitForPrompt(ctx context.Context, paneID string, timeout time.Duration) error
	SendInterrupt(ctx context.Context, paneID string) error
	IsWorkerActive(ctx context.Context, paneID string) (bool, error)
}

// WorktreeGateway is the git surface the orchestrator drives.
type WorktreeGateway interface {
	CreateWorktrees(ctx context.Context, roles []message.Role, sessionID string, opts worktree.CreateOptions) (map[message.Role]string, error)
	RemoveAll(ctx context.Context, opts worktree.RemoveOptions) error
}

// The concrete implementations satisfy the seams.
var (
	_ SessionStore    = (*sqlite.Store)(nil)
	_ MessageBus      = (*mailbox.Bus)(nil)
	_ PaneGateway     = (*tmux.Gateway)(nil)
	_ WorktreeGateway = (*worktree.Gateway)(nil)
)

// Config holds the orchestrator's knobs. Zero values take defaults.
type Config struct {
	// TmuxSession names the multiplexer session holding the agent panes.
	TmuxSession string
	// BaseBranch is the starting point for agent branches; empty uses HEAD.
	BaseBranch string
	// WorkflowTimeout bounds the whole session.
	WorkflowTimeout time.Duration
	// AgentTimeout is the inactivity window before an agent is unhealthy.
	AgentTimeout time.Duration
	// AgentReadyTimeout bounds the wait for a spawned agent's ready signal.
	AgentReadyTimeout time.Duration
	// MonitorInterval is the monitor tick.
	MonitorInterval time.Duration
	// AutoCleanup tears resources down when the session ends.
	AutoCleanup bool
	// KeepCheckpoints is the per-session checkpoint retention.
	KeepCheckpoints int
	// MaxRouteAttempts is how many ticks a message may fail to route before
	// it is dead-lettered.
	MaxRouteAttempts int
}

func (c Config) withDefaults() Config {
	if c.TmuxSession == "" {
		c.TmuxSession = "swarm"
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 30 * time.Minute
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 10 * time.Minute
	}
	if c.AgentReadyTimeout <= 0 {
		c.AgentReadyTimeout = 60 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.KeepCheckpoints <= 0 {
		c.KeepCheckpoints = recovery.DefaultKeepCheckpoints
	}
	if c.MaxRouteAttempts <= 0 {
		c.MaxRouteAttempts = 5
	}
	return c
}

// routedCacheTTL bounds how long a routed message id is remembered for
// dedup. Long enough to cover any retried watermark, short enough to not
// grow without bound.
const routedCacheTTL = time.Hour

// Orchestrator coordinates one session at a time.
type Orchestrator struct {
	cfg         Config
	registry    *workflow.Registry
	store       SessionStore
	bus         MessageBus
	panes       PaneGateway
	trees       WorktreeGateway
	tracer      trace.Tracer
	checkpoints *recovery.Manager
	routed      *cache.Cache
	broker      *pubsub.Broker[Event]
	paneBreaker *recovery.Breaker

	mu          sync.Mutex
	handlers    map[int]Handler
	nextHandler int

	session       *sqlite.Session
	template      *workflow.Template
	instance      workflow.Instance
	agents        map[message.Role]*ManagedAgent
	routeAttempts map[string]int
	result        *workflow.Result
	startedAt     time.Time
	finalized     bool
	errorLog      []string
	recoveryLog   []recovery.RecoveryAttempt

	cancelMonitor context.CancelFunc
	done          chan struct{}
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithTracer sets the tracer used for orchestration spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRegistry overrides the workflow template registry.
func WithRegistry(r *workflow.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// New wires an orchestrator over its gateways.
func New(cfg Config, store SessionStore, bus MessageBus, panes PaneGateway, trees WorktreeGateway, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:           cfg,
		registry:      workflow.NewRegistry(),
		store:         store,
		bus:           bus,
		panes:         panes,
		trees:         trees,
		checkpoints:   recovery.NewManager(store, cfg.KeepCheckpoints),
		routed:        cache.New(routedCacheTTL, 10*time.Minute),
		paneBreaker:   recovery.NewBreaker(recovery.BreakerConfig{Name: "tmux", Timeout: 30 * time.Second}),
		broker:        pubsub.NewBroker[Event](),
		handlers:      make(map[int]Handler),
		agents:        make(map[message.Role]*ManagedAgent),
		routeAttempts: make(map[string]int),
		done:          make(chan struct{}),
	}
	close(o.done) // no monitor running yet
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		p, _ := tracing.NewProvider(tracing.Config{Enabled: false})
		o.tracer = p.Tracer()
	}
	return o
}

// Session returns the active session row, or nil before StartWorkflow.
func (o *Orchestrator) Session() *sqlite.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Result returns the synthesized workflow result once the session ended.
func (o *Orchestrator) Result() *workflow.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Agent returns the managed agent for a role, if any.
func (o *Orchestrator) Agent(role message.Role) (*ManagedAgent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[role]
	return a, ok
}

// Done closes when the monitor has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// StartWorkflow provisions every resource for a new session and starts the
// monitor. On any failure after the session row exists, all successfully
// created resources are torn down and the row is marked failed.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowType, goal string) (*sqlite.Session, error) {
	ctx, span := o.tracer.Start(ctx, tracing.SpanStartWorkflow,
		trace.WithAttributes(attribute.String(tracing.AttrWorkflowName, workflowType)))
	defer span.End()

	if strings.TrimSpace(goal) == "" {
		return nil, swarmerr.New(swarmerr.CodeInvalidArgs, component, "goal must not be empty")
	}
	tmpl, err := o.registry.Resolve(workflowType)
	if err != nil {
		return nil, err
	}

	active, err := o.store.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, swarmerr.Newf(swarmerr.CodeSessionExists, component,
			"session %s is still %s", active[0].ID, active[0].Status)
	}

	sess, err := o.store.CreateSession(ctx, tmpl.Name, goal, map[string]any{
		"tmuxSession": o.cfg.TmuxSession,
		"baseBranch":  o.cfg.BaseBranch,
		"autoCleanup": o.cfg.AutoCleanup,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.AttrSessionID, sess.ID))
	log.Info(log.CatOrch, "session starting", "session", sess.ID, "workflow", tmpl.Name)

	instance, err := workflow.NewInstance(tmpl, sess.ID, goal)
	if err != nil {
		return nil, o.failStartup(ctx, sess, err)
	}

	o.mu.Lock()
	o.session = sess
	o.template = tmpl
	o.instance = instance
	o.startedAt = time.Now().UTC()
	o.result = nil
	o.agents = make(map[message.Role]*ManagedAgent)
	o.routeAttempts = make(map[string]int)
	o.finalized = false
	o.errorLog = nil
	o.recoveryLog = nil
	o.mu.Unlock()

	if err := o.initializeResources(ctx, sess, tmpl); err != nil {
		return nil, o.failStartup(ctx, sess, err)
	}

	if err := o.sendInitialTask(ctx, tmpl, goal); err != nil {
		return nil, o.failStartup(ctx, sess, err)
	}

	o.checkpointAsync(ctx, "session_start")

	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionRunning); err != nil {
		return nil, o.failStartup(ctx, sess, err)
	}
	sess.Status = sqlite.SessionRunning

	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	o.mu.Lock()
	o.cancelMonitor = cancel
	o.done = done
	o.mu.Unlock()
	go o.runMonitor(monitorCtx, done)

	o.emit(Event{Type: EventSessionStarted, SessionID: sess.ID})
	return sess, nil
}

// initializeResources brings up the mailbox, the tmux session, the
// worktrees, and the agents, in that order.
func (o *Orchestrator) initializeResources(ctx context.Context, sess *sqlite.Session, tmpl *workflow.Template) error {
	if err := o.bus.Initialize(); err != nil {
		return err
	}
	if err := o.panes.CreateSession(ctx, o.cfg.TmuxSession); err != nil {
		return err
	}

	roles := workerRoles(tmpl)
	paths, err := recovery.Do(ctx, recovery.FilesystemRetry, func() (map[message.Role]string, error) {
		return o.trees.CreateWorktrees(ctx, roles, sess.ID, worktree.CreateOptions{BaseBranch: o.cfg.BaseBranch})
	})
	if err != nil {
		return err
	}

	return o.spawnAgents(ctx, sess, roles, paths)
}

// sendInitialTask delivers the workflow's first task to the entry-step agent.
func (o *Orchestrator) sendInitialTask(ctx context.Context, tmpl *workflow.Template, goal string) error {
	in, err := workflow.CreateInitialTaskMessage(tmpl, goal)
	if err != nil {
		return err
	}
	m, err := o.bus.Send(ctx, in, mailbox.SendOptions{Persist: true})
	if err != nil {
		return err
	}
	log.Debug(log.CatOrch, "initial task sent", "to", m.To, "message", m.ID)
	return nil
}

// failStartup rolls back a partially started session.
func (o *Orchestrator) failStartup(ctx context.Context, sess *sqlite.Session, cause error) error {
	log.ErrorErr(log.CatOrch, "session startup failed", cause, "session", sess.ID)
	o.logError(ctx, cause, sess.ID)
	o.cleanup(ctx, true)
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionFailed); err != nil {
		log.ErrorErr(log.CatOrch, "could not mark session failed", err, "session", sess.ID)
	}
	o.mu.Lock()
	o.session = nil
	o.mu.Unlock()
	return cause
}

// Stop ends the session gracefully: the monitor is stopped, a partial result
// is synthesized from current state, and resources are cleaned up when
// auto-cleanup is on.
func (o *Orchestrator) Stop(ctx context.Context) error {
	sess := o.Session()
	if sess == nil {
		return swarmerr.New(swarmerr.CodeInvalidArgs, component, "no active session")
	}
	log.Info(log.CatOrch, "stopping session", "session", sess.ID)
	o.stopMonitor()

	o.mu.Lock()
	res := workflow.SynthesizePartial(o.instance)
	o.result = &res
	o.mu.Unlock()

	if o.cfg.AutoCleanup {
		o.cleanup(ctx, false)
	}
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionCancelled); err != nil {
		return err
	}
	o.emit(Event{Type: EventSessionEnded, SessionID: sess.ID, Result: &res})
	return nil
}

// Kill ends the session forcefully: no synthesis, unconditional cleanup.
func (o *Orchestrator) Kill(ctx context.Context) error {
	sess := o.Session()
	if sess == nil {
		return swarmerr.New(swarmerr.CodeInvalidArgs, component, "no active session")
	}
	log.Warn(log.CatOrch, "killing session", "session", sess.ID)
	o.stopMonitor()
	o.cleanup(ctx, false)
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, sqlite.SessionFailed); err != nil {
		return err
	}
	o.emit(Event{Type: EventSessionEnded, SessionID: sess.ID})
	return nil
}

func (o *Orchestrator) stopMonitor() {
	o.mu.Lock()
	cancel := o.cancelMonitor
	done := o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// workerRoles is the template's role set minus the orchestrator itself.
func workerRoles(t *workflow.Template) []message.Role {
	out := make([]message.Role, 0, len(t.Roles))
	for _, r := range t.Roles {
		if r != message.RoleOrchestrator {
			out = append(out, r)
		}
	}
	return out
}

// logError persists a SwarmError to the error log, wrapping plain errors.
func (o *Orchestrator) logError(ctx context.Context, err error, sessionID string) *swarmerr.SwarmError {
	se := swarmerr.AsSwarm(err, component)
	if se.SessionID == "" && sessionID != "" {
		se = se.WithSession(sessionID)
	}
	if dbErr := o.store.LogError(ctx, se); dbErr != nil {
		log.ErrorErr(log.CatOrch, "error log write failed", dbErr)
	}
	o.mu.Lock()
	o.errorLog = append(o.errorLog, string(se.Code)+": "+se.Message)
	o.mu.Unlock()
	o.emit(Event{Type: EventErrorOccurred, SessionID: sessionID, Err: se})
	return se
}

// recordRecovery notes one recovery action so later checkpoints carry it.
func (o *Orchestrator) recordRecovery(code swarmerr.Code, strategy recovery.Strategy, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveryLog = append(o.recoveryLog, recovery.RecoveryAttempt{
		ErrorCode: string(code),
		Strategy:  strategy,
		Success:   success,
		Timestamp: time.Now().UTC(),
	})
}

// markRecovered flips the error-log row for a handled error and notes the
// recovery for the next checkpoint.
func (o *Orchestrator) markRecovered(ctx context.Context, se *swarmerr.SwarmError, strategy recovery.Strategy) {
	if err := o.store.MarkErrorRecovered(ctx, se.ID); err != nil {
		log.Warn(log.CatOrch, "recovered flag write failed", "error", err, "id", se.ID)
	}
	o.recordRecovery(se.Code, strategy, true)
}

// buildCheckpoint snapshots the session for recovery.
func (o *Orchestrator) buildCheckpoint(stage string) *recovery.Checkpoint {
	o.mu.Lock()
	defer o.mu.Unlock()

	agents := make(map[string]recovery.AgentSnapshot, len(o.agents))
	queue := make(map[string]int, len(o.agents))
	for role, a := range o.agents {
		agents[string(role)] = a.Snapshot()
		if msgs, err := o.bus.ReadInbox(role, nil); err == nil {
			queue[string(role)] = len(msgs)
		}
	}

	return &recovery.Checkpoint{
		SessionID: o.session.ID,
		Stage:     stage,
		Workflow: recovery.WorkflowSnapshot{
			CurrentStep:     o.instance.CurrentStep,
			Status:          string(o.instance.Status),
			CompletedSteps:  o.instance.CompletedSteps(),
			PendingSteps:    o.instance.PendingSteps(o.template),
			IterationCounts: o.instance.IterationCounts,
		},
		Agents:           agents,
		QueueCounts:      queue,
		Errors:           append([]string(nil), o.errorLog...),
		RecoveryAttempts: append([]recovery.RecoveryAttempt(nil), o.recoveryLog...),
	}
}

// checkpointAsync persists a stage checkpoint off the hot path. Failures are
// logged, never propagated.
func (o *Orchestrator) checkpointAsync(ctx context.Context, stage string) {
	cp := o.buildCheckpoint(stage)
	go func() {
		cpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_, span := o.tracer.Start(cpCtx, tracing.SpanCheckpoint,
			trace.WithAttributes(
				attribute.String(tracing.AttrSessionID, cp.SessionID),
				attribute.String(tracing.AttrStage, stage)))
		defer span.End()
		if err := o.checkpoints.Create(cpCtx, cp); err != nil {
			log.ErrorErr(log.CatOrch, "checkpoint failed", err, "session", cp.SessionID, "stage", stage)
		}
	}()
}
