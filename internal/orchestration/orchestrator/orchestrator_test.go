package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/mailbox"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/recovery"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/tmux"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/worktree"
)

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]*sqlite.Session
	statuses    map[string][]sqlite.SessionStatus
	active      []sqlite.Session
	saved       []message.AgentMessage
	saveErr     error
	routed      []string
	activities  map[message.Role]sqlite.AgentActivity
	errs        []*swarmerr.SwarmError
	recovered   []string
	findings    []*sqlite.Finding
	artifacts   []*sqlite.Artifact
	decisions   []*sqlite.Decision
	checkpoints []*recovery.Checkpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   make(map[string]*sqlite.Session),
		statuses:   make(map[string][]sqlite.SessionStatus),
		activities: make(map[message.Role]sqlite.AgentActivity),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, workflowType, goal string, config map[string]any) (*sqlite.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &sqlite.Session{
		ID:           uuid.New().String(),
		WorkflowType: workflowType,
		Goal:         goal,
		Status:       sqlite.SessionInitializing,
		Config:       config,
		CreatedAt:    time.Now().UTC(),
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, id string, status sqlite.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return sqlite.ErrNotFound
	}
	f.sessions[id].Status = status
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeStore) ActiveSessions(context.Context) ([]sqlite.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sqlite.Session(nil), f.active...), nil
}

func (f *fakeStore) SaveMessage(_ context.Context, _ string, m message.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeStore) MarkMessageRouted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, id)
	return nil
}

func (f *fakeStore) RecordAgentActivity(_ context.Context, a sqlite.AgentActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities[a.Role] = a
	return nil
}

func (f *fakeStore) LogError(_ context.Context, e *swarmerr.SwarmError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, e)
	return nil
}

func (f *fakeStore) MarkErrorRecovered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, id)
	return nil
}

func (f *fakeStore) CreateFinding(_ context.Context, finding *sqlite.Finding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if finding.ID == "" {
		finding.ID = uuid.New().String()
	}
	f.findings = append(f.findings, finding)
	return nil
}

func (f *fakeStore) GetSessionFindings(_ context.Context, sessionID string) ([]sqlite.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlite.Finding
	for _, finding := range f.findings {
		if finding.SessionID == sessionID {
			out = append(out, *finding)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkFindingVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, finding := range f.findings {
		if finding.ID == id {
			finding.Verified = true
			return nil
		}
	}
	return sqlite.ErrNotFound
}

func (f *fakeStore) CreateArtifact(_ context.Context, a *sqlite.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ReviewStatus == "" {
		a.ReviewStatus = sqlite.ReviewPending
	}
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeStore) GetSessionArtifacts(_ context.Context, sessionID string) ([]sqlite.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlite.Artifact
	for _, a := range f.artifacts {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateArtifactReviewStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.artifacts {
		if a.ID == id {
			a.ReviewStatus = status
			return nil
		}
	}
	return sqlite.ErrNotFound
}

func (f *fakeStore) CreateDecision(_ context.Context, d *sqlite.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeStore) CreateCheckpoint(_ context.Context, cp *recovery.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeStore) GetCheckpoint(_ context.Context, id string) (*recovery.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.checkpoints {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (f *fakeStore) GetLatestCheckpoint(_ context.Context, sessionID string) (*recovery.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.checkpoints) - 1; i >= 0; i-- {
		if f.checkpoints[i].SessionID == sessionID {
			return f.checkpoints[i], nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func (f *fakeStore) PruneCheckpoints(context.Context, string, int) error { return nil }

func (f *fakeStore) statusHistory(id string) []sqlite.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sqlite.SessionStatus(nil), f.statuses[id]...)
}

func (f *fakeStore) loggedCodes() []swarmerr.Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]swarmerr.Code, 0, len(f.errs))
	for _, e := range f.errs {
		out = append(out, e.Code)
	}
	return out
}

// loggedWithCode returns the first logged error carrying the given code.
func (f *fakeStore) loggedWithCode(code swarmerr.Code) *swarmerr.SwarmError {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.errs {
		if e.Code == code {
			return e
		}
	}
	return nil
}

func (f *fakeStore) recoveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recovered...)
}

func (f *fakeStore) sessionFindings() []sqlite.Finding {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sqlite.Finding, 0, len(f.findings))
	for _, finding := range f.findings {
		out = append(out, *finding)
	}
	return out
}

func (f *fakeStore) sessionArtifacts() []sqlite.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sqlite.Artifact, 0, len(f.artifacts))
	for _, a := range f.artifacts {
		out = append(out, *a)
	}
	return out
}

// fakeBus is an in-memory MessageBus whose outboxes tests fill by hand.
type fakeBus struct {
	mu          sync.Mutex
	initialized bool
	cleared     bool
	sendErr     error
	sent        []message.AgentMessage
	outbox      map[message.Role][]message.AgentMessage
}

func newFakeBus() *fakeBus {
	return &fakeBus{outbox: make(map[message.Role][]message.AgentMessage)}
}

func (f *fakeBus) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeBus) Send(_ context.Context, in message.Input, _ mailbox.SendOptions) (message.AgentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return message.AgentMessage{}, f.sendErr
	}
	m := message.New(in)
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeBus) ReadInbox(message.Role, *mailbox.Filter) ([]message.AgentMessage, error) {
	return nil, nil
}

func (f *fakeBus) GetNewOutboxMessages(agent message.Role, since time.Time) ([]message.AgentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.AgentMessage
	for _, m := range f.outbox[agent] {
		if m.Time().After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBus) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeBus) push(m message.AgentMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox[m.From] = append(f.outbox[m.From], m)
}

func (f *fakeBus) sentTo(role message.Role) []message.AgentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.AgentMessage
	for _, m := range f.sent {
		if m.To == role {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBus) wasCleared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

// fakePanes is an in-memory PaneGateway.
type fakePanes struct {
	mu             sync.Mutex
	nextPane       int
	sessions       []string
	killedSessions []string
	killedPanes    []string
	prompts        map[string]string
	interrupts     map[string]int
	patternErr     error
	promptErr      error
}

func newFakePanes() *fakePanes {
	return &fakePanes{
		prompts:    make(map[string]string),
		interrupts: make(map[string]int),
	}
}

func (f *fakePanes) CreateSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, name)
	return nil
}

func (f *fakePanes) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedSessions = append(f.killedSessions, name)
	return nil
}

func (f *fakePanes) CreatePane(_ context.Context, _ string, _ tmux.PaneOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPane++
	return fmt.Sprintf("%%%d", f.nextPane), nil
}

func (f *fakePanes) KillPane(_ context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedPanes = append(f.killedPanes, paneID)
	return nil
}

func (f *fakePanes) StartWorker(_ context.Context, paneID, _, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[paneID] = prompt
	return nil
}

func (f *fakePanes) WaitForPattern(_ context.Context, _, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patternErr
}

func (f *fakePanes) WaitForPrompt(_ context.Context, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.promptErr
}

func (f *fakePanes) SendInterrupt(_ context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts[paneID]++
	return nil
}

func (f *fakePanes) IsWorkerActive(context.Context, string) (bool, error) { return false, nil }

func (f *fakePanes) paneKills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killedPanes...)
}

// fakeTrees is an in-memory WorktreeGateway.
type fakeTrees struct {
	mu      sync.Mutex
	paths   map[message.Role]string
	removed *worktree.RemoveOptions
}

func (f *fakeTrees) CreateWorktrees(_ context.Context, roles []message.Role, sessionID string, _ worktree.CreateOptions) (map[message.Role]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = make(map[message.Role]string, len(roles))
	for _, r := range roles {
		f.paths[r] = fmt.Sprintf("/tmp/worktrees/%s-%s", sessionID, r)
	}
	return f.paths, nil
}

func (f *fakeTrees) RemoveAll(_ context.Context, opts worktree.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = &opts
	return nil
}

func (f *fakeTrees) removedWith() *worktree.RemoveOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handler(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ofType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeStore, *fakeBus, *fakePanes, *fakeTrees) {
	t.Helper()
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Hour // ticks are driven by the tests
	}
	store := newFakeStore()
	bus := newFakeBus()
	panes := newFakePanes()
	trees := &fakeTrees{}
	return New(cfg, store, bus, panes, trees), store, bus, panes, trees
}

// outboxMsg builds a worker outbox message addressed to the orchestrator.
func outboxMsg(from message.Role, typ message.Type, verdict message.Verdict, at time.Time) message.AgentMessage {
	var metadata map[string]any
	if verdict != "" {
		metadata = map[string]any{message.MetadataKeyVerdict: string(verdict)}
	}
	return message.AgentMessage{
		ID:        uuid.New().String(),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		From:      from,
		To:        message.RoleOrchestrator,
		Type:      typ,
		Priority:  message.PriorityNormal,
		Content:   message.Content{Subject: string(typ) + " from " + string(from), Metadata: metadata},
	}
}

func TestStartWorkflowProvisionsEverything(t *testing.T) {
	o, store, bus, panes, trees := newTestOrchestrator(t, Config{AutoCleanup: true})
	sink := &eventSink{}
	o.Subscribe(sink.handler)
	ctx := context.Background()

	sess, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "map the cache invalidation paths")
	require.NoError(t, err)
	require.Equal(t, sqlite.SessionRunning, sess.Status)

	for _, role := range []message.Role{message.RoleResearcher, message.RoleReviewer} {
		agent, ok := o.Agent(role)
		require.True(t, ok, "agent %s missing", role)
		require.Equal(t, AgentReady, agent.Status())
		require.NotEmpty(t, agent.PaneID)
		require.Equal(t, trees.paths[role], agent.WorktreePath)
	}

	require.True(t, bus.initialized)
	require.Equal(t, []string{"swarm"}, panes.sessions)

	initial := bus.sentTo(message.RoleResearcher)
	require.Len(t, initial, 1, "entry-step agent gets the kickoff task")
	require.Equal(t, message.TypeTask, initial[0].Type)
	require.Equal(t, message.PriorityHigh, initial[0].Priority)

	require.Eventually(t, func() bool {
		cp, err := store.GetLatestCheckpoint(ctx, sess.ID)
		return err == nil && cp.Stage == "session_start"
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, sink.ofType(EventSessionStarted), 1)
	require.NoError(t, o.Stop(ctx))
	require.Equal(t, sqlite.SessionCancelled, store.sessions[sess.ID].Status)
	require.NotNil(t, o.Result())
	require.True(t, o.Result().Partial)
	require.True(t, bus.wasCleared())
	require.NotNil(t, trees.removedWith())
	require.True(t, trees.removedWith().Force)
	require.True(t, trees.removedWith().DeleteBranch)
}

func TestStartWorkflowPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("empty goal", func(t *testing.T) {
		o, _, _, _, _ := newTestOrchestrator(t, Config{})
		_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "   ")
		require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs))
	})

	t.Run("unknown workflow", func(t *testing.T) {
		o, _, _, _, _ := newTestOrchestrator(t, Config{})
		_, err := o.StartWorkflow(ctx, "no-such-flow", "a goal")
		require.True(t, swarmerr.HasCode(err, swarmerr.CodeWorkflowNotFound))
	})

	t.Run("active session refuses a second", func(t *testing.T) {
		o, store, _, _, _ := newTestOrchestrator(t, Config{})
		store.active = []sqlite.Session{{ID: "other", Status: sqlite.SessionRunning}}
		_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
		require.True(t, swarmerr.HasCode(err, swarmerr.CodeSessionExists))
	})
}

func TestStartWorkflowRollsBackOnSpawnFailure(t *testing.T) {
	o, store, bus, panes, trees := newTestOrchestrator(t, Config{})
	panes.patternErr = errors.New("no ready signal in pane output")
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.Error(t, err)
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeAgentSpawnFailed))
	require.Nil(t, o.Session(), "failed startup leaves no active session")

	var sessID string
	for id := range store.sessions {
		sessID = id
	}
	history := store.statusHistory(sessID)
	require.Equal(t, sqlite.SessionFailed, history[len(history)-1])

	require.Contains(t, panes.killedSessions, "swarm")
	require.NotNil(t, trees.removedWith())
	require.True(t, bus.wasCleared(), "rollback clears mailboxes regardless of auto-cleanup")
	require.Contains(t, store.loggedCodes(), swarmerr.CodeAgentSpawnFailed)
}

func TestOutboxScanRoutesThroughWorkflow(t *testing.T) {
	o, store, bus, _, _ := newTestOrchestrator(t, Config{AutoCleanup: true})
	sink := &eventSink{}
	o.Subscribe(sink.handler)
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	finding := outboxMsg(message.RoleResearcher, message.TypeFinding, "", time.Now())
	bus.push(finding)
	o.outboxScan(ctx)

	routed := bus.sentTo(message.RoleReviewer)
	require.Len(t, routed, 1, "finding routes to the verification reviewer")
	require.Equal(t, message.TypeFinding, routed[0].Type)
	require.Equal(t, message.RoleOrchestrator, routed[0].From)
	require.Equal(t, finding.ID, routed[0].ThreadID)

	o.mu.Lock()
	step := o.instance.CurrentStep
	o.mu.Unlock()
	require.Equal(t, "verification", step)

	researcher, _ := o.Agent(message.RoleResearcher)
	require.Equal(t, finding.Time(), researcher.Watermark())
	require.Equal(t, 1, researcher.MessageCount())
	require.Equal(t, AgentReady, researcher.Status(), "a drained outbox returns the agent to ready")
	require.Contains(t, store.routed, finding.ID)
	require.Len(t, sink.ofType(EventStepCompleted), 1)
	require.Len(t, sink.ofType(EventStageChanged), 1)

	// A rescan with the same outbox routes nothing new.
	o.outboxScan(ctx)
	require.Len(t, bus.sentTo(message.RoleReviewer), 1)
}

func TestStatusMessagesDoNotAdvanceWorkflow(t *testing.T) {
	o, store, bus, _, _ := newTestOrchestrator(t, Config{AutoCleanup: true})
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	status := outboxMsg(message.RoleResearcher, message.TypeStatus, "", time.Now())
	bus.push(status)
	o.outboxScan(ctx)

	o.mu.Lock()
	step := o.instance.CurrentStep
	o.mu.Unlock()
	require.Equal(t, "initial_research", step, "status traffic must not move the workflow")
	require.Empty(t, bus.sentTo(message.RoleReviewer))
	require.Contains(t, store.routed, status.ID)

	researcher, _ := o.Agent(message.RoleResearcher)
	require.Equal(t, status.Time(), researcher.Watermark())
}

func TestRoutingRetriesThenDeadLetters(t *testing.T) {
	o, store, bus, _, _ := newTestOrchestrator(t, Config{MaxRouteAttempts: 2, AutoCleanup: true})
	sink := &eventSink{}
	o.Subscribe(sink.handler)
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	// A non-retryable failure, so the store retry policy gives up at once
	// and each scan burns exactly one routing attempt.
	store.mu.Lock()
	store.saveErr = swarmerr.New(swarmerr.CodeSystemError, "store", "database file is corrupt")
	store.mu.Unlock()

	finding := outboxMsg(message.RoleResearcher, message.TypeFinding, "", time.Now())
	bus.push(finding)
	researcher, _ := o.Agent(message.RoleResearcher)

	o.outboxScan(ctx)
	require.True(t, researcher.Watermark().IsZero(), "failed message holds the watermark")
	require.Empty(t, sink.ofType(EventDeadLettered))

	o.outboxScan(ctx)
	require.Equal(t, finding.Time(), researcher.Watermark(), "dead-lettered message releases the watermark")
	require.Len(t, sink.ofType(EventDeadLettered), 1)
	require.Contains(t, store.loggedCodes(), swarmerr.CodeRoutingFailed)

	o.mu.Lock()
	step := o.instance.CurrentStep
	o.mu.Unlock()
	require.Equal(t, "initial_research", step)
}

func TestHealthCheckRespawnsSilentAgent(t *testing.T) {
	o, store, _, panes, _ := newTestOrchestrator(t, Config{AgentTimeout: time.Nanosecond, AutoCleanup: true})
	ctx := context.Background()

	_, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	before, _ := o.Agent(message.RoleResearcher)
	stalePane := before.PaneID
	time.Sleep(5 * time.Millisecond)

	o.healthCheck(ctx)

	require.Contains(t, store.loggedCodes(), swarmerr.CodeAgentTimeout)
	require.Contains(t, panes.paneKills(), stalePane)

	after, ok := o.Agent(message.RoleResearcher)
	require.True(t, ok)
	require.NotSame(t, before, after, "a fresh agent replaces the silent one")
	require.Equal(t, AgentReady, after.Status())
	require.NotEqual(t, stalePane, after.PaneID)
	require.Equal(t, before.WorktreePath, after.WorktreePath)

	// The successful respawn flips the logged timeout to recovered.
	timeout := store.loggedWithCode(swarmerr.CodeAgentTimeout)
	require.NotNil(t, timeout)
	require.Contains(t, store.recoveredIDs(), timeout.ID)

	// And later checkpoints carry both the error and the recovery attempt.
	cp := o.buildCheckpoint("health_check")
	require.NotEmpty(t, cp.Errors)
	require.Contains(t, cp.Errors[0], string(swarmerr.CodeAgentTimeout))
	require.Len(t, cp.RecoveryAttempts, 1)
	require.Equal(t, string(swarmerr.CodeAgentTimeout), cp.RecoveryAttempts[0].ErrorCode)
	require.True(t, cp.RecoveryAttempts[0].Success)
}

func TestWorkflowTimeoutSynthesizesPartialResult(t *testing.T) {
	o, store, _, _, _ := newTestOrchestrator(t, Config{WorkflowTimeout: time.Nanosecond, AutoCleanup: true})
	sink := &eventSink{}
	o.Subscribe(sink.handler)
	ctx := context.Background()

	sess, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.True(t, o.workflowTimeoutCheck(ctx))
	require.Equal(t, sqlite.SessionFailed, store.sessions[sess.ID].Status)
	require.Contains(t, store.loggedCodes(), swarmerr.CodeWorkflowTimeout)

	res := o.Result()
	require.NotNil(t, res)
	require.True(t, res.Partial)
	require.Equal(t, workflow.StatusTimeout, res.Status)

	ended := sink.ofType(EventSessionEnded)
	require.Len(t, ended, 1)
	require.NotNil(t, ended[0].Err)
	require.True(t, o.tick(ctx), "a finished session keeps reporting done")
	require.Len(t, sink.ofType(EventSessionEnded), 1, "finalization happens once")
}

func TestResearchWorkflowRunsToCompletion(t *testing.T) {
	o, store, bus, _, _ := newTestOrchestrator(t, Config{AutoCleanup: true})
	sink := &eventSink{}
	o.Subscribe(sink.handler)
	ctx := context.Background()

	sess, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	base := time.Now()
	bus.push(outboxMsg(message.RoleResearcher, message.TypeFinding, "", base))
	o.outboxScan(ctx)

	findings := store.sessionFindings()
	require.Len(t, findings, 1, "a routed finding lands in the findings table")
	require.False(t, findings[0].Verified)

	bus.push(outboxMsg(message.RoleReviewer, message.TypeReview, message.VerdictApproved, base.Add(time.Second)))
	o.outboxScan(ctx)

	findings = store.sessionFindings()
	require.True(t, findings[0].Verified, "an approving review verifies the finding")

	o.mu.Lock()
	step := o.instance.CurrentStep
	o.mu.Unlock()
	require.Equal(t, "synthesis", step, "approval skips the optional deep dive")

	bus.push(outboxMsg(message.RoleResearcher, message.TypeResult, "", base.Add(2*time.Second)))
	o.outboxScan(ctx)

	require.Equal(t, sqlite.SessionComplete, store.sessions[sess.ID].Status)
	history := store.statusHistory(sess.ID)
	require.Contains(t, history, sqlite.SessionSynthesizing)

	res := o.Result()
	require.NotNil(t, res)
	require.False(t, res.Partial)
	require.Equal(t, workflow.StatusComplete, res.Status)
	require.Equal(t, []string{"initial_research", "verification", "synthesis"}, res.CompletedSteps)
	require.Len(t, res.Outputs, 2, "finding and review outputs are collected")

	for _, role := range []message.Role{message.RoleResearcher, message.RoleReviewer} {
		agent, _ := o.Agent(role)
		require.Equal(t, AgentComplete, agent.Status(), "%s finished with the workflow", role)
	}
	require.True(t, bus.wasCleared())
	require.Len(t, sink.ofType(EventSessionEnded), 1)
	require.True(t, o.tick(ctx), "the monitor stops after completion")
	require.Len(t, sink.ofType(EventSessionEnded), 1)
}

func TestImplementWorkflowExhaustsCodeRevisions(t *testing.T) {
	o, store, bus, _, _ := newTestOrchestrator(t, Config{AutoCleanup: true})
	ctx := context.Background()

	sess, err := o.StartWorkflow(ctx, workflow.TemplateImplement, "a goal")
	require.NoError(t, err)

	base := time.Now()
	clock := 0
	push := func(from message.Role, typ message.Type, verdict message.Verdict, artifacts ...string) {
		clock++
		m := outboxMsg(from, typ, verdict, base.Add(time.Duration(clock)*time.Second))
		m.Content.Artifacts = artifacts
		bus.push(m)
		o.outboxScan(ctx)
	}
	currentStep := func() string {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.instance.CurrentStep
	}

	push(message.RoleArchitect, message.TypeDesign, "")
	require.Equal(t, "design_review", currentStep())
	require.Len(t, store.decisions, 1, "the design lands in the decisions table")

	push(message.RoleReviewer, message.TypeReview, message.VerdictApproved)
	require.Equal(t, "implementation", currentStep())

	push(message.RoleDeveloper, message.TypeArtifact, "", "impl.go")
	require.Equal(t, "code_review", currentStep())

	// Three full revision cycles drain the code_revision budget.
	for cycle := 1; cycle <= 3; cycle++ {
		push(message.RoleReviewer, message.TypeReview, message.VerdictNeedsRevision)
		require.Equal(t, "code_revision", currentStep(), "cycle %d", cycle)
		push(message.RoleDeveloper, message.TypeArtifact, "", fmt.Sprintf("impl_rev%d.go", cycle))
		require.Equal(t, "code_review", currentStep(), "cycle %d", cycle)
	}
	require.NotContains(t, store.loggedCodes(), swarmerr.CodeMaxIterationsExceeded)

	// The fourth revision demand cannot loop again: the workflow logs the
	// exhaustion, marks it recovered, and falls forward to documentation.
	push(message.RoleReviewer, message.TypeReview, message.VerdictNeedsRevision)
	require.Equal(t, "documentation", currentStep())

	exhausted := store.loggedWithCode(swarmerr.CodeMaxIterationsExceeded)
	require.NotNil(t, exhausted)
	require.Contains(t, store.recoveredIDs(), exhausted.ID)
	count := 0
	for _, code := range store.loggedCodes() {
		if code == swarmerr.CodeMaxIterationsExceeded {
			count++
		}
	}
	require.Equal(t, 1, count, "the exhaustion is logged exactly once")

	push(message.RoleDeveloper, message.TypeResult, "")
	require.Equal(t, sqlite.SessionComplete, store.sessions[sess.ID].Status)

	res := o.Result()
	require.NotNil(t, res)
	require.Equal(t, 3, res.RevisionCount, "every completed revision cycle counts")

	for _, a := range store.sessionArtifacts() {
		require.Equal(t, sqlite.ReviewApproved, a.ReviewStatus,
			"artifact %s is settled once the session completes", a.Path)
	}
	require.Len(t, store.sessionArtifacts(), 4)
}

func TestStopAndKillWithoutSession(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	require.True(t, swarmerr.HasCode(o.Stop(ctx), swarmerr.CodeInvalidArgs))
	require.True(t, swarmerr.HasCode(o.Kill(ctx), swarmerr.CodeInvalidArgs))
}

func TestKillForcesCleanupWithoutSynthesis(t *testing.T) {
	o, store, bus, panes, _ := newTestOrchestrator(t, Config{AutoCleanup: false})
	ctx := context.Background()

	sess, err := o.StartWorkflow(ctx, workflow.TemplateResearch, "a goal")
	require.NoError(t, err)

	require.NoError(t, o.Kill(ctx))
	require.Equal(t, sqlite.SessionFailed, store.sessions[sess.ID].Status)
	require.Nil(t, o.Result(), "kill does not synthesize")
	require.Contains(t, panes.killedSessions, "swarm")
	require.False(t, bus.wasCleared(), "mailboxes survive a kill when auto-cleanup is off")
}

func TestEventHandlerPanicIsIsolated(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, Config{})
	sink := &eventSink{}
	o.Subscribe(func(Event) { panic("handler bug") })
	o.Subscribe(sink.handler)

	o.emit(Event{Type: EventSessionStarted, SessionID: "s"})
	require.Len(t, sink.ofType(EventSessionStarted), 1, "a panicking handler never starves the rest")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, Config{})
	sink := &eventSink{}
	id := o.Subscribe(sink.handler)
	o.Unsubscribe(id)
	o.emit(Event{Type: EventSessionStarted, SessionID: "s"})
	require.Empty(t, sink.ofType(EventSessionStarted))
}
