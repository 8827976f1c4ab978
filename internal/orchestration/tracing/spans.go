package tracing

// Span attribute keys. These are the semantic conventions for orchestrator
// spans; keep them stable since trace consumers query by key.
const (
	AttrSessionID    = "session.id"
	AttrWorkflowName = "workflow.name"
	AttrStepID       = "workflow.step"
	AttrGoal         = "session.goal"

	AttrAgentRole   = "agent.role"
	AttrAgentStatus = "agent.status"
	AttrPaneID      = "tmux.pane_id"
	AttrWorktree    = "git.worktree"

	AttrMessageID       = "message.id"
	AttrMessageType     = "message.type"
	AttrMessagePriority = "message.priority"
	AttrThreadID        = "message.thread_id"

	AttrVerdict      = "review.verdict"
	AttrCheckpointID = "checkpoint.id"
	AttrStage        = "checkpoint.stage"

	AttrErrorCode     = "error.code"
	AttrErrorCategory = "error.category"
	AttrStrategy      = "recovery.strategy"
)

// Span names.
const (
	SpanStartWorkflow = "orchestrator.start_workflow"
	SpanSpawnAgents   = "orchestrator.spawn_agents"
	SpanSpawnAgent    = "orchestrator.spawn_agent"
	SpanMonitorTick   = "orchestrator.monitor_tick"
	SpanRouteMessage  = "orchestrator.route_message"
	SpanTransition    = "workflow.transition"
	SpanCheckpoint    = "recovery.checkpoint"
	SpanRestore       = "recovery.restore"
	SpanSynthesize    = "orchestrator.synthesize"
	SpanCleanup       = "orchestrator.cleanup"
)

// Event names for span events.
const (
	EventAgentReady       = "agent.ready"
	EventAgentUnhealthy   = "agent.unhealthy"
	EventMessageQueued    = "message.queued"
	EventMessageDelivered = "message.delivered"
	EventDeadLettered     = "message.dead_lettered"
	EventStepCompleted    = "step.completed"
	EventWorkflowTimeout  = "workflow.timeout"
	EventErrorOccurred    = "error.occurred"
	EventRecoveryAttempt  = "recovery.attempt"
)
