package workflow

import (
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
)

// RecordStatus is the state of one step execution record.
type RecordStatus string

const (
	RecordRunning  RecordStatus = "running"
	RecordComplete RecordStatus = "complete"
	RecordSkipped  RecordStatus = "skipped"
	RecordFailed   RecordStatus = "failed"
)

// StepOutput is what a completed step produced.
type StepOutput struct {
	Type    message.Type    `json:"type"`
	Verdict message.Verdict `json:"verdict,omitempty"`
	Summary string          `json:"summary,omitempty"`
}

// StepRecord is one attempt of one step.
type StepRecord struct {
	StepID      string       `json:"stepId"`
	Status      RecordStatus `json:"status"`
	Iteration   int          `json:"iteration"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
	Output      *StepOutput  `json:"output,omitempty"`
}

// Instance is the runtime state of one workflow. Engine operations are pure:
// they return a new Instance and never mutate their argument.
type Instance struct {
	Template        string         `json:"template"`
	SessionID       string         `json:"sessionId"`
	Goal            string         `json:"goal"`
	CurrentStep     string         `json:"currentStep"`
	History         []StepRecord   `json:"history"`
	IterationCounts map[string]int `json:"iterationCounts"`
	Revisions       int            `json:"revisions"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// clone deep-copies the mutable parts so operations stay pure.
func (in Instance) clone() Instance {
	out := in
	out.History = make([]StepRecord, len(in.History))
	copy(out.History, in.History)
	out.IterationCounts = make(map[string]int, len(in.IterationCounts))
	for k, v := range in.IterationCounts {
		out.IterationCounts[k] = v
	}
	return out
}

// CompletedSteps returns the ids of steps with at least one complete record,
// in first-completion order.
func (in Instance) CompletedSteps() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range in.History {
		if rec.Status != RecordComplete {
			continue
		}
		if _, dup := seen[rec.StepID]; dup {
			continue
		}
		seen[rec.StepID] = struct{}{}
		out = append(out, rec.StepID)
	}
	return out
}

// PendingSteps returns template steps that have never completed.
func (in Instance) PendingSteps(t *Template) []string {
	done := make(map[string]struct{})
	for _, id := range in.CompletedSteps() {
		done[id] = struct{}{}
	}
	var out []string
	for _, s := range t.Steps {
		if _, ok := done[s.ID]; !ok {
			out = append(out, s.ID)
		}
	}
	return out
}

// NewInstance instantiates a workflow at the template's entry step, with the
// entry step already started at iteration 1.
func NewInstance(t *Template, sessionID, goal string) (Instance, error) {
	in := Instance{
		Template:        t.Name,
		SessionID:       sessionID,
		Goal:            goal,
		CurrentStep:     t.EntryStep,
		IterationCounts: make(map[string]int),
		Status:          StatusRunning,
		CreatedAt:       time.Now().UTC(),
	}
	return StartStep(t, in, t.EntryStep)
}

// StartStep appends a running record for the step and increments its
// iteration counter. Refuses with MAX_ITERATIONS_EXCEEDED once the counter
// has reached the step's limit.
func StartStep(t *Template, in Instance, stepID string) (Instance, error) {
	step, ok := t.Step(stepID)
	if !ok {
		return in, swarmerr.Newf(swarmerr.CodeStepNotFound, component, "step %q not in template %q", stepID, t.Name)
	}
	if in.IterationCounts[stepID] >= step.MaxIterations {
		return in, swarmerr.Newf(swarmerr.CodeMaxIterationsExceeded, component,
			"step %q already ran %d of %d iterations", stepID, in.IterationCounts[stepID], step.MaxIterations)
	}

	out := in.clone()
	out.IterationCounts[stepID]++
	if step.Optional && step.Type == StepWork {
		// Optional work steps are revision loops: each entry is one rework
		// cycle demanded by a review.
		out.Revisions++
	}
	out.History = append(out.History, StepRecord{
		StepID:    stepID,
		Status:    RecordRunning,
		Iteration: out.IterationCounts[stepID],
		StartedAt: time.Now().UTC(),
	})
	return out, nil
}

// runningRecordIndex finds the single running record for a step, or -1.
func runningRecordIndex(in Instance, stepID string) int {
	for i := range in.History {
		if in.History[i].StepID == stepID && in.History[i].Status == RecordRunning {
			return i
		}
	}
	return -1
}

// CompleteStep marks the step's running record complete with the given
// output. Fails with STEP_NOT_FOUND when no running record exists.
func CompleteStep(t *Template, in Instance, stepID string, output *StepOutput) (Instance, error) {
	if _, ok := t.Step(stepID); !ok {
		return in, swarmerr.Newf(swarmerr.CodeStepNotFound, component, "step %q not in template %q", stepID, t.Name)
	}
	idx := runningRecordIndex(in, stepID)
	if idx < 0 {
		return in, swarmerr.Newf(swarmerr.CodeStepNotFound, component, "no running record for step %q", stepID)
	}

	out := in.clone()
	out.History[idx].Status = RecordComplete
	out.History[idx].CompletedAt = time.Now().UTC()
	out.History[idx].Output = output
	return out, nil
}

// FailStep marks the step's running record failed; when none exists a
// synthetic failed record is appended so the failure is visible in history.
func FailStep(t *Template, in Instance, stepID, reason string) Instance {
	out := in.clone()
	now := time.Now().UTC()
	failure := &StepOutput{Type: message.TypeStatus, Summary: reason}

	if idx := runningRecordIndex(out, stepID); idx >= 0 {
		out.History[idx].Status = RecordFailed
		out.History[idx].CompletedAt = now
		out.History[idx].Output = failure
		return out
	}
	out.History = append(out.History, StepRecord{
		StepID:      stepID,
		Status:      RecordFailed,
		Iteration:   out.IterationCounts[stepID],
		StartedAt:   now,
		CompletedAt: now,
		Output:      failure,
	})
	return out
}

// SkipStep marks an optional step skipped. Non-optional steps refuse.
func SkipStep(t *Template, in Instance, stepID string) (Instance, error) {
	step, ok := t.Step(stepID)
	if !ok {
		return in, swarmerr.Newf(swarmerr.CodeStepNotFound, component, "step %q not in template %q", stepID, t.Name)
	}
	if !step.Optional {
		return in, swarmerr.Newf(swarmerr.CodeInvalidTransition, component, "step %q is not optional and cannot be skipped", stepID)
	}

	out := in.clone()
	now := time.Now().UTC()
	if idx := runningRecordIndex(out, stepID); idx >= 0 {
		out.History[idx].Status = RecordSkipped
		out.History[idx].CompletedAt = now
		return out, nil
	}
	out.History = append(out.History, StepRecord{
		StepID:      stepID,
		Status:      RecordSkipped,
		Iteration:   out.IterationCounts[stepID],
		StartedAt:   now,
		CompletedAt: now,
	})
	return out, nil
}

// selectTransition picks the outgoing edge from the current step.
// Precedence: a matching verdict edge (unless its target is already at its
// iteration limit, in which case a complete or REJECTED edge is preferred),
// then complete, then default, then the first declared edge.
func selectTransition(t *Template, in Instance, verdict message.Verdict) (Edge, error) {
	edges := t.TransitionsFrom(in.CurrentStep)
	if len(edges) == 0 {
		return Edge{}, swarmerr.Newf(swarmerr.CodeInvalidTransition, component,
			"no transitions from step %q in template %q", in.CurrentStep, t.Name)
	}

	find := func(pred func(Edge) bool) (Edge, bool) {
		for _, e := range edges {
			if pred(e) {
				return e, true
			}
		}
		return Edge{}, false
	}

	if verdict != "" {
		if edge, ok := find(func(e Edge) bool { return e.Kind == CondVerdict && e.Verdict == verdict }); ok {
			if _, saturated := SaturatedVerdictTarget(t, in, verdict); !saturated {
				return edge, nil
			}
			// The verdict would loop into a saturated step; fall forward.
			if fallback, ok := find(func(e Edge) bool { return e.Kind == CondComplete }); ok {
				return fallback, nil
			}
			if fallback, ok := find(func(e Edge) bool {
				return e.Kind == CondVerdict && e.Verdict == message.VerdictRejected
			}); ok {
				return fallback, nil
			}
		}
	}
	if edge, ok := find(func(e Edge) bool { return e.Kind == CondComplete }); ok {
		return edge, nil
	}
	if edge, ok := find(func(e Edge) bool { return e.Kind == CondDefault }); ok {
		return edge, nil
	}
	return edges[0], nil
}

// SaturatedVerdictTarget reports whether the verdict's edge from the current
// step points at a step that has already used all its iterations. When it
// does, Transition will fall forward instead of looping, and the caller
// should record a MAX_ITERATIONS_EXCEEDED error for the skipped loop.
func SaturatedVerdictTarget(t *Template, in Instance, verdict message.Verdict) (string, bool) {
	if verdict == "" || in.CurrentStep == t.CompletionStep {
		return "", false
	}
	for _, e := range t.TransitionsFrom(in.CurrentStep) {
		if e.Kind != CondVerdict || e.Verdict != verdict {
			continue
		}
		target, ok := t.Step(e.To)
		if ok && in.IterationCounts[e.To] >= target.MaxIterations {
			return e.To, true
		}
		return "", false
	}
	return "", false
}

// Transition advances the workflow from the current step. At the completion
// step it yields status complete unconditionally; otherwise it moves to the
// selected target and starts it.
func Transition(t *Template, in Instance, verdict message.Verdict) (Instance, error) {
	if in.CurrentStep == t.CompletionStep {
		out := in.clone()
		out.Status = StatusComplete
		return out, nil
	}

	edge, err := selectTransition(t, in, verdict)
	if err != nil {
		return in, err
	}

	out := in.clone()
	out.CurrentStep = edge.To
	started, err := StartStep(t, out, edge.To)
	if err != nil {
		return in, err
	}
	return started, nil
}

// RoutingDecision is the engine's instruction to deliver a routed message to
// the agent owning the next step.
type RoutingDecision struct {
	TargetRole message.Role
	TargetStep string
	Input      message.Input
}

// RouteMessage computes where an incoming message sends the workflow next
// and returns one routing decision per next-step agent. The instance itself
// is not advanced; callers apply Transition separately. At the completion
// step there is nowhere left to route.
func RouteMessage(t *Template, in Instance, incoming message.AgentMessage) ([]RoutingDecision, error) {
	if in.CurrentStep == t.CompletionStep {
		return nil, nil
	}

	verdict := incoming.Content.Verdict()
	edge, err := selectTransition(t, in, verdict)
	if err != nil {
		return nil, err
	}
	target, ok := t.Step(edge.To)
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeStepNotFound, component, "transition target %q not in template %q", edge.To, t.Name)
	}

	metadata := make(map[string]any, len(incoming.Content.Metadata)+2)
	for k, v := range incoming.Content.Metadata {
		metadata[k] = v
	}
	metadata[message.MetadataKeyRoutedFrom] = string(incoming.From)
	metadata[message.MetadataKeyRoutedTo] = string(target.Role)

	threadID := incoming.ThreadID
	if threadID == "" {
		threadID = incoming.ID
	}

	decision := RoutingDecision{
		TargetRole: target.Role,
		TargetStep: target.ID,
		Input: message.Input{
			From:     message.RoleOrchestrator,
			To:       target.Role,
			Type:     incoming.Type,
			Priority: incoming.Priority,
			Content: message.Content{
				Subject:   incoming.Content.Subject,
				Body:      incoming.Content.Body,
				Artifacts: append([]string(nil), incoming.Content.Artifacts...),
				Metadata:  metadata,
			},
			ThreadID:         threadID,
			RequiresResponse: true,
		},
	}
	return []RoutingDecision{decision}, nil
}

// CheckTimeout reports whether the instance has exceeded its duration
// budget. maxDuration overrides the template's when positive; hitting the
// boundary exactly counts as timed out.
func CheckTimeout(t *Template, in Instance, maxDuration time.Duration, now time.Time) bool {
	budget := t.MaxDuration
	if maxDuration > 0 {
		budget = maxDuration
	}
	if budget <= 0 {
		return false
	}
	return now.Sub(in.CreatedAt) >= budget
}
