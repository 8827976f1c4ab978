// Package workflow defines workflow templates and the pure state-machine
// engine that advances a workflow instance as agent messages arrive. The
// engine never touches I/O; the orchestrator feeds it messages and applies
// its routing decisions through the mailbox bus.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

const component = "workflow"

// StepType classifies what kind of work a step represents.
type StepType string

const (
	StepTask      StepType = "task"
	StepWork      StepType = "work"
	StepReview    StepType = "review"
	StepSynthesis StepType = "synthesis"
	StepDecision  StepType = "decision"
)

// Step is one node of a workflow template.
type Step struct {
	ID            string
	Description   string
	Role          message.Role
	Type          StepType
	InputTypes    []message.Type
	OutputType    message.Type
	MaxIterations int
	Timeout       time.Duration
	Optional      bool
}

// ConditionKind discriminates transition conditions.
type ConditionKind string

const (
	// CondComplete is the default edge taken when a step completes.
	CondComplete ConditionKind = "complete"
	// CondVerdict branches on a specific review verdict.
	CondVerdict ConditionKind = "verdict"
	// CondDefault is the catch-all edge.
	CondDefault ConditionKind = "default"
)

// Edge is one transition of a workflow template's step graph.
type Edge struct {
	From    string
	To      string
	Kind    ConditionKind
	Verdict message.Verdict // set only for CondVerdict
}

// Template declares a workflow: its roles, steps, transition graph and
// bounds.
type Template struct {
	Name           string
	Description    string
	Roles          []message.Role
	Steps          []Step
	Transitions    []Edge
	EntryStep      string
	CompletionStep string
	MaxDuration    time.Duration
	MaxRevisions   int
}

// Step looks a step up by id.
func (t *Template) Step(id string) (*Step, bool) {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i], true
		}
	}
	return nil, false
}

// TransitionsFrom returns the template's edges leaving the given step, in
// declaration order.
func (t *Template) TransitionsFrom(stepID string) []Edge {
	var out []Edge
	for _, tr := range t.Transitions {
		if tr.From == stepID {
			out = append(out, tr)
		}
	}
	return out
}

// Validate checks the template's internal consistency.
func (t *Template) Validate() error {
	if t.Name == "" {
		return swarmerr.New(swarmerr.CodeInvalidArgs, component, "template name must not be empty")
	}
	if len(t.Steps) == 0 {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q has no steps", t.Name)
	}

	roles := make(map[message.Role]struct{}, len(t.Roles))
	for _, r := range t.Roles {
		if !message.IsValidRole(r) {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q declares unknown role %q", t.Name, r)
		}
		roles[r] = struct{}{}
	}

	seen := make(map[string]struct{}, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q has a step with no id", t.Name)
		}
		if _, dup := seen[s.ID]; dup {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q has duplicate step %q", t.Name, s.ID)
		}
		seen[s.ID] = struct{}{}
		if _, ok := roles[s.Role]; !ok {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component,
				"template %q step %q uses role %q outside the declared role set", t.Name, s.ID, s.Role)
		}
		if s.MaxIterations < 1 {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component,
				"template %q step %q needs maxIterations >= 1", t.Name, s.ID)
		}
	}

	for _, tr := range t.Transitions {
		if _, ok := seen[tr.From]; !ok {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component,
				"template %q transition from unknown step %q", t.Name, tr.From)
		}
		if _, ok := seen[tr.To]; !ok {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component,
				"template %q transition to unknown step %q", t.Name, tr.To)
		}
		if tr.Kind == CondVerdict && !message.IsValidVerdict(tr.Verdict) {
			return swarmerr.Newf(swarmerr.CodeInvalidArgs, component,
				"template %q transition %s->%s has invalid verdict %q", t.Name, tr.From, tr.To, tr.Verdict)
		}
	}

	if _, ok := seen[t.EntryStep]; !ok {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q entry step %q does not exist", t.Name, t.EntryStep)
	}
	if _, ok := seen[t.CompletionStep]; !ok {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "template %q completion step %q does not exist", t.Name, t.CompletionStep)
	}
	return nil
}

// Registry holds the known templates plus their aliases.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	aliases   map[string]string
}

// NewRegistry creates a registry pre-populated with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{
		templates: make(map[string]*Template),
		aliases:   make(map[string]string),
	}
	for name, tmpl := range builtinTemplates() {
		r.templates[name] = tmpl
	}
	for alias, target := range builtinAliases() {
		r.aliases[alias] = target
	}
	return r
}

// Register adds or replaces a template after validating it.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

// Resolve looks a template up by name or alias.
func (r *Registry) Resolve(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeWorkflowNotFound, component, "no workflow template named %q", name)
	}
	return t, nil
}

// Names returns all registered template names (aliases excluded).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// CreateInitialTaskMessage builds the kickoff task handed to the entry
// step's agent when a workflow starts.
func CreateInitialTaskMessage(t *Template, goal string) (message.Input, error) {
	entry, ok := t.Step(t.EntryStep)
	if !ok {
		return message.Input{}, swarmerr.Newf(swarmerr.CodeStepNotFound, component,
			"template %q entry step %q does not exist", t.Name, t.EntryStep)
	}
	return message.Input{
		From:     message.RoleOrchestrator,
		To:       entry.Role,
		Type:     message.TypeTask,
		Priority: message.PriorityHigh,
		Content: message.Content{
			Subject: fmt.Sprintf("%s: %s", entry.ID, goal),
			Body:    entry.Description,
			Metadata: map[string]any{
				"goal": goal,
				"step": entry.ID,
			},
		},
		RequiresResponse: true,
	}, nil
}
