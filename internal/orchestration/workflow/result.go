package workflow

import (
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// Result is the synthesized outcome of a workflow run.
type Result struct {
	Template       string       `json:"template"`
	SessionID      string       `json:"sessionId"`
	Goal           string       `json:"goal"`
	Status         Status       `json:"status"`
	StepsExecuted  int          `json:"stepsExecuted"`
	RevisionCount  int          `json:"revisionCount"`
	CompletedSteps []string     `json:"completedSteps"`
	Outputs        []StepOutput `json:"outputs"`
	Partial        bool         `json:"partial,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// collectedOutputTypes are the step outputs worth carrying into the result.
var collectedOutputTypes = map[message.Type]struct{}{
	message.TypeFinding:  {},
	message.TypeReview:   {},
	message.TypeArtifact: {},
}

func synthesize(in Instance, partial bool) Result {
	completed := in.CompletedSteps()

	var outputs []StepOutput
	for _, rec := range in.History {
		if rec.Status != RecordComplete || rec.Output == nil {
			continue
		}
		if _, keep := collectedOutputTypes[rec.Output.Type]; keep {
			outputs = append(outputs, *rec.Output)
		}
	}

	return Result{
		Template:       in.Template,
		SessionID:      in.SessionID,
		Goal:           in.Goal,
		Status:         in.Status,
		StepsExecuted:  len(completed),
		RevisionCount:  in.Revisions,
		CompletedSteps: completed,
		Outputs:        outputs,
		Partial:        partial,
		Duration:       time.Since(in.CreatedAt),
	}
}

// SynthesizeResult builds the final result of a completed workflow. Refuses
// when the instance has not reached status complete.
func SynthesizeResult(in Instance) (Result, error) {
	if in.Status != StatusComplete {
		return Result{}, swarmerr.Newf(swarmerr.CodeInvalidTransition, component,
			"cannot synthesize a final result while the workflow is %s", in.Status)
	}
	return synthesize(in, false), nil
}

// SynthesizePartial builds a best-effort result from whatever has completed
// so far. Used when a session is stopped or times out mid-flight.
func SynthesizePartial(in Instance) Result {
	return synthesize(in, true)
}
