package workflow

import (
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
)

// Built-in template names and their aliases.
const (
	TemplateResearch  = "research"
	TemplateImplement = "implement"
	TemplateReview    = "review"
	TemplateFull      = "full"

	AliasDevelopment  = "development"
	AliasArchitecture = "architecture"
)

func builtinAliases() map[string]string {
	return map[string]string{
		AliasDevelopment:  TemplateImplement,
		AliasArchitecture: TemplateFull,
	}
}

func builtinTemplates() map[string]*Template {
	return map[string]*Template{
		TemplateResearch:  researchTemplate(),
		TemplateImplement: implementTemplate(),
		TemplateReview:    reviewTemplate(),
		TemplateFull:      fullTemplate(),
	}
}

func researchTemplate() *Template {
	return &Template{
		Name:        TemplateResearch,
		Description: "Investigate a topic, verify the findings, synthesize a report",
		Roles:       []message.Role{message.RoleResearcher, message.RoleReviewer},
		Steps: []Step{
			{
				ID: "initial_research", Description: "Research the goal and produce findings",
				Role: message.RoleResearcher, Type: StepWork,
				InputTypes: []message.Type{message.TypeTask}, OutputType: message.TypeFinding,
				MaxIterations: 2, Timeout: 15 * time.Minute,
			},
			{
				ID: "verification", Description: "Verify the findings and issue a verdict",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeFinding}, OutputType: message.TypeReview,
				MaxIterations: 3, Timeout: 10 * time.Minute,
			},
			{
				ID: "deep_dive", Description: "Follow up on gaps the verification flagged",
				Role: message.RoleResearcher, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeFinding,
				MaxIterations: 2, Timeout: 15 * time.Minute, Optional: true,
			},
			{
				ID: "synthesis", Description: "Synthesize verified findings into a final report",
				Role: message.RoleResearcher, Type: StepSynthesis,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeResult,
				MaxIterations: 1, Timeout: 10 * time.Minute,
			},
		},
		Transitions: []Edge{
			{From: "initial_research", To: "verification", Kind: CondComplete},
			{From: "verification", To: "synthesis", Kind: CondVerdict, Verdict: message.VerdictApproved},
			{From: "verification", To: "deep_dive", Kind: CondVerdict, Verdict: message.VerdictNeedsRevision},
			{From: "verification", To: "synthesis", Kind: CondVerdict, Verdict: message.VerdictRejected},
			{From: "verification", To: "synthesis", Kind: CondComplete},
			{From: "deep_dive", To: "verification", Kind: CondComplete},
			{From: "synthesis", To: "synthesis", Kind: CondComplete},
		},
		EntryStep:      "initial_research",
		CompletionStep: "synthesis",
		MaxDuration:    time.Hour,
		MaxRevisions:   2,
	}
}

func implementTemplate() *Template {
	return &Template{
		Name:        TemplateImplement,
		Description: "Design, review, implement and document a change",
		Roles:       []message.Role{message.RoleArchitect, message.RoleDeveloper, message.RoleReviewer},
		Steps: []Step{
			{
				ID: "architecture", Description: "Produce the technical design",
				Role: message.RoleArchitect, Type: StepWork,
				InputTypes: []message.Type{message.TypeTask}, OutputType: message.TypeDesign,
				MaxIterations: 2, Timeout: 20 * time.Minute,
			},
			{
				ID: "design_review", Description: "Review the design and issue a verdict",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeDesign}, OutputType: message.TypeReview,
				MaxIterations: 3, Timeout: 10 * time.Minute,
			},
			{
				ID: "design_revision", Description: "Revise the design per review feedback",
				Role: message.RoleArchitect, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeDesign,
				MaxIterations: 2, Timeout: 15 * time.Minute, Optional: true,
			},
			{
				ID: "implementation", Description: "Implement the approved design",
				Role: message.RoleDeveloper, Type: StepWork,
				InputTypes: []message.Type{message.TypeDesign}, OutputType: message.TypeArtifact,
				MaxIterations: 2, Timeout: 45 * time.Minute,
			},
			{
				ID: "code_review", Description: "Review the implementation and issue a verdict",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeArtifact}, OutputType: message.TypeReview,
				MaxIterations: 4, Timeout: 15 * time.Minute,
			},
			{
				ID: "code_revision", Description: "Address review findings in the code",
				Role: message.RoleDeveloper, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeArtifact,
				MaxIterations: 3, Timeout: 30 * time.Minute, Optional: true,
			},
			{
				ID: "documentation", Description: "Document the shipped change",
				Role: message.RoleDeveloper, Type: StepSynthesis,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeResult,
				MaxIterations: 1, Timeout: 15 * time.Minute,
			},
		},
		Transitions: []Edge{
			{From: "architecture", To: "design_review", Kind: CondComplete},
			{From: "design_review", To: "implementation", Kind: CondVerdict, Verdict: message.VerdictApproved},
			{From: "design_review", To: "design_revision", Kind: CondVerdict, Verdict: message.VerdictNeedsRevision},
			{From: "design_review", To: "implementation", Kind: CondComplete},
			{From: "design_revision", To: "design_review", Kind: CondComplete},
			{From: "implementation", To: "code_review", Kind: CondComplete},
			{From: "code_review", To: "documentation", Kind: CondVerdict, Verdict: message.VerdictApproved},
			{From: "code_review", To: "code_revision", Kind: CondVerdict, Verdict: message.VerdictNeedsRevision},
			{From: "code_review", To: "documentation", Kind: CondComplete},
			{From: "code_revision", To: "code_review", Kind: CondComplete},
			{From: "documentation", To: "documentation", Kind: CondComplete},
		},
		EntryStep:      "architecture",
		CompletionStep: "documentation",
		MaxDuration:    2 * time.Hour,
		MaxRevisions:   3,
	}
}

func reviewTemplate() *Template {
	return &Template{
		Name:        TemplateReview,
		Description: "Analyze existing code and summarize the findings",
		Roles:       []message.Role{message.RoleReviewer},
		Steps: []Step{
			{
				ID: "code_analysis", Description: "Analyze the code base against the goal",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeTask}, OutputType: message.TypeReview,
				MaxIterations: 2, Timeout: 30 * time.Minute,
			},
			{
				ID: "summary", Description: "Summarize the analysis into a report",
				Role: message.RoleReviewer, Type: StepSynthesis,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeResult,
				MaxIterations: 1, Timeout: 10 * time.Minute,
			},
		},
		Transitions: []Edge{
			{From: "code_analysis", To: "summary", Kind: CondComplete},
			{From: "summary", To: "summary", Kind: CondComplete},
		},
		EntryStep:      "code_analysis",
		CompletionStep: "summary",
		MaxDuration:    time.Hour,
		MaxRevisions:   1,
	}
}

func fullTemplate() *Template {
	return &Template{
		Name:        TemplateFull,
		Description: "Research, design, implement, document and synthesize end to end",
		Roles: []message.Role{
			message.RoleResearcher, message.RoleArchitect, message.RoleDeveloper, message.RoleReviewer,
		},
		Steps: []Step{
			{
				ID: "research", Description: "Research the problem space",
				Role: message.RoleResearcher, Type: StepWork,
				InputTypes: []message.Type{message.TypeTask}, OutputType: message.TypeFinding,
				MaxIterations: 2, Timeout: 20 * time.Minute,
			},
			{
				ID: "architecture", Description: "Design from the research findings",
				Role: message.RoleArchitect, Type: StepWork,
				InputTypes: []message.Type{message.TypeFinding}, OutputType: message.TypeDesign,
				MaxIterations: 2, Timeout: 20 * time.Minute,
			},
			{
				ID: "design_review", Description: "Review the design and issue a verdict",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeDesign}, OutputType: message.TypeReview,
				MaxIterations: 3, Timeout: 10 * time.Minute,
			},
			{
				ID: "design_revision", Description: "Revise the design per review feedback",
				Role: message.RoleArchitect, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeDesign,
				MaxIterations: 2, Timeout: 15 * time.Minute, Optional: true,
			},
			{
				ID: "implementation", Description: "Implement the approved design",
				Role: message.RoleDeveloper, Type: StepWork,
				InputTypes: []message.Type{message.TypeDesign}, OutputType: message.TypeArtifact,
				MaxIterations: 2, Timeout: 60 * time.Minute,
			},
			{
				ID: "code_review", Description: "Review the implementation and issue a verdict",
				Role: message.RoleReviewer, Type: StepReview,
				InputTypes: []message.Type{message.TypeArtifact}, OutputType: message.TypeReview,
				MaxIterations: 4, Timeout: 15 * time.Minute,
			},
			{
				ID: "code_revision", Description: "Address review findings in the code",
				Role: message.RoleDeveloper, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeArtifact,
				MaxIterations: 3, Timeout: 30 * time.Minute, Optional: true,
			},
			{
				ID: "documentation", Description: "Document the shipped change",
				Role: message.RoleDeveloper, Type: StepWork,
				InputTypes: []message.Type{message.TypeReview}, OutputType: message.TypeArtifact,
				MaxIterations: 1, Timeout: 15 * time.Minute,
			},
			{
				ID: "final_synthesis", Description: "Synthesize the whole run into a final report",
				Role: message.RoleResearcher, Type: StepSynthesis,
				InputTypes: []message.Type{message.TypeArtifact}, OutputType: message.TypeResult,
				MaxIterations: 1, Timeout: 10 * time.Minute,
			},
		},
		Transitions: []Edge{
			{From: "research", To: "architecture", Kind: CondComplete},
			{From: "architecture", To: "design_review", Kind: CondComplete},
			{From: "design_review", To: "implementation", Kind: CondVerdict, Verdict: message.VerdictApproved},
			{From: "design_review", To: "design_revision", Kind: CondVerdict, Verdict: message.VerdictNeedsRevision},
			{From: "design_review", To: "implementation", Kind: CondComplete},
			{From: "design_revision", To: "design_review", Kind: CondComplete},
			{From: "implementation", To: "code_review", Kind: CondComplete},
			{From: "code_review", To: "documentation", Kind: CondVerdict, Verdict: message.VerdictApproved},
			{From: "code_review", To: "code_revision", Kind: CondVerdict, Verdict: message.VerdictNeedsRevision},
			{From: "code_review", To: "documentation", Kind: CondComplete},
			{From: "code_revision", To: "code_review", Kind: CondComplete},
			{From: "documentation", To: "final_synthesis", Kind: CondComplete},
			{From: "final_synthesis", To: "final_synthesis", Kind: CondComplete},
		},
		EntryStep:      "research",
		CompletionStep: "final_synthesis",
		MaxDuration:    3 * time.Hour,
		MaxRevisions:   3,
	}
}
