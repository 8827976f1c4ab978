package orchestrator

import (
	"context"

	"github.com/cbriice/claude-swarm-sub002/internal/infrastructure/sqlite"
	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/workflow"
)

// persistOutputs derives durable records from one routed worker message:
// findings, artifacts, and design decisions land in their own tables, and an
// approving review verifies the findings it covered. Best effort: a failed
// write is logged and never blocks routing.
func (o *Orchestrator) persistOutputs(ctx context.Context, sessionID string, m message.AgentMessage) {
	switch m.Type {
	case message.TypeFinding:
		f := &sqlite.Finding{SessionID: sessionID, Claim: m.Content.Subject}
		if p, ok := message.DecodeMetadata[message.FindingPayload](m.Content.Metadata); ok {
			if p.Claim != "" {
				f.Claim = p.Claim
			}
			f.Confidence = p.Confidence
			f.Sources = p.Sources
		}
		if err := o.store.CreateFinding(ctx, f); err != nil {
			log.Warn(log.CatOrch, "finding write failed", "message", m.ID, "error", err)
		}
	case message.TypeArtifact:
		for _, path := range m.Content.Artifacts {
			a := &sqlite.Artifact{SessionID: sessionID, Path: path, ReviewStatus: sqlite.ReviewPending}
			if err := o.store.CreateArtifact(ctx, a); err != nil {
				log.Warn(log.CatOrch, "artifact write failed", "message", m.ID, "path", path, "error", err)
			}
		}
	case message.TypeDesign:
		d := &sqlite.Decision{SessionID: sessionID, Title: m.Content.Subject, Rationale: m.Content.Body}
		if err := o.store.CreateDecision(ctx, d); err != nil {
			log.Warn(log.CatOrch, "decision write failed", "message", m.ID, "error", err)
		}
	case message.TypeReview:
		if m.Content.Verdict() == message.VerdictApproved {
			o.verifyFindings(ctx, sessionID)
		}
	}
}

// verifyFindings flags the session's unverified findings after an approving
// review.
func (o *Orchestrator) verifyFindings(ctx context.Context, sessionID string) {
	findings, err := o.store.GetSessionFindings(ctx, sessionID)
	if err != nil {
		log.Warn(log.CatOrch, "findings read failed", "session", sessionID, "error", err)
		return
	}
	for _, f := range findings {
		if f.Verified {
			continue
		}
		if err := o.store.MarkFindingVerified(ctx, f.ID); err != nil {
			log.Warn(log.CatOrch, "finding verify failed", "finding", f.ID, "error", err)
		}
	}
}

// persistResult settles the session's record tables once the workflow
// synthesized its result: artifacts still pending review at completion passed
// every gate the workflow had, so they are approved.
func (o *Orchestrator) persistResult(ctx context.Context, sessionID string, res workflow.Result) {
	artifacts, err := o.store.GetSessionArtifacts(ctx, sessionID)
	if err != nil {
		log.Warn(log.CatOrch, "artifacts read failed", "session", sessionID, "error", err)
		return
	}
	for _, a := range artifacts {
		if a.ReviewStatus != sqlite.ReviewPending {
			continue
		}
		if err := o.store.UpdateArtifactReviewStatus(ctx, a.ID, sqlite.ReviewApproved); err != nil {
			log.Warn(log.CatOrch, "artifact approval failed", "artifact", a.ID, "error", err)
		}
	}
	log.Debug(log.CatOrch, "result persisted", "session", sessionID,
		"outputs", len(res.Outputs), "artifacts", len(artifacts))
}
