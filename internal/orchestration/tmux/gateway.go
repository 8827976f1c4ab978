// Package tmux wraps the terminal multiplexer behind a gateway so agent
// panes can be created, driven and observed. Every invocation passes
// arguments as a list (never a shell string) and is bounded by a per-call
// timeout.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

const component = "tmux"

// sessionNameRe is the only shape session names may take; everything else is
// rejected before any subprocess spawn.
var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// shellMeta are the characters refused in working-directory paths.
const shellMeta = "|&;<>$`\"'\\*?~\n"

// CommandRunner executes one external command and returns its stdout.
// The seam exists so tests can drive the gateway without a tmux server.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner shells out for real.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: argv list, never a shell string
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Gateway drives tmux sessions and panes.
type Gateway struct {
	runner        CommandRunner
	callTimeout   time.Duration
	workerCommand string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRunner swaps the command runner (used by tests).
func WithRunner(r CommandRunner) Option {
	return func(g *Gateway) { g.runner = r }
}

// WithCallTimeout bounds each tmux invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// WithWorkerCommand sets the executable StartWorker launches in a pane.
func WithWorkerCommand(cmd string) Option {
	return func(g *Gateway) { g.workerCommand = cmd }
}

// NewGateway creates a gateway with a 10 s per-call timeout and "claude" as
// the worker command.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		runner:        execRunner{},
		callTimeout:   10 * time.Second,
		workerCommand: "claude",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) run(ctx context.Context, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	out, err := g.runner.Run(callCtx, "tmux", args...)
	if err != nil {
		return "", swarmerr.Wrap(swarmerr.CodeSystemError, component, "tmux command failed", err).
			WithContext("args", strings.Join(args, " "))
	}
	return out, nil
}

func validateSessionName(name string) error {
	if !sessionNameRe.MatchString(name) {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "invalid session name %q", name)
	}
	return nil
}

func validateCwd(cwd string) error {
	if cwd == "" {
		return nil
	}
	if strings.ContainsAny(cwd, shellMeta) {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "working directory %q contains shell metacharacters", cwd)
	}
	return nil
}

// CreateSession creates a detached session.
func (g *Gateway) CreateSession(ctx context.Context, name string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	_, err := g.run(ctx, "new-session", "-d", "-s", name)
	if err == nil {
		log.Debug(log.CatTmux, "session created", "session", name)
	}
	return err
}

// KillSession kills a session. Idempotent: killing a session that does not
// exist succeeds.
func (g *Gateway) KillSession(ctx context.Context, name string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	if exists, err := g.hasSession(ctx, name); err != nil || !exists {
		return err
	}
	_, err := g.run(ctx, "kill-session", "-t", name)
	if err == nil {
		log.Debug(log.CatTmux, "session killed", "session", name)
	}
	return err
}

func (g *Gateway) hasSession(ctx context.Context, name string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	// has-session exits non-zero both for "not found" and "no server"; either
	// way the session is not there.
	_, err := g.runner.Run(callCtx, "tmux", "has-session", "-t", name)
	if err != nil {
		if callCtx.Err() != nil {
			return false, swarmerr.Wrap(swarmerr.CodeSystemError, component, "has-session timed out", err)
		}
		return false, nil
	}
	return true, nil
}

// ListSessions returns the names of all live sessions. A missing tmux server
// reads as no sessions.
func (g *Gateway) ListSessions(ctx context.Context) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	out, err := g.runner.Run(callCtx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if callCtx.Err() != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeSystemError, component, "list-sessions timed out", err)
		}
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// PaneOptions shape CreatePane.
type PaneOptions struct {
	// Cwd is the pane's working directory.
	Cwd string
}

// CreatePane splits a new pane in the session and returns its pane id.
func (g *Gateway) CreatePane(ctx context.Context, session string, opts PaneOptions) (string, error) {
	if err := validateSessionName(session); err != nil {
		return "", err
	}
	if err := validateCwd(opts.Cwd); err != nil {
		return "", err
	}
	args := []string{"split-window", "-d", "-t", session, "-P", "-F", "#{pane_id}"}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(out)
	log.Debug(log.CatTmux, "pane created", "session", session, "pane", paneID, "cwd", opts.Cwd)
	return paneID, nil
}

// KillPane kills one pane.
func (g *Gateway) KillPane(ctx context.Context, paneID string) error {
	_, err := g.run(ctx, "kill-pane", "-t", paneID)
	return err
}

// SendKeys types text into a pane literally, optionally followed by Enter.
func (g *Gateway) SendKeys(ctx context.Context, paneID, text string, pressEnter bool) error {
	if _, err := g.run(ctx, "send-keys", "-t", paneID, "-l", text); err != nil {
		return err
	}
	if pressEnter {
		if _, err := g.run(ctx, "send-keys", "-t", paneID, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// SendInterrupt sends Ctrl-C to a pane.
func (g *Gateway) SendInterrupt(ctx context.Context, paneID string) error {
	_, err := g.run(ctx, "send-keys", "-t", paneID, "C-c")
	return err
}

// CapturePane returns the last lines of a pane's visible content. lines <= 0
// captures the whole visible screen.
func (g *Gateway) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", paneID}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	return g.run(ctx, args...)
}

// WaitForPattern polls a pane's content until the regex matches or the
// timeout elapses. Timeout is a typed AGENT_TIMEOUT error, never a hang.
func (g *Gateway) WaitForPattern(ctx context.Context, paneID, pattern string, timeout time.Duration) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeInvalidArgs, component, "invalid wait pattern", err)
	}

	deadline := time.Now().Add(timeout)
	interval := 500 * time.Millisecond
	if timeout < interval {
		interval = timeout / 2
		if interval <= 0 {
			interval = time.Millisecond
		}
	}

	for {
		content, err := g.CapturePane(ctx, paneID, 50)
		if err != nil {
			return err
		}
		if re.MatchString(content) {
			return nil
		}
		if time.Now().After(deadline) {
			return swarmerr.Newf(swarmerr.CodeAgentTimeout, component,
				"pane %s did not match %q within %s", paneID, pattern, timeout)
		}
		select {
		case <-ctx.Done():
			return swarmerr.Wrap(swarmerr.CodeAgentTimeout, component, "wait cancelled", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// promptPattern matches a shell prompt at the end of the capture.
const promptPattern = `[$>#%] ?\s*$`

// WaitForPrompt waits until the pane shows a shell prompt again.
func (g *Gateway) WaitForPrompt(ctx context.Context, paneID string, timeout time.Duration) error {
	return g.WaitForPattern(ctx, paneID, promptPattern, timeout)
}

// StartWorker launches the worker process in a pane. The pane is expected to
// already sit in the worktree directory (CreatePane with Cwd); cwd is kept
// as an argument for the cd fallback when they differ.
func (g *Gateway) StartWorker(ctx context.Context, paneID, cwd, prompt string) error {
	if err := validateCwd(cwd); err != nil {
		return err
	}
	if cwd != "" {
		if err := g.SendKeys(ctx, paneID, "cd "+cwd, true); err != nil {
			return err
		}
	}
	cmd := g.workerCommand
	if prompt != "" {
		cmd += " " + singleQuote(prompt)
	}
	if err := g.SendKeys(ctx, paneID, cmd, true); err != nil {
		return err
	}
	log.Debug(log.CatTmux, "worker started", "pane", paneID, "cwd", cwd)
	return nil
}

// singleQuote wraps s in single quotes for the pane's shell, escaping any
// embedded single quotes.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shells the worker command is distinguishable from.
var shellNames = map[string]struct{}{
	"bash": {}, "zsh": {}, "sh": {}, "fish": {}, "dash": {}, "ksh": {},
}

// IsWorkerActive reports whether the pane is running something other than a
// bare shell.
func (g *Gateway) IsWorkerActive(ctx context.Context, paneID string) (bool, error) {
	out, err := g.run(ctx, "display-message", "-p", "-t", paneID, "#{pane_current_command}")
	if err != nil {
		return false, err
	}
	current := strings.TrimSpace(out)
	_, isShell := shellNames[current]
	return current != "" && !isShell, nil
}

// KillAllSessionsWithPrefix kills every session whose name starts with prefix.
func (g *Gateway) KillAllSessionsWithPrefix(ctx context.Context, prefix string) error {
	if err := validateSessionName(prefix); err != nil {
		return err
	}
	sessions, err := g.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, name := range sessions {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := g.KillSession(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOrphans kills sessions matching prefix that were created more than
// olderThan ago. Returns how many were killed.
func (g *Gateway) CleanupOrphans(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	if err := validateSessionName(prefix); err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	out, err := g.runner.Run(callCtx, "tmux", "list-sessions", "-F", "#{session_name} #{session_created}")
	if err != nil {
		if callCtx.Err() != nil {
			return 0, swarmerr.Wrap(swarmerr.CodeSystemError, component, "list-sessions timed out", err)
		}
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan)
	killed := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || !strings.HasPrefix(fields[0], prefix) {
			continue
		}
		created, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(created, 0).After(cutoff) {
			continue
		}
		if err := g.KillSession(ctx, fields[0]); err != nil {
			return killed, err
		}
		killed++
	}
	if killed > 0 {
		log.Info(log.CatTmux, "orphan sessions cleaned up", "count", killed, "prefix", prefix)
	}
	return killed, nil
}
