package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// fakeRunner records invocations and replies from a script keyed by the
// tmux subcommand.
type fakeRunner struct {
	calls   [][]string
	replies map[string]func(args []string) (string, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{replies: make(map[string]func(args []string) (string, error))}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if len(args) > 0 {
		if fn, ok := f.replies[args[0]]; ok {
			return fn(args)
		}
	}
	return "", nil
}

func (f *fakeRunner) commands() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newTestGateway(r CommandRunner) *Gateway {
	return NewGateway(WithRunner(r), WithCallTimeout(time.Second))
}

func TestCreateSession_ValidatesName(t *testing.T) {
	g := newTestGateway(newFakeRunner())

	for _, bad := range []string{"", "has space", "semi;colon", "dollar$var", "path/sep", "new\nline"} {
		err := g.CreateSession(context.Background(), bad)
		require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs), "name %q must be rejected", bad)
	}

	require.NoError(t, g.CreateSession(context.Background(), "swarm-session_1"))
}

func TestCreateSession_PassesArgv(t *testing.T) {
	r := newFakeRunner()
	g := newTestGateway(r)

	require.NoError(t, g.CreateSession(context.Background(), "swarm-1"))
	require.Equal(t, []string{"tmux new-session -d -s swarm-1"}, r.commands())
}

func TestKillSession_IdempotentWhenMissing(t *testing.T) {
	r := newFakeRunner()
	r.replies["has-session"] = func([]string) (string, error) {
		return "", errors.New("can't find session")
	}
	g := newTestGateway(r)

	require.NoError(t, g.KillSession(context.Background(), "gone"))
	require.NoError(t, g.KillSession(context.Background(), "gone"), "second kill behaves the same")

	for _, call := range r.commands() {
		require.NotContains(t, call, "kill-session", "kill-session must not run for a missing session")
	}
}

func TestKillSession_KillsExisting(t *testing.T) {
	r := newFakeRunner()
	g := newTestGateway(r)

	require.NoError(t, g.KillSession(context.Background(), "alive"))
	require.Contains(t, r.commands(), "tmux kill-session -t alive")
}

func TestListSessions(t *testing.T) {
	r := newFakeRunner()
	r.replies["list-sessions"] = func([]string) (string, error) {
		return "swarm-1\nswarm-2\nother\n", nil
	}
	g := newTestGateway(r)

	names, err := g.ListSessions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"swarm-1", "swarm-2", "other"}, names)
}

func TestListSessions_NoServerReadsEmpty(t *testing.T) {
	r := newFakeRunner()
	r.replies["list-sessions"] = func([]string) (string, error) {
		return "", errors.New("no server running on /tmp/tmux-0/default")
	}
	g := newTestGateway(r)

	names, err := g.ListSessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestCreatePane_ReturnsPaneID(t *testing.T) {
	r := newFakeRunner()
	r.replies["split-window"] = func([]string) (string, error) { return "%7\n", nil }
	g := newTestGateway(r)

	id, err := g.CreatePane(context.Background(), "swarm-1", PaneOptions{Cwd: "/tmp/wt/developer"})
	require.NoError(t, err)
	require.Equal(t, "%7", id)
	require.Contains(t, r.commands()[0], "-c /tmp/wt/developer")
}

func TestCreatePane_RejectsMetacharacterCwd(t *testing.T) {
	g := newTestGateway(newFakeRunner())

	for _, bad := range []string{"/tmp; rm -rf /", "/tmp/$(whoami)", "/tmp/`id`", "/tmp/a|b"} {
		_, err := g.CreatePane(context.Background(), "swarm-1", PaneOptions{Cwd: bad})
		require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs), "cwd %q must be rejected", bad)
	}
}

func TestSendKeys_LiteralThenEnter(t *testing.T) {
	r := newFakeRunner()
	g := newTestGateway(r)

	require.NoError(t, g.SendKeys(context.Background(), "%3", "echo hi", true))
	require.Equal(t, []string{
		"tmux send-keys -t %3 -l echo hi",
		"tmux send-keys -t %3 Enter",
	}, r.commands())
}

func TestSendKeys_NoEnter(t *testing.T) {
	r := newFakeRunner()
	g := newTestGateway(r)

	require.NoError(t, g.SendKeys(context.Background(), "%3", "partial", false))
	require.Len(t, r.calls, 1)
}

func TestWaitForPattern_MatchAndTimeout(t *testing.T) {
	r := newFakeRunner()
	captures := 0
	r.replies["capture-pane"] = func([]string) (string, error) {
		captures++
		if captures >= 3 {
			return "worker ready\n> ", nil
		}
		return "starting...", nil
	}
	g := newTestGateway(r)

	err := g.WaitForPattern(context.Background(), "%1", `ready`, 500*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, captures, 3)
}

func TestWaitForPattern_TimeoutIsTyped(t *testing.T) {
	r := newFakeRunner()
	r.replies["capture-pane"] = func([]string) (string, error) { return "never", nil }
	g := newTestGateway(r)

	err := g.WaitForPattern(context.Background(), "%1", `ready`, 50*time.Millisecond)
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeAgentTimeout))
}

func TestWaitForPattern_InvalidRegex(t *testing.T) {
	g := newTestGateway(newFakeRunner())
	err := g.WaitForPattern(context.Background(), "%1", `[unclosed`, time.Second)
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs))
}

func TestStartWorker_QuotesPrompt(t *testing.T) {
	r := newFakeRunner()
	g := NewGateway(WithRunner(r), WithCallTimeout(time.Second), WithWorkerCommand("claude"))

	require.NoError(t, g.StartWorker(context.Background(), "%2", "/tmp/wt/researcher", "find the root cause; don't guess"))

	joined := strings.Join(r.commands(), "\n")
	require.Contains(t, joined, "cd /tmp/wt/researcher")
	require.Contains(t, joined, `claude 'find the root cause; don'\''t guess'`)
}

func TestIsWorkerActive(t *testing.T) {
	r := newFakeRunner()
	current := "zsh"
	r.replies["display-message"] = func([]string) (string, error) { return current + "\n", nil }
	g := newTestGateway(r)

	active, err := g.IsWorkerActive(context.Background(), "%1")
	require.NoError(t, err)
	require.False(t, active, "a bare shell is not a worker")

	current = "claude"
	active, err = g.IsWorkerActive(context.Background(), "%1")
	require.NoError(t, err)
	require.True(t, active)
}

func TestKillAllSessionsWithPrefix(t *testing.T) {
	r := newFakeRunner()
	r.replies["list-sessions"] = func([]string) (string, error) {
		return "swarm-1\nswarm-2\nunrelated\n", nil
	}
	g := newTestGateway(r)

	require.NoError(t, g.KillAllSessionsWithPrefix(context.Background(), "swarm"))

	joined := strings.Join(r.commands(), "\n")
	require.Contains(t, joined, "kill-session -t swarm-1")
	require.Contains(t, joined, "kill-session -t swarm-2")
	require.NotContains(t, joined, "kill-session -t unrelated")
}

func TestCleanupOrphans_KillsOnlyOldPrefixedSessions(t *testing.T) {
	now := time.Now().Unix()
	r := newFakeRunner()
	r.replies["list-sessions"] = func(args []string) (string, error) {
		if len(args) >= 3 && strings.Contains(args[2], "session_created") {
			return fmt.Sprintf("swarm-old %d\nswarm-new %d\nother %d\n", now-7200, now-10, now-7200), nil
		}
		return "swarm-old\nswarm-new\nother\n", nil
	}
	g := newTestGateway(r)

	killed, err := g.CleanupOrphans(context.Background(), "swarm", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, killed)

	joined := strings.Join(r.commands(), "\n")
	require.Contains(t, joined, "kill-session -t swarm-old")
	require.NotContains(t, joined, "kill-session -t swarm-new")
	require.NotContains(t, joined, "kill-session -t other")
}
