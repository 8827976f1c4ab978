package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// fakeGit records git invocations and simulates worktree add by creating the
// target directory, so persona copies have somewhere to land.
type fakeGit struct {
	calls    [][]string
	failNext map[string]error // keyed by subcommand pair, e.g. "worktree add"
}

func newFakeGit() *fakeGit {
	return &fakeGit{failNext: make(map[string]error)}
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args[:min(2, len(args))], " ")
	if err, ok := f.failNext[key]; ok {
		delete(f.failNext, key)
		return "", err
	}
	if key == "worktree add" {
		// args: worktree add -b <branch> <path> [base]
		for i, a := range args {
			if a == "-b" && i+2 < len(args) {
				if err := os.MkdirAll(args[i+2], 0o755); err != nil {
					return "", err
				}
			}
		}
	}
	return "", nil
}

func (f *fakeGit) commands() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newTestGateway(t *testing.T) (*Gateway, *fakeGit, string) {
	t.Helper()
	repo := t.TempDir()
	git := newFakeGit()
	g, err := NewGateway(repo, WithRunner(git), WithCallTimeout(time.Second))
	require.NoError(t, err)
	return g, git, repo
}

func writePersona(t *testing.T, repo string, role message.Role, content string) {
	t.Helper()
	dir := filepath.Join(repo, "roles", string(role))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PersonaFileName), []byte(content), 0o644))
}

func TestCreateWorktree_BranchNameAndPersonaCopy(t *testing.T) {
	g, git, repo := newTestGateway(t)
	writePersona(t, repo, message.RoleDeveloper, "# developer persona")

	path, err := g.CreateWorktree(context.Background(), message.RoleDeveloper, "sess-1", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(repo, WorktreesDirName, "developer"), path)

	require.Contains(t, git.commands()[0], "worktree add -b swarm/developer-sess-1 "+path)

	data, err := os.ReadFile(filepath.Join(path, PersonaFileName))
	require.NoError(t, err)
	require.Equal(t, "# developer persona", string(data))
}

func TestCreateWorktree_BaseBranchAppended(t *testing.T) {
	g, git, _ := newTestGateway(t)

	_, err := g.CreateWorktree(context.Background(), message.RoleReviewer, "s1", CreateOptions{BaseBranch: "main"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(git.commands()[0], " main"))
}

func TestCreateWorktree_RejectsBadInputs(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.CreateWorktree(context.Background(), "visitor", "sess-1", CreateOptions{})
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs))

	_, err = g.CreateWorktree(context.Background(), message.RoleDeveloper, "../evil", CreateOptions{})
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs))

	_, err = g.CreateWorktree(context.Background(), message.RoleDeveloper, "has space", CreateOptions{})
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeInvalidArgs))
}

func TestCreateWorktree_MissingPersonaIsSkipped(t *testing.T) {
	g, _, _ := newTestGateway(t)

	path, err := g.CreateWorktree(context.Background(), message.RoleResearcher, "s1", CreateOptions{})
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(path, PersonaFileName))
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestCreateWorktree_PersonaCopyFailureRollsBack(t *testing.T) {
	g, git, repo := newTestGateway(t)

	// Unreadable persona source: a directory where the file should be.
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "roles", "developer", PersonaFileName), 0o755))

	_, err := g.CreateWorktree(context.Background(), message.RoleDeveloper, "s1", CreateOptions{})
	require.Error(t, err)

	joined := strings.Join(git.commands(), "\n")
	require.Contains(t, joined, "worktree remove --force")
	require.Contains(t, joined, "branch -D swarm/developer-s1")
}

func TestCreateWorktrees_RollsBackAllOnFailure(t *testing.T) {
	g, git, repo := newTestGateway(t)
	writePersona(t, repo, message.RoleArchitect, "a")
	writePersona(t, repo, message.RoleDeveloper, "d")

	// First add succeeds, second add fails.
	calls := 0
	git.failNext = nil
	failing := &scriptedGit{inner: git, script: func(args []string) error {
		if len(args) >= 2 && args[0] == "worktree" && args[1] == "add" {
			calls++
			if calls == 2 {
				return errors.New("branch already checked out")
			}
		}
		return nil
	}}
	g.runner = failing

	_, err := g.CreateWorktrees(context.Background(),
		[]message.Role{message.RoleArchitect, message.RoleDeveloper}, "s1", CreateOptions{})
	require.Error(t, err)

	joined := strings.Join(git.commands(), "\n")
	require.Contains(t, joined, "worktree remove --force "+filepath.Join(g.Root(), "architect"),
		"the successfully created worktree must be rolled back")
	require.Contains(t, joined, "branch -D swarm/architect-s1")
}

// scriptedGit wraps fakeGit with a per-call failure script.
type scriptedGit struct {
	inner  *fakeGit
	script func(args []string) error
}

func (s *scriptedGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if err := s.script(args); err != nil {
		s.inner.calls = append(s.inner.calls, args)
		return "", err
	}
	return s.inner.Run(ctx, dir, args...)
}

func TestRemoveWorktree_ForceAndBranchDelete(t *testing.T) {
	g, git, _ := newTestGateway(t)

	_, err := g.CreateWorktree(context.Background(), message.RoleReviewer, "s9", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, g.RemoveWorktree(context.Background(), message.RoleReviewer,
		RemoveOptions{Force: true, DeleteBranch: true}))

	joined := strings.Join(git.commands(), "\n")
	require.Contains(t, joined, "worktree remove --force "+filepath.Join(g.Root(), "reviewer"))
	require.Contains(t, joined, "branch -D swarm/reviewer-s9")
}

func TestRemoveAll_RemovesEverythingAndPrunes(t *testing.T) {
	g, git, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := g.CreateWorktrees(ctx, []message.Role{message.RoleDeveloper, message.RoleReviewer}, "s2", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, g.RemoveAll(ctx, RemoveOptions{Force: true, DeleteBranch: true}))

	joined := strings.Join(git.commands(), "\n")
	require.Contains(t, joined, "worktree remove --force "+filepath.Join(g.Root(), "developer"))
	require.Contains(t, joined, "worktree remove --force "+filepath.Join(g.Root(), "reviewer"))
	require.Contains(t, joined, "branch -D swarm/developer-s2")
	require.Contains(t, joined, "branch -D swarm/reviewer-s2")
	require.Contains(t, joined, "worktree prune")
}

func TestListWorktrees_ParsesPorcelain(t *testing.T) {
	g, git, repo := newTestGateway(t)
	porcelain := "worktree " + repo + "\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree " + filepath.Join(g.Root(), "developer") + "\nHEAD def456\nbranch refs/heads/swarm/developer-s1\n"
	g.runner = replyGit{out: porcelain, inner: git}

	infos, err := g.ListWorktrees(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "main", infos[0].Branch)
	require.Equal(t, "swarm/developer-s1", infos[1].Branch)
	require.Equal(t, "def456", infos[1].Head)
}

type replyGit struct {
	out   string
	inner *fakeGit
}

func (r replyGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	_, _ = r.inner.Run(ctx, dir, args...)
	return r.out, nil
}

func TestLockUnlock(t *testing.T) {
	g, git, _ := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.LockWorktree(ctx, message.RoleDeveloper, "in use"))
	require.NoError(t, g.UnlockWorktree(ctx, message.RoleDeveloper))

	joined := strings.Join(git.commands(), "\n")
	require.Contains(t, joined, "worktree lock --reason in use")
	require.Contains(t, joined, "worktree unlock")
}

func TestBranchFor(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.Equal(t, "swarm/architect-sess-42", g.BranchFor(message.RoleArchitect, "sess-42"))
}
