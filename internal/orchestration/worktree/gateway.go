// Package worktree manages per-role git worktrees for a session. Each role
// gets one checkout under <repoRoot>/.worktrees/<role>/ on its own branch,
// with the role's persona file copied to the worktree root.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

const component = "worktree"

// DefaultBranchPrefix namespaces the branches this gateway creates.
const DefaultBranchPrefix = "swarm"

// WorktreesDirName is the directory under the repo root holding checkouts.
const WorktreesDirName = ".worktrees"

// PersonaFileName is the worker persona file copied into each worktree.
const PersonaFileName = "CLAUDE.md"

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// GitRunner executes one git command in a directory. The seam exists so
// tests can drive the gateway without a repository.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // G204: argv list from controlled sources
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s timed out: %w", strings.Join(args, " "), ctx.Err())
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Info describes one worktree from git's perspective.
type Info struct {
	Path   string
	Branch string
	Head   string
}

// record is what the gateway remembers about a worktree it created.
type record struct {
	path   string
	branch string
}

// Gateway creates and removes per-role worktrees.
type Gateway struct {
	repoRoot    string
	root        string
	prefix      string
	runner      GitRunner
	callTimeout time.Duration

	mu      sync.Mutex
	created map[message.Role]record
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRunner swaps the git runner (used by tests).
func WithRunner(r GitRunner) Option {
	return func(g *Gateway) { g.runner = r }
}

// WithBranchPrefix overrides the branch namespace.
func WithBranchPrefix(prefix string) Option {
	return func(g *Gateway) { g.prefix = prefix }
}

// WithCallTimeout bounds each git invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// NewGateway creates a gateway rooted at repoRoot.
func NewGateway(repoRoot string, opts ...Option) (*Gateway, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "resolve repo root", err)
	}
	g := &Gateway{
		repoRoot:    abs,
		root:        filepath.Join(abs, WorktreesDirName),
		prefix:      DefaultBranchPrefix,
		runner:      execRunner{},
		callTimeout: 30 * time.Second,
		created:     make(map[message.Role]record),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Root returns the absolute worktrees directory.
func (g *Gateway) Root() string {
	return g.root
}

// BranchFor returns the branch name a role's worktree checks out.
func (g *Gateway) BranchFor(role message.Role, sessionID string) string {
	return fmt.Sprintf("%s/%s-%s", g.prefix, role, sessionID)
}

func (g *Gateway) git(ctx context.Context, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	out, err := g.runner.Run(callCtx, g.repoRoot, args...)
	if err != nil {
		return "", swarmerr.Wrap(swarmerr.CodeSystemError, component, "git command failed", err)
	}
	return out, nil
}

// pathFor resolves a role's worktree path, refusing anything outside the
// worktrees root.
func (g *Gateway) pathFor(role message.Role) (string, error) {
	if !message.IsValidRole(role) {
		return "", swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown role %q", role)
	}
	path := filepath.Clean(filepath.Join(g.root, string(role)))
	if !strings.HasPrefix(path, g.root+string(filepath.Separator)) {
		return "", swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "worktree path %q escapes %q", path, g.root)
	}
	return path, nil
}

// CreateOptions shape worktree creation.
type CreateOptions struct {
	// BaseBranch is the starting point for the new branch; empty uses HEAD.
	BaseBranch string
}

// CreateWorktree creates one role's worktree on branch <prefix>/<role>-<sessionId>
// and copies the role's persona file into it. Returns the worktree path.
func (g *Gateway) CreateWorktree(ctx context.Context, role message.Role, sessionID string, opts CreateOptions) (string, error) {
	if !sessionIDRe.MatchString(sessionID) {
		return "", swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "invalid session id %q", sessionID)
	}
	path, err := g.pathFor(role)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return "", swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "create worktrees root", err)
	}

	branch := g.BranchFor(role, sessionID)
	args := []string{"worktree", "add", "-b", branch, path}
	if opts.BaseBranch != "" {
		args = append(args, opts.BaseBranch)
	}
	if _, err := g.git(ctx, args...); err != nil {
		return "", err
	}

	if err := g.CopyRoleConfig(role); err != nil {
		// The checkout exists but is unusable without its persona; tear it
		// back down so the caller sees all-or-nothing.
		g.forceRemove(ctx, path, branch)
		return "", err
	}

	g.mu.Lock()
	g.created[role] = record{path: path, branch: branch}
	g.mu.Unlock()

	log.Debug(log.CatWorktree, "worktree created", "role", role, "path", path, "branch", branch)
	return path, nil
}

// CreateWorktrees creates one worktree per role, sequentially. On any
// failure every worktree already created by this call is force-removed
// before the original error is returned.
func (g *Gateway) CreateWorktrees(ctx context.Context, roles []message.Role, sessionID string, opts CreateOptions) (map[message.Role]string, error) {
	paths := make(map[message.Role]string, len(roles))
	for _, role := range roles {
		path, err := g.CreateWorktree(ctx, role, sessionID, opts)
		if err != nil {
			for doneRole, donePath := range paths {
				g.forceRemove(ctx, donePath, g.BranchFor(doneRole, sessionID))
				g.mu.Lock()
				delete(g.created, doneRole)
				g.mu.Unlock()
			}
			return nil, fmt.Errorf("create worktree for %s: %w", role, err)
		}
		paths[role] = path
	}
	return paths, nil
}

// forceRemove tears down a worktree and its branch, best effort.
func (g *Gateway) forceRemove(ctx context.Context, path, branch string) {
	if _, err := g.git(ctx, "worktree", "remove", "--force", path); err != nil {
		log.Warn(log.CatWorktree, "worktree force-remove failed", "path", path, "error", err)
		// A half-created checkout may not be registered with git yet.
		_ = os.RemoveAll(path)
	}
	if branch != "" {
		if _, err := g.git(ctx, "branch", "-D", branch); err != nil {
			log.Warn(log.CatWorktree, "branch delete failed", "branch", branch, "error", err)
		}
	}
}

// RemoveOptions shape worktree removal.
type RemoveOptions struct {
	Force        bool
	DeleteBranch bool
}

// RemoveWorktree removes one role's worktree.
func (g *Gateway) RemoveWorktree(ctx context.Context, role message.Role, opts RemoveOptions) error {
	path, err := g.pathFor(role)
	if err != nil {
		return err
	}

	args := []string{"worktree", "remove"}
	if opts.Force {
		args = append(args, "--force")
	}
	if _, err := g.git(ctx, append(args, path)...); err != nil {
		return err
	}

	g.mu.Lock()
	rec, tracked := g.created[role]
	delete(g.created, role)
	g.mu.Unlock()

	if opts.DeleteBranch && tracked {
		if _, err := g.git(ctx, "branch", "-D", rec.branch); err != nil {
			return err
		}
	}
	log.Debug(log.CatWorktree, "worktree removed", "role", role, "path", path)
	return nil
}

// RemoveAll removes every worktree this gateway created, then prunes
// dangling worktree references. A failure on one role does not stop the
// others; the first error is returned.
func (g *Gateway) RemoveAll(ctx context.Context, opts RemoveOptions) error {
	g.mu.Lock()
	roles := make([]message.Role, 0, len(g.created))
	for role := range g.created {
		roles = append(roles, role)
	}
	g.mu.Unlock()

	var firstErr error
	for _, role := range roles {
		if err := g.RemoveWorktree(ctx, role, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if _, err := g.git(ctx, "worktree", "prune"); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CopyRoleConfig copies ./roles/<role>/CLAUDE.md to the role's worktree
// root. A missing persona file is skipped with a warning; an unreadable or
// unwritable one is an error.
func (g *Gateway) CopyRoleConfig(role message.Role) error {
	path, err := g.pathFor(role)
	if err != nil {
		return err
	}
	src := filepath.Join(g.repoRoot, "roles", string(role), PersonaFileName)

	data, err := os.ReadFile(src) //nolint:gosec // G304: src is derived from a validated role
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn(log.CatWorktree, "role persona file missing, skipping copy", "role", role, "path", src)
		return nil
	}
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "read role persona file", err)
	}
	if err := os.WriteFile(filepath.Join(path, PersonaFileName), data, 0o644); err != nil { //nolint:gosec // G306: persona file is not sensitive
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "write role persona file", err)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain` into Info records.
func (g *Gateway) ListWorktrees(ctx context.Context) ([]Info, error) {
	out, err := g.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var infos []Info
	var cur Info
	flush := func() {
		if cur.Path != "" {
			infos = append(infos, cur)
		}
		cur = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return infos, nil
}

// LockWorktree locks a role's worktree against pruning.
func (g *Gateway) LockWorktree(ctx context.Context, role message.Role, reason string) error {
	path, err := g.pathFor(role)
	if err != nil {
		return err
	}
	args := []string{"worktree", "lock"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err = g.git(ctx, append(args, path)...)
	return err
}

// UnlockWorktree releases a lock taken by LockWorktree.
func (g *Gateway) UnlockWorktree(ctx context.Context, role message.Role) error {
	path, err := g.pathFor(role)
	if err != nil {
		return err
	}
	_, err = g.git(ctx, "worktree", "unlock", path)
	return err
}

// CleanupOrphans force-removes worktrees under the root that this gateway
// does not track and whose directory is older than olderThan, then prunes.
// Returns how many were removed.
func (g *Gateway) CleanupOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	infos, err := g.ListWorktrees(ctx)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	tracked := make(map[string]struct{}, len(g.created))
	for _, rec := range g.created {
		tracked[rec.path] = struct{}{}
	}
	g.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, info := range infos {
		if !strings.HasPrefix(info.Path, g.root+string(filepath.Separator)) {
			continue
		}
		if _, ok := tracked[info.Path]; ok {
			continue
		}
		fi, err := os.Stat(info.Path)
		if err == nil && fi.ModTime().After(cutoff) {
			continue
		}
		g.forceRemove(ctx, info.Path, info.Branch)
		removed++
	}
	if removed > 0 {
		if _, err := g.git(ctx, "worktree", "prune"); err != nil {
			return removed, err
		}
		log.Info(log.CatWorktree, "orphan worktrees cleaned up", "count", removed)
	}
	return removed, nil
}
