// Package mailbox implements the filesystem message bus between the
// orchestrator and its worker agents. Each role owns one inbox and one
// outbox file under the messages root, holding a JSON array of messages.
// All writes are atomic (temp sibling + rename); reads are tolerant of
// malformed entries, writes are strictly validated.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

const component = "mailbox"

// Persister is the optional store hook Send uses to keep an audit copy of
// every message. The SQLite store satisfies it.
type Persister interface {
	SaveMessage(ctx context.Context, sessionID string, m message.AgentMessage) error
}

// Bus is the filesystem mailbox bus. The orchestrator is the sole writer of
// inboxes; workers write their own outboxes using the same atomic-rename
// convention, so a racing read sees either the old or the new file.
type Bus struct {
	root      string
	sessionID string
	persister Persister

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithPersister attaches a store so Send can keep an audit copy.
func WithPersister(p Persister) Option {
	return func(b *Bus) { b.persister = p }
}

// WithSession tags persisted messages with a session id.
func WithSession(sessionID string) Option {
	return func(b *Bus) { b.sessionID = sessionID }
}

// NewBus creates a bus rooted at dir (typically ./.swarm/messages).
func NewBus(dir string, opts ...Option) (*Bus, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "resolve messages root", err)
	}
	b := &Bus{
		root:  abs,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Root returns the absolute messages root.
func (b *Bus) Root() string {
	return b.root
}

// Initialize ensures the inbox/outbox directories and an empty mailbox file
// for every registered role. Existing files are left untouched.
func (b *Bus) Initialize() error {
	for _, sub := range []string{"inbox", "outbox"} {
		if err := os.MkdirAll(filepath.Join(b.root, sub), 0o755); err != nil {
			return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "create mailbox directory", err)
		}
	}
	for _, role := range message.Roles {
		for _, path := range []string{b.inboxPath(role), b.outboxPath(role)} {
			if _, err := os.Stat(path); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "stat mailbox file", err)
			}
			if err := b.writeMailbox(path, []message.AgentMessage{}); err != nil {
				return err
			}
		}
	}
	log.Debug(log.CatMailbox, "mailbox bus initialized", "root", b.root)
	return nil
}

// SendOptions modify Send behavior.
type SendOptions struct {
	// Persist also writes the message to the store when a persister is set.
	Persist bool
}

// Send builds a message from in, appends it to the sender's outbox and each
// recipient's inbox, and optionally persists it. Broadcast delivers to every
// role except the sender.
func (b *Bus) Send(ctx context.Context, in message.Input, opts SendOptions) (message.AgentMessage, error) {
	m := message.New(in)
	if err := m.Validate(); err != nil {
		return message.AgentMessage{}, swarmerr.Wrap(swarmerr.CodeInvalidArgs, component, "refusing to send invalid message", err)
	}

	if err := b.appendTo(b.outboxPath(m.From), m); err != nil {
		return message.AgentMessage{}, err
	}

	for _, to := range b.recipients(m) {
		if err := b.appendTo(b.inboxPath(to), m); err != nil {
			return message.AgentMessage{}, err
		}
	}

	if opts.Persist && b.persister != nil {
		if err := b.persister.SaveMessage(ctx, b.sessionID, m); err != nil {
			return message.AgentMessage{}, fmt.Errorf("persist message %s: %w", m.ID, err)
		}
	}

	log.Debug(log.CatMailbox, "message sent",
		"id", m.ID, "from", m.From, "to", m.To, "type", m.Type, "priority", m.Priority)
	return m, nil
}

func (b *Bus) recipients(m message.AgentMessage) []message.Role {
	if !m.IsBroadcast() {
		return []message.Role{m.To}
	}
	out := make([]message.Role, 0, len(message.Roles)-1)
	for _, r := range message.Roles {
		if r != m.From {
			out = append(out, r)
		}
	}
	return out
}

// Filter narrows read results. Zero fields match everything.
type Filter struct {
	Type     message.Type
	Priority message.Priority
	From     message.Role
}

func (f *Filter) matches(m message.AgentMessage) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.From != "" && m.From != f.From {
		return false
	}
	return true
}

// ReadInbox returns the agent's inbox, ordered by priority descending then
// timestamp ascending.
func (b *Bus) ReadInbox(agent message.Role, filter *Filter) ([]message.AgentMessage, error) {
	return b.readSorted(b.inboxPath, agent, filter)
}

// ReadOutbox returns the agent's outbox with the same ordering as ReadInbox.
func (b *Bus) ReadOutbox(agent message.Role, filter *Filter) ([]message.AgentMessage, error) {
	return b.readSorted(b.outboxPath, agent, filter)
}

func (b *Bus) readSorted(pathFor func(message.Role) string, agent message.Role, filter *Filter) ([]message.AgentMessage, error) {
	if !message.IsValidRole(agent) {
		return nil, swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown agent role %q", agent)
	}
	msgs, err := b.readMailbox(pathFor(agent))
	if err != nil {
		return nil, err
	}

	out := msgs[:0]
	for _, m := range msgs {
		if filter.matches(m) {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

// sortMessages orders by priority descending, then timestamp ascending.
// The sort is stable so equal messages keep file order.
func sortMessages(msgs []message.AgentMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ri, rj := msgs[i].Priority.Rank(), msgs[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return msgs[i].Time().Before(msgs[j].Time())
	})
}

// GetNewOutboxMessages returns the agent's outbox messages with a timestamp
// strictly newer than since, in timestamp-ascending order. This is the
// monitor's watermark scan.
func (b *Bus) GetNewOutboxMessages(agent message.Role, since time.Time) ([]message.AgentMessage, error) {
	if !message.IsValidRole(agent) {
		return nil, swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown agent role %q", agent)
	}
	msgs, err := b.readMailbox(b.outboxPath(agent))
	if err != nil {
		return nil, err
	}

	out := msgs[:0]
	for _, m := range msgs {
		if m.Time().After(since) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time().Before(out[j].Time())
	})
	return out, nil
}

// RemoveFromInbox deletes the message with the given id from the agent's
// inbox. Returns false when no such message exists.
func (b *Bus) RemoveFromInbox(agent message.Role, messageID string) (bool, error) {
	if !message.IsValidRole(agent) {
		return false, swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown agent role %q", agent)
	}
	path := b.inboxPath(agent)

	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := b.readMailbox(path)
	if err != nil {
		return false, err
	}

	kept := msgs[:0]
	removed := false
	for _, m := range msgs {
		if m.ID == messageID {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	if !removed {
		return false, nil
	}
	return true, b.writeMailbox(path, kept)
}

// ClearInbox empties the agent's inbox.
func (b *Bus) ClearInbox(agent message.Role) error {
	if !message.IsValidRole(agent) {
		return swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown agent role %q", agent)
	}
	path := b.inboxPath(agent)

	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	return b.writeMailbox(path, []message.AgentMessage{})
}

// ClearAll empties every inbox and outbox.
func (b *Bus) ClearAll() error {
	for _, role := range message.Roles {
		for _, path := range []string{b.inboxPath(role), b.outboxPath(role)} {
			lock := b.lockFor(path)
			lock.Lock()
			err := b.writeMailbox(path, []message.AgentMessage{})
			lock.Unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// === file plumbing ===

// inboxPath and outboxPath may only be called with validated roles; the
// confinement check in mailboxPath is a second line of defense.
func (b *Bus) inboxPath(role message.Role) string {
	return b.mailboxPath("inbox", role)
}

func (b *Bus) outboxPath(role message.Role) string {
	return b.mailboxPath("outbox", role)
}

func (b *Bus) mailboxPath(sub string, role message.Role) string {
	path := filepath.Join(b.root, sub, string(role)+".json")
	if !strings.HasPrefix(filepath.Clean(path), b.root+string(filepath.Separator)) {
		// Unreachable when role validation holds.
		panic(fmt.Sprintf("mailbox path %q escapes root %q", path, b.root))
	}
	return path
}

func (b *Bus) appendTo(path string, m message.AgentMessage) error {
	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := b.readMailbox(path)
	if err != nil {
		return err
	}
	return b.writeMailbox(path, append(msgs, m))
}

// readMailbox loads a mailbox file. Missing files read as empty; malformed
// entries are skipped with a warning but left in the file.
func (b *Bus) readMailbox(path string) ([]message.AgentMessage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is confined under the messages root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "read mailbox", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn(log.CatMailbox, "mailbox file is not a JSON array, treating as empty",
			"path", path, "error", err)
		return nil, nil
	}

	msgs := make([]message.AgentMessage, 0, len(raw))
	for i, entry := range raw {
		var m message.AgentMessage
		if err := json.Unmarshal(entry, &m); err != nil {
			log.Warn(log.CatMailbox, "skipping malformed mailbox entry",
				"path", path, "index", i, "error", err)
			continue
		}
		if err := m.Validate(); err != nil {
			log.Warn(log.CatMailbox, "skipping invalid mailbox entry",
				"path", path, "index", i, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// writeMailbox serializes msgs to a sibling temp file and renames it over
// the target. A rename failure leaves the original intact.
func (b *Bus) writeMailbox(path string, msgs []message.AgentMessage) error {
	if msgs == nil {
		msgs = []message.AgentMessage{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeSystemError, component, "serialize mailbox", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "create mailbox temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "write mailbox temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "sync mailbox temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "close mailbox temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return swarmerr.Wrap(swarmerr.CodeFilesystemError, component, "rename mailbox temp file", err)
	}
	return nil
}

// lockFor returns the in-process mutex serializing read-modify-write on one
// mailbox file, keyed by absolute path.
func (b *Bus) lockFor(path string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[path] = lock
	}
	return lock
}
