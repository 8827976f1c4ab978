package mailbox

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/message"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// PollOptions shape a Poll wait.
type PollOptions struct {
	// Timeout bounds the whole wait. Zero uses the default (30 s).
	Timeout time.Duration
	// Interval is the fallback re-read cadence when no filesystem event
	// arrives. Zero uses the default (500 ms).
	Interval time.Duration
	// Predicate selects the message to return. Nil matches any message.
	Predicate func(message.AgentMessage) bool
}

const (
	defaultPollTimeout  = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Poll waits for a message in the agent's inbox matching the predicate and
// returns it, or nil when the timeout elapses. A filesystem watcher wakes
// the poll early on inbox writes; the interval re-read covers editors and
// filesystems that rename without emitting an event for the watched name.
func (b *Bus) Poll(ctx context.Context, agent message.Role, opts PollOptions) (*message.AgentMessage, error) {
	if !message.IsValidRole(agent) {
		return nil, swarmerr.Newf(swarmerr.CodeInvalidArgs, component, "unknown agent role %q", agent)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPollTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}

	inbox := b.inboxPath(agent)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: renames replace the file inode, so watching
		// the file itself would go stale after the first atomic write.
		if werr := watcher.Add(filepath.Dir(inbox)); werr != nil {
			log.Warn(log.CatMailbox, "inbox watch failed, falling back to interval polling",
				"agent", agent, "error", werr)
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		log.Warn(log.CatMailbox, "fsnotify unavailable, falling back to interval polling",
			"error", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close() //nolint:errcheck
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		msgs, err := b.ReadInbox(agent, nil)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if opts.Predicate == nil || opts.Predicate(m) {
				found := m
				return &found, nil
			}
		}

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			// Only this agent's inbox file is interesting; other events
			// just cause a harmless re-read on the next loop.
			if filepath.Clean(ev.Name) != inbox {
				continue
			}
		}
	}
}
