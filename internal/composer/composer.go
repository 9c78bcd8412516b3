// Package composer sends chat drafts written as files. While any "*.draft"
// file exists the user counts as composing: polling is paused and a typing
// signal is broadcast. A "*.md" file is sent once it stops changing;
// "reply-<messageID>.md" replies into that message's thread.
package composer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/messages"
)

const (
	DraftSuffix  = ".draft"
	SendSuffix   = ".md"
	FailedSuffix = ".failed"
	replyPrefix  = "reply-"

	DefaultSettle = 500 * time.Millisecond
)

// Sender posts messages; *messages.Chat implements it.
type Sender interface {
	Send(ctx context.Context, in messages.SendInput) (messages.Message, error)
	Reply(ctx context.Context, parentID string, in messages.SendInput) (messages.Message, error)
	StartTyping(ctx context.Context, threadID string) error
	StopTyping(ctx context.Context, threadID string) error
}

// Pauser holds polling while the user composes; *session.Scope implements
// it.
type Pauser interface {
	ComposeStart()
	ComposeEnd()
}

type Options struct {
	Dir    string
	Sender Sender
	Pauser Pauser
	// Settle is how long a ready file must stay unchanged before it is sent.
	Settle time.Duration
	Clock  clock.Clock
	Logger logrus.FieldLogger
}

type Composer struct {
	dir    string
	sender Sender
	pauser Pauser
	settle time.Duration
	clock  clock.Clock
	log    logrus.FieldLogger

	mu       sync.Mutex
	drafting map[string]struct{}
	timers   map[string]clock.Timer
	sent     int
	ctx      context.Context
}

func New(opts Options) (*Composer, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("drafts directory is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("sender is required")
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Composer{
		dir:      opts.Dir,
		sender:   opts.Sender,
		pauser:   opts.Pauser,
		settle:   settle,
		clock:    clock.OrSystem(opts.Clock),
		log:      logger.WithField("drafts", opts.Dir),
		drafting: map[string]struct{}{},
		timers:   map[string]clock.Timer{},
		ctx:      context.Background(),
	}, nil
}

// Run watches the drafts directory until ctx ends. Files already present
// are picked up first.
func (c *Composer) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create drafts watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	defer c.stopTimers()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			c.touched(entry.Name())
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				c.touched(name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				c.removed(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.WithError(err).Warn("drafts watcher error")
		}
	}
}

// Drafting lists the drafts currently open.
func (c *Composer) Drafting() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.drafting))
	for name := range c.drafting {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sent reports how many drafts have been sent.
func (c *Composer) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Composer) touched(name string) {
	switch {
	case strings.HasPrefix(name, "."):
	case strings.HasSuffix(name, DraftSuffix):
		c.draftOpened(name)
	case strings.HasSuffix(name, SendSuffix):
		c.schedule(name)
	}
}

func (c *Composer) removed(name string) {
	if strings.HasSuffix(name, DraftSuffix) {
		c.draftClosed(name)
	}
}

func (c *Composer) draftOpened(name string) {
	c.mu.Lock()
	_, open := c.drafting[name]
	first := len(c.drafting) == 0
	c.drafting[name] = struct{}{}
	ctx := c.ctx
	c.mu.Unlock()
	if open {
		return
	}
	if first && c.pauser != nil {
		c.pauser.ComposeStart()
	}
	if err := c.sender.StartTyping(ctx, threadOf(name, DraftSuffix)); err != nil {
		c.log.WithError(err).WithField("draft", name).Debug("typing signal failed")
	}
}

func (c *Composer) draftClosed(name string) {
	c.mu.Lock()
	_, open := c.drafting[name]
	delete(c.drafting, name)
	last := open && len(c.drafting) == 0
	ctx := c.ctx
	c.mu.Unlock()
	if !open {
		return
	}
	if err := c.sender.StopTyping(ctx, threadOf(name, DraftSuffix)); err != nil {
		c.log.WithError(err).WithField("draft", name).Debug("typing signal failed")
	}
	if last && c.pauser != nil {
		c.pauser.ComposeEnd()
	}
}

// schedule (re)arms the settle timer for a ready file.
func (c *Composer) schedule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.timers[name]; t != nil {
		t.Stop()
	}
	c.timers[name] = c.clock.AfterFunc(c.settle, func() {
		c.mu.Lock()
		delete(c.timers, name)
		ctx := c.ctx
		c.mu.Unlock()
		if err := c.SendFile(ctx, filepath.Join(c.dir, name)); err != nil {
			c.log.WithError(err).WithField("file", name).Warn("draft send failed")
		}
	})
}

func (c *Composer) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range c.timers {
		t.Stop()
		delete(c.timers, name)
	}
}

// SendFile sends the content of path and removes the file. A file that
// fails to send is renamed with a ".failed" suffix so it is not retried on
// every write; empty files are removed without sending.
func (c *Composer) SendFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return os.Remove(path)
	}
	in := messages.SendInput{Content: content}
	name := filepath.Base(path)
	var msg messages.Message
	if parentID := threadOf(name, SendSuffix); parentID != "" {
		msg, err = c.sender.Reply(ctx, parentID, in)
	} else {
		msg, err = c.sender.Send(ctx, in)
	}
	if err != nil {
		if renameErr := os.Rename(path, path+FailedSuffix); renameErr != nil {
			c.log.WithError(renameErr).WithField("file", name).Warn("could not park failed draft")
		}
		return err
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"file": name, "message": msg.ID}).Info("draft sent")
	return os.Remove(path)
}

// threadOf returns the message id named by a "reply-<id>" file, or "".
func threadOf(name, suffix string) string {
	base := strings.TrimSuffix(name, suffix)
	if !strings.HasPrefix(base, replyPrefix) {
		return ""
	}
	return strings.TrimPrefix(base, replyPrefix)
}
