package session

import (
	"context"
	"errors"
	"sync"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/transport"
)

// Scope is everything tied to one open project: its board, its chat and the
// pollers that keep them fresh.
type Scope struct {
	ProjectID string
	Board     *tasks.Store
	Chat      *messages.Chat

	boardPoller *transport.Poller
	chatPoller  *transport.Poller

	ctx    context.Context
	cancel context.CancelFunc
}

func newScope(s *Session, projectID string) (*Scope, error) {
	o := s.opts
	board, err := tasks.NewStore(tasks.Options{
		ProjectID:      projectID,
		UserID:         o.UserID,
		ClientID:       o.ClientID,
		API:            o.Tasks,
		Push:           o.Channel,
		Validator:      o.Validator,
		Clock:          o.Clock,
		Logger:         o.Logger,
		Window:         o.Window,
		MaxAttempts:    o.MaxAttempts,
		RetryBaseDelay: o.RetryBaseDelay,
		RetryMaxDelay:  o.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}
	chat, err := messages.NewChat(messages.Options{
		ProjectID:      projectID,
		UserID:         o.UserID,
		ClientID:       o.ClientID,
		API:            o.Messages,
		Push:           o.Channel,
		Validator:      o.Validator,
		Clock:          o.Clock,
		Logger:         o.Logger,
		Directory:      o.Directory,
		Window:         o.Window,
		MaxAttempts:    o.MaxAttempts,
		RetryBaseDelay: o.RetryBaseDelay,
		RetryMaxDelay:  o.RetryMaxDelay,
	})
	if err != nil {
		board.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sc := &Scope{
		ProjectID: projectID,
		Board:     board,
		Chat:      chat,
		ctx:       ctx,
		cancel:    cancel,
	}
	sc.boardPoller = transport.NewPoller(transport.PollerOptions{
		Name:        "tasks:" + projectID,
		Interval:    o.PollInterval,
		JitterRatio: o.JitterRatio,
		Refresh:     board.Refresh,
		Clock:       o.Clock,
		Logger:      o.Logger,
	})
	sc.chatPoller = transport.NewPoller(transport.PollerOptions{
		Name:        "messages:" + projectID,
		Interval:    o.PollInterval,
		JitterRatio: o.JitterRatio,
		Refresh:     chat.Refresh,
		Clock:       o.Clock,
		Logger:      o.Logger,
	})
	return sc, nil
}

func (sc *Scope) Rooms() []string {
	return []string{sc.Board.Room(), sc.Chat.Room()}
}

func (sc *Scope) Pollers() []*transport.Poller {
	return []*transport.Poller{sc.boardPoller, sc.chatPoller}
}

// Context ends when the scope is exited.
func (sc *Scope) Context() context.Context { return sc.ctx }

// Refresh refreshes board and chat concurrently through their pollers, so a
// tick already in flight is joined rather than repeated.
func (sc *Scope) Refresh(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, p := range sc.Pollers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.RefreshNow(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ComposeStart pauses polling while the user writes; ComposeEnd resumes it
// with an immediate refresh.
func (sc *Scope) ComposeStart() {
	for _, p := range sc.Pollers() {
		p.ComposeStart()
	}
}

func (sc *Scope) ComposeEnd() {
	for _, p := range sc.Pollers() {
		p.ComposeEnd()
	}
}

func (sc *Scope) Visibility(visible bool) {
	for _, p := range sc.Pollers() {
		p.Visibility(visible)
	}
}

func (sc *Scope) Focus(focused bool) {
	for _, p := range sc.Pollers() {
		p.Focus(focused)
	}
}

func (sc *Scope) start() {
	for _, p := range sc.Pollers() {
		p.Start(sc.ctx)
	}
}

func (sc *Scope) stop() {
	for _, p := range sc.Pollers() {
		p.Stop()
	}
	sc.cancel()
}

func (sc *Scope) close() {
	sc.stop()
	sc.Board.Close()
	sc.Chat.Close()
}
