package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/collabsync/internal/composer"
	"github.com/agentworkforce/collabsync/internal/config"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/render"
	"github.com/agentworkforce/collabsync/internal/session"
	"github.com/agentworkforce/collabsync/internal/snapshot"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/transport"
)

const (
	defaultWidth = 100
	clearScreen  = "\x1b[H\x1b[2J"
	closeTimeout = 5 * time.Second
)

type watchOptions struct {
	BaseURL   string
	Token     string
	User      string
	Project   string
	Push      string
	Snapshots string
	Out       string
	Drafts    string
	Once      bool
	Quiet     bool
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a project and re-render on every change",
		Long: "watch enters a project, keeps the board, chat and notification inbox in sync\n" +
			"through push and polling, and redraws on every change. Files written to the\n" +
			"drafts directory are sent as chat messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			applyWatchFlags(cmd, opts, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runWatch(cmd.Context(), cfg, root.log, cmd.OutOrStdout(), opts.Once, !opts.Quiet)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.BaseURL, "base-url", "", "API base URL (COLLABSYNC_BASE_URL)")
	f.StringVar(&opts.Token, "token", "", "bearer token (COLLABSYNC_TOKEN)")
	f.StringVar(&opts.User, "user", "", "signed-in user id (COLLABSYNC_USER)")
	f.StringVar(&opts.Project, "project", "", "project to open (COLLABSYNC_PROJECT)")
	f.StringVar(&opts.Push, "push", "", "push transport: websocket, redis or none (COLLABSYNC_PUSH)")
	f.StringVar(&opts.Snapshots, "snapshots", "", "snapshot cache DSN (COLLABSYNC_SNAPSHOT_DSN)")
	f.StringVar(&opts.Out, "out", "", "write board.md and state.yaml here (COLLABSYNC_OUTPUT_DIR)")
	f.StringVar(&opts.Drafts, "drafts", "", "send chat drafts written here (COLLABSYNC_DRAFTS_DIR)")
	f.BoolVar(&opts.Once, "once", false, "render once and exit")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not draw the terminal view")
	return cmd
}

// applyWatchFlags overrides cfg with the flags set on the command line.
func applyWatchFlags(cmd *cobra.Command, opts *watchOptions, cfg *config.Config) {
	set := func(name string, dst *string, value string) {
		if cmd.Flags().Changed(name) {
			*dst = strings.TrimSpace(value)
		}
	}
	set("base-url", &cfg.Client.BaseURL, opts.BaseURL)
	set("token", &cfg.Client.Token, opts.Token)
	set("user", &cfg.Client.UserID, opts.User)
	set("project", &cfg.Client.ProjectID, opts.Project)
	set("push", &cfg.Push.Mode, strings.ToLower(opts.Push))
	set("snapshots", &cfg.Client.SnapshotDSN, opts.Snapshots)
	set("out", &cfg.Output.Dir, opts.Out)
	set("drafts", &cfg.Output.DraftsDir, opts.Drafts)
}

func runWatch(ctx context.Context, cfg config.Config, logger *logrus.Logger, out io.Writer, once, screen bool) error {
	c := cfg.Client
	switch {
	case c.Token == "":
		return errors.New("token is required (--token or COLLABSYNC_TOKEN)")
	case c.UserID == "":
		return errors.New("user is required (--user or COLLABSYNC_USER)")
	case c.ProjectID == "":
		return errors.New("project is required (--project or COLLABSYNC_PROJECT)")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = syncer.NewClientID()
	}
	log := logger.WithFields(logrus.Fields{"user": c.UserID, "client": clientID})

	api := transport.NewHTTPClient(c.BaseURL, c.Token, &http.Client{Timeout: c.RequestTimeout}).
		WithClientID(clientID).
		WithRetries(c.MaxRetries, 200*time.Millisecond, 5*time.Second)

	channel, closeChannel, err := openChannel(ctx, cfg, clientID, log)
	if err != nil {
		return err
	}
	defer closeChannel()

	snaps, err := snapshot.Open(c.SnapshotDSN)
	if err != nil {
		return fmt.Errorf("open snapshots: %w", err)
	}
	if snaps != nil {
		defer snaps.Close()
	}

	sess, err := session.New(ctx, session.Options{
		UserID:                   c.UserID,
		ClientID:                 clientID,
		Tasks:                    api,
		Messages:                 api,
		Notifications:            api,
		Channel:                  channel,
		Snapshots:                snaps,
		Location:                 loc,
		Logger:                   log,
		PollInterval:             cfg.Poll.Interval,
		NotificationPollInterval: cfg.Poll.NotificationInterval,
		JitterRatio:              cfg.Poll.Jitter,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.WithError(err).Warn("session close failed")
		}
	}()

	scope, err := sess.EnterProject(ctx, c.ProjectID)
	if err != nil {
		return err
	}
	if err := sess.AnnouncePresence(ctx, true); err != nil {
		log.WithError(err).Debug("presence announce failed")
	}

	r := &renderer{out: out, dir: cfg.Output.Dir, screen: screen, log: log}
	if once {
		return r.render(sess)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Output.DraftsDir != "" {
		comp, err := composer.New(composer.Options{
			Dir:    cfg.Output.DraftsDir,
			Sender: scope.Chat,
			Pauser: scope,
			Logger: log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return comp.Run(gctx) })
	}
	g.Go(func() error { return r.loop(gctx, sess, scope, cfg.Output.Refresh) })
	return g.Wait()
}

// openChannel connects the configured push transport. A websocket that
// cannot be reached leaves the session on polling alone.
func openChannel(ctx context.Context, cfg config.Config, clientID string, log logrus.FieldLogger) (push.Channel, func(), error) {
	noop := func() {}
	switch cfg.Push.Mode {
	case config.PushNone:
		return nil, noop, nil
	case config.PushRedis:
		redisOpts, err := cfg.RedisOptions()
		if err != nil {
			return nil, noop, err
		}
		rc := redis.NewClient(redisOpts)
		ch, err := transport.NewRedisChannel(ctx, transport.RedisOptions{
			Client: rc,
			Prefix: cfg.Push.RedisPrefix,
			Logger: log,
		})
		if err != nil {
			_ = rc.Close()
			return nil, noop, err
		}
		return ch, func() {
			_ = ch.Close()
			_ = rc.Close()
		}, nil
	default:
		wsURL, err := cfg.WebSocketURL()
		if err != nil {
			return nil, noop, err
		}
		ch := transport.NewWebSocketChannel(transport.WebSocketOptions{
			URL:      wsURL,
			Token:    cfg.Client.Token,
			ClientID: clientID,
			Logger:   log,
		})
		if err := ch.Connect(ctx); err != nil {
			log.WithError(err).WithField("url", wsURL).Warn("push unavailable; polling only")
			return nil, noop, nil
		}
		return ch, func() { _ = ch.Close() }, nil
	}
}

type renderer struct {
	out    io.Writer
	dir    string
	screen bool
	log    logrus.FieldLogger
}

func (r *renderer) render(sess *session.Session) error {
	f := render.Capture(sess, time.Now())
	if r.screen {
		width, isTerm := defaultWidth, false
		if file, ok := r.out.(*os.File); ok {
			if w, ok := terminalWidth(file); ok {
				width, isTerm = w, true
			}
		}
		prefix := ""
		if isTerm {
			prefix = clearScreen
		}
		if _, err := fmt.Fprintln(r.out, prefix+render.Terminal(f, width, render.DefaultStyles())); err != nil {
			return err
		}
	}
	if r.dir != "" {
		if err := render.WriteDir(r.dir, f); err != nil {
			return fmt.Errorf("write %s: %w", r.dir, err)
		}
	}
	return nil
}

// loop redraws after every view change, and at least every refresh.
func (r *renderer) loop(ctx context.Context, sess *session.Session, scope *session.Scope, refresh time.Duration) error {
	if refresh <= 0 {
		refresh = time.Minute
	}
	changed := make(chan struct{}, 1)
	sources := []func() (<-chan struct{}, func()){
		scope.Board.Subscribe,
		scope.Chat.Subscribe,
		sess.Inbox().Subscribe,
		sess.Presence().Subscribe,
	}
	for _, subscribe := range sources {
		ch, cancel := subscribe()
		defer cancel()
		go forward(ctx, ch, changed)
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		if err := r.render(sess); err != nil {
			r.log.WithError(err).Warn("render failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-ticker.C:
		}
	}
}

func forward(ctx context.Context, in <-chan struct{}, out chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}
