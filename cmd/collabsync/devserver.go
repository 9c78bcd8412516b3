package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/collabsync/internal/config"
	"github.com/agentworkforce/collabsync/internal/devapi"
	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/transport"
)

type devServerOptions struct {
	Addr string
	Seed string
}

func newDevServerCommand(root *rootOptions) *cobra.Command {
	opts := &devServerOptions{}
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory API and push server for local development",
		Long: "devserver serves the REST routes and the websocket push hub from memory and\n" +
			"prints a bearer token for every configured user. With redis push configured,\n" +
			"every change is also published to Redis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.DevServer.Addr = opts.Addr
			}
			if cmd.Flags().Changed("seed") {
				cfg.DevServer.Seed = strings.TrimSpace(opts.Seed)
			}
			return runDevServer(cmd.Context(), cfg, root.log, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (COLLABSYNC_DEV_ADDR)")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "fill this project with sample data (COLLABSYNC_DEV_SEED)")
	return cmd
}

func runDevServer(ctx context.Context, cfg config.Config, logger *logrus.Logger, out io.Writer) error {
	dev := cfg.DevServer
	if len(dev.Users) == 0 {
		return errors.New("at least one dev user is required (COLLABSYNC_DEV_USERS)")
	}
	auth := devapi.NewAuth([]byte(dev.Secret), dev.Issuer)
	backend := devapi.NewBackend(devapi.BackendOptions{
		Logger:    logger,
		Directory: directory(dev.Users),
	})

	var mirrors []push.Emitter
	if cfg.Push.Mode == config.PushRedis {
		redisOpts, err := cfg.RedisOptions()
		if err != nil {
			return err
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		ch, err := transport.NewRedisChannel(ctx, transport.RedisOptions{Client: rc, Prefix: cfg.Push.RedisPrefix, Logger: logger})
		if err != nil {
			return err
		}
		defer ch.Close()
		mirrors = append(mirrors, ch)
	}
	srv := devapi.NewServer(devapi.ServerConfig{Backend: backend, Auth: auth, Mirrors: mirrors, Logger: logger})

	for _, user := range dev.Users {
		token, err := auth.IssueToken(user, dev.TokenTTL)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", user, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", user, token)
	}
	if dev.Seed != "" {
		if err := seedProject(ctx, backend, dev.Seed, dev.Users); err != nil {
			return fmt.Errorf("seed %s: %w", dev.Seed, err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(dev.Addr) }()
	logger.WithField("addr", dev.Addr).Info("devserver listening")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// directory maps lower-cased handles to ids; dev users are their own handle.
func directory(users []string) map[string]string {
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[strings.ToLower(u)] = u
	}
	return out
}

// seedProject fills projectID with a few tasks across the board and a short
// thread, so a fresh watch has something to show.
func seedProject(ctx context.Context, b *devapi.Backend, projectID string, users []string) error {
	owner := b.As(users[0], "devserver")
	other := owner
	if len(users) > 1 {
		other = b.As(users[1], "devserver")
	}
	assignee := users[len(users)-1]
	for _, in := range []tasks.CreateInput{
		{Title: "Write the release notes", Priority: tasks.PriorityHigh, AssigneeID: assignee},
		{Title: "Fix flaky login test", Status: tasks.StatusInProgress, Priority: tasks.PriorityUrgent},
		{Title: "Set up the project", Status: tasks.StatusDone, Priority: tasks.PriorityLow},
	} {
		if _, err := owner.CreateTask(ctx, projectID, in, ""); err != nil {
			return err
		}
	}
	root, err := owner.SendMessage(ctx, projectID, messages.SendInput{Content: "Welcome! Release is planned for Friday."}, "")
	if err != nil {
		return err
	}
	_, err = other.SendMessage(ctx, projectID, messages.SendInput{
		Content:  fmt.Sprintf("Thanks @%s, on it.", users[0]),
		ParentID: root.ID,
	}, "")
	return err
}
