package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/push"
)

// DefaultRedisPrefix namespaces room channels on a shared Redis.
const DefaultRedisPrefix = "collabsync:room:"

type RedisOptions struct {
	Client *redis.Client
	Prefix string
	Logger logrus.FieldLogger
}

// RedisChannel is a push.Channel over Redis pub/sub. Each room maps to one
// Redis channel; every member, the sender included, receives each event.
type RedisChannel struct {
	rc       *redis.Client
	prefix   string
	log      logrus.FieldLogger
	handlers *push.Handlers

	mu     sync.Mutex
	pubsub *redis.PubSub
	rooms  map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

var _ push.Channel = (*RedisChannel)(nil)

func NewRedisChannel(ctx context.Context, opts RedisOptions) (*RedisChannel, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := opts.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &RedisChannel{
		rc:       opts.Client,
		prefix:   prefix,
		log:      logger.WithField("channel", "redis"),
		handlers: push.NewHandlers(),
		pubsub:   opts.Client.Subscribe(runCtx),
		rooms:    map[string]struct{}{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.receive(runCtx)
	return c, nil
}

func (c *RedisChannel) receive(ctx context.Context) {
	defer close(c.done)
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			room := strings.TrimPrefix(msg.Channel, c.prefix)
			if !c.subscribed(room) {
				continue
			}
			var env push.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				c.log.WithError(err).WithField("room", room).Warn("unable to parse push event")
				continue
			}
			if env.Room == "" {
				env.Room = room
			}
			c.handlers.Dispatch(env)
		}
	}
}

func (c *RedisChannel) Subscribe(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return push.ErrChannelClosed
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.pubsub.Subscribe(ctx, c.prefix+room)
}

func (c *RedisChannel) Unsubscribe(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, room)
	c.mu.Unlock()
	return c.pubsub.Unsubscribe(ctx, c.prefix+room)
}

func (c *RedisChannel) Emit(ctx context.Context, env push.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return push.ErrChannelClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.rc.Publish(ctx, c.prefix+env.Room, data).Err()
}

func (c *RedisChannel) On(event string, h push.Handler) func() {
	return c.handlers.On(event, h)
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.rooms = map[string]struct{}{}
	c.mu.Unlock()
	c.cancel()
	err := c.pubsub.Close()
	<-c.done
	return err
}

func (c *RedisChannel) subscribed(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}
