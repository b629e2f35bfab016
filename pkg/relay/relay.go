// Package relay fans operations out between server processes over Redis
// pub/sub. Each document has its own channel; a process ignores messages it
// published itself.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/seqtext/pkg/op"
)

const channelPrefix = "seqtext:doc:"

func Channel(doc string) string {
	return channelPrefix + doc
}

type envelope struct {
	Origin string       `json:"origin"`
	Op     op.Operation `json:"op"`
}

type Relay struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

// Dial connects to addr and checks the server responds.
func Dial(ctx context.Context, addr, origin string) (*Relay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return New(client, origin), nil
}

// New wraps an existing client. origin identifies this process.
func New(client *redis.Client, origin string) *Relay {
	return &Relay{
		client: client,
		origin: origin,
		logger: slog.Default().With("relay", origin),
	}
}

func (r *Relay) Publish(ctx context.Context, doc string, o op.Operation) error {
	raw, err := json.Marshal(envelope{Origin: r.origin, Op: o})
	if err != nil {
		return fmt.Errorf("failed to encode op: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(doc), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(doc), err)
	}
	return nil
}

// Run subscribes to every document channel and calls deliver for each
// operation published by another process. It blocks until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver func(doc string, o op.Operation)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Info("subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "err", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, channelPrefix), env.Op)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) Close() error {
	return r.client.Close()
}
