// Package redisbus implements the progress bus over Redis pub/sub. Events are
// ephemeral: per-job ordering comes from Redis channel semantics and nothing
// is persisted, so late subscribers recover state from the job row instead.
package redisbus

import (
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/config"
	"github.com/fairyhunter13/imageforge/internal/domain"
)

// Bus publishes and subscribes progress events on namespaced channels, one
// channel per job id.
type Bus struct {
	rdb *redis.Client
	cfg config.Config
}

// New constructs a Bus on the given Redis client.
func New(rdb *redis.Client, cfg config.Config) *Bus {
	return &Bus{rdb: rdb, cfg: cfg}
}

// Publish is fire-and-forget: failures are logged and never surfaced, so a
// terminal status commit cannot be blocked by the bus.
func (b *Bus) Publish(ctx domain.Context, ev domain.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("progress event marshal failed",
			slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	if err := b.rdb.Publish(ctx, b.cfg.ProgressChannel(ev.JobID), payload).Err(); err != nil {
		slog.Error("progress event publish failed",
			slog.String("job_id", ev.JobID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err))
		return
	}
	observability.ProgressEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
}

// Subscribe opens a subscription for one or more job ids. Events arrive on
// the returned Subscription's channel until Close.
func (b *Bus) Subscribe(ctx domain.Context, jobIDs ...string) (domain.Subscription, error) {
	channels := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		channels = append(channels, b.cfg.ProgressChannel(id))
	}
	ps := b.rdb.Subscribe(ctx, channels...)
	// Force the SUBSCRIBE round trip so ordering starts from here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan domain.ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed progress event",
					slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			out <- ev
		}
	}()
	return &subscription{ps: ps, events: out}, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan domain.ProgressEvent
}

func (s *subscription) Events() <-chan domain.ProgressEvent { return s.events }

// Close tears down the Redis subscription; the events channel closes once the
// pump drains.
func (s *subscription) Close() error { return s.ps.Close() }
