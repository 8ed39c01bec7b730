package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mapforge/geoflow/internal/logger"
)

const (
	streamPrefix = "geoflow:"
	deadSuffix   = ":dead"
	bodyField    = "body"
)

type RedisOptions struct {
	Addr string
	// MaxDeliveries is how many times a message is handed to consumers
	// before it moves to the dead-letter stream.
	MaxDeliveries int
	// ReclaimIdle is the pending-entry age after which another consumer may
	// claim a message (crashed-worker recovery).
	ReclaimIdle time.Duration
	// Block bounds each blocking read so consumer loops observe context
	// cancellation promptly.
	Block time.Duration
}

type redisBroker struct {
	log  *logger.Logger
	rdb  *goredis.Client
	opts RedisOptions
}

func NewRedisBroker(log *logger.Logger, opts RedisOptions) (Broker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if opts.Addr == "" {
		opts.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBroker{
		log:  log.With("service", "RedisBroker"),
		rdb:  rdb,
		opts: opts,
	}, nil
}

// NewRedisBrokerWithClient wraps an existing client. Used by tests that run
// against miniredis.
func NewRedisBrokerWithClient(log *logger.Logger, rdb *goredis.Client, opts RedisOptions) Broker {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &redisBroker{
		log:  log.With("service", "RedisBroker"),
		rdb:  rdb,
		opts: opts,
	}
}

func streamName(queue Queue) string { return streamPrefix + string(queue) }

func (b *redisBroker) Publish(ctx context.Context, queue Queue, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamName(queue),
		Values: map[string]interface{}{bodyField: string(raw)},
	}).Err()
}

func (b *redisBroker) Consume(ctx context.Context, queue Queue, group, consumer string, fn Handler) error {
	stream := streamName(queue)
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	log := b.log.With("queue", string(queue), "group", group, "consumer", consumer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.reclaimPending(ctx, stream, group, consumer, fn, log); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Reclaim pass failed", "error", err)
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    b.opts.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn("XREADGROUP failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, stream, group, msg, fn, log)
			}
		}
	}
}

func (b *redisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *redisBroker) handleMessage(ctx context.Context, stream, group string, msg goredis.XMessage, fn Handler, log *logger.Logger) {
	body, ok := msg.Values[bodyField].(string)
	if !ok {
		log.Warn("Message missing body field, acking", "message_id", msg.ID)
		_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
		return
	}
	if err := fn(ctx, []byte(body)); err != nil {
		// Left pending; the reclaim pass redelivers it after ReclaimIdle.
		log.Warn("Handler failed, message left pending", "message_id", msg.ID, "error", err)
		return
	}
	_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
}

// reclaimPending claims messages another consumer left pending for longer
// than ReclaimIdle and either retries them or, past MaxDeliveries, moves
// them to the dead-letter stream.
func (b *redisBroker) reclaimPending(ctx context.Context, stream, group, consumer string, fn Handler, log *logger.Logger) error {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   b.opts.ReclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	}
	for _, p := range pending {
		claimed, err := b.rdb.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.opts.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return err
		}
		for _, msg := range claimed {
			if p.RetryCount >= int64(b.opts.MaxDeliveries) {
				b.deadLetter(ctx, stream, group, msg, log)
				continue
			}
			b.handleMessage(ctx, stream, group, msg, fn, log)
		}
	}
	return nil
}

func (b *redisBroker) deadLetter(ctx context.Context, stream, group string, msg goredis.XMessage, log *logger.Logger) {
	log.Warn("Delivery budget exhausted, dead-lettering", "message_id", msg.ID)
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream + deadSuffix,
		Values: msg.Values,
	}).Err(); err != nil {
		log.Error("Failed to write dead-letter entry", "message_id", msg.ID, "error", err)
		return
	}
	_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
}

func (b *redisBroker) Close() error {
	return b.rdb.Close()
}
