// Package bus implements the Message Bus contract (§4.2) over Redis Streams
// and consumer groups: XADD assigns each message a stream ID, XREADGROUP
// leases it to a consumer and starts its pending-entry clock, XACK retires
// it, and a message that is never acked surfaces in XPENDING for reclaim via
// XCLAIM. Delivery is at-least-once; ordering between messages is never
// assumed, matching §4.2 and §5.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	core "github.com/rob634/rmhgeoapi/internal/domain/core"
	"github.com/rob634/rmhgeoapi/internal/platform/logger"
)

const (
	jobsStream = "coremachine:jobs"
	tasksStream = "coremachine:tasks"
	consumerGroup = "coremachine"

	// MaxTaskDeliveries is fixed at 1 per §4.2: retries are governed by the
	// CoreMachine and persistent task state, never by broker redelivery.
	MaxTaskDeliveries = 1
)

// Bus is the CoreMachine's view of the message transport: publish and
// consume for both message kinds, plus the reclaim operation the Janitor's
// bus-reclaim sweep drives.
type Bus interface {
	PublishJobsMessage(ctx context.Context, msg core.JobsMessage) error
	PublishTaskMessages(ctx context.Context, msgs []core.TaskMessage) error
	ConsumeJobsMessages(ctx context.Context, consumerName string, handler func(context.Context, core.JobsMessage) error) error
	ConsumeTaskMessages(ctx context.Context, consumerName string, handler func(context.Context, core.TaskMessage) error) error
	ReclaimStaleTaskMessages(ctx context.Context, consumerName string, minIdle time.Duration) (reclaimed int, deadLettered int, err error)
	Close() error
}

type redisBus struct {
	rdb            *goredis.Client
	log            *logger.Logger
	batchThreshold int
}

// NewRedisBus connects to Redis and ensures both consumer groups exist.
// batchThreshold mirrors §4.3.5's default of 50: PublishTaskMessages chunks
// fan-outs larger than this into multiple XADD round-trips via a pipeline.
func NewRedisBus(rdb *goredis.Client, baseLog *logger.Logger, batchThreshold int) (Bus, error) {
	if batchThreshold <= 0 {
		batchThreshold = 50
	}
	b := &redisBus{rdb: rdb, log: baseLog.With("component", "RedisBus"), batchThreshold: batchThreshold}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ensureGroup(ctx, jobsStream); err != nil {
		return nil, err
	}
	if err := b.ensureGroup(ctx, tasksStream); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *redisBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("bus: create consumer group for %s: %w", stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (b *redisBus) PublishJobsMessage(ctx context.Context, msg core.JobsMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal JobsMessage: %w", err)
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: jobsStream,
		Values: map[string]interface{}{"payload": raw},
	}).Err()
}

// PublishTaskMessages pipelines the XADDs in chunks of at most
// batchThreshold messages, one pipeline round-trip per chunk (§4.3.5); a
// fan-out at or below the threshold goes out as a single pipeline.
func (b *redisBus) PublishTaskMessages(ctx context.Context, msgs []core.TaskMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	chunkSize := len(msgs)
	if chunkSize > b.batchThreshold {
		chunkSize = b.batchThreshold
	}
	for start := 0; start < len(msgs); start += chunkSize {
		end := start + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		pipe := b.rdb.Pipeline()
		for _, msg := range msgs[start:end] {
			raw, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("bus: marshal TaskMessage: %w", err)
			}
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: tasksStream,
				Values: map[string]interface{}{"payload": raw},
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("bus: publish task batch: %w", err)
		}
	}
	return nil
}

// ConsumeJobsMessages blocks reading jobsStream via XREADGROUP until ctx is
// canceled. Each message is acked only after handler returns nil; handler
// errors leave the message in the jobs stream's pending-entries list, which
// ReclaimStaleTaskMessages does not inspect, so it is not redelivered.
func (b *redisBus) ConsumeJobsMessages(ctx context.Context, consumerName string, handler func(context.Context, core.JobsMessage) error) error {
	return b.consume(ctx, jobsStream, consumerName, func(ctx context.Context, payload []byte) error {
		var msg core.JobsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.log.Warn("bus: dropping unparseable JobsMessage", "error", err)
			return nil
		}
		return handler(ctx, msg)
	})
}

func (b *redisBus) ConsumeTaskMessages(ctx context.Context, consumerName string, handler func(context.Context, core.TaskMessage) error) error {
	return b.consume(ctx, tasksStream, consumerName, func(ctx context.Context, payload []byte) error {
		var msg core.TaskMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.log.Warn("bus: dropping unparseable TaskMessage", "error", err)
			return nil
		}
		return handler(ctx, msg)
	})
}

func (b *redisBus) consume(ctx context.Context, stream, consumerName string, handle func(context.Context, []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("bus: XReadGroup failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, str := range res {
			for _, m := range str.Messages {
				payload, _ := m.Values["payload"].(string)
				if err := handle(ctx, []byte(payload)); err != nil {
					b.log.Warn("bus: handler failed, leaving message pending", "stream", stream, "id", m.ID, "error", err)
					continue
				}
				if err := b.rdb.XAck(ctx, stream, consumerGroup, m.ID).Err(); err != nil {
					b.log.Warn("bus: XAck failed", "stream", stream, "id", m.ID, "error", err)
				}
			}
		}
	}
}

// ReclaimStaleTaskMessages inspects tasksStream's pending-entries list via
// XPENDING, claims entries idle longer than minIdle via XCLAIM, and
// dead-letters any that have already been delivered MaxTaskDeliveries times
// (publishing to tasksStream+":dead" and acking the original so it leaves
// the pending list). Only tasksStream is inspected; the jobs stream's
// pending entries are left as they are.
func (b *redisBus) ReclaimStaleTaskMessages(ctx context.Context, consumerName string, minIdle time.Duration) (int, int, error) {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: tasksStream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   minIdle,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("bus: XPENDING: %w", err)
	}

	var reclaimed, deadLettered int
	for _, p := range pending {
		if p.RetryCount >= int64(MaxTaskDeliveries) {
			if err := b.deadLetter(ctx, p.ID); err != nil {
				b.log.Warn("bus: dead-letter failed", "id", p.ID, "error", err)
				continue
			}
			deadLettered++
			continue
		}
		claimedMsgs, err := b.rdb.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   tasksStream,
			Group:    consumerGroup,
			Consumer: consumerName,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			b.log.Warn("bus: XCLAIM failed", "id", p.ID, "error", err)
			continue
		}
		reclaimed += len(claimedMsgs)
	}
	return reclaimed, deadLettered, nil
}

func (b *redisBus) deadLetter(ctx context.Context, id string) error {
	msgs, err := b.rdb.XRange(ctx, tasksStream, id, id).Result()
	if err != nil {
		return err
	}
	if len(msgs) == 1 {
		if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: tasksStream + ":dead",
			Values: msgs[0].Values,
		}).Err(); err != nil {
			return err
		}
	}
	return b.rdb.XAck(ctx, tasksStream, consumerGroup, id).Err()
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
