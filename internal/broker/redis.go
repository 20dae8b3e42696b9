package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries envelopes over Redis Streams: one stream per
// topic, one consumer group per subscription. XACK after handling
// gives at-least-once delivery; a consumer that dies mid-message
// leaves it pending and a restarted peer reclaims it.
type RedisBroker struct {
	client   *redis.Client
	consumer string // consumer name within groups, unique per process

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

const (
	// pollBlock mirrors the original consumer's 100 ms poll timeout.
	pollBlock = 100 * time.Millisecond

	// claimMinIdle is how long a pending message may sit on a dead
	// consumer before a peer claims it on startup.
	claimMinIdle = 30 * time.Second

	// streamMaxLen caps topic streams (approximate trim).
	streamMaxLen = 100_000
)

// NewRedisBroker connects to addr and verifies the connection.
func NewRedisBroker(ctx context.Context, addr, consumerName string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis broker: %w", err)
	}
	slog.Info("redis broker connected", "addr", addr, "consumer", consumerName)
	return &RedisBroker{client: client, consumer: consumerName}, nil
}

// Produce XADDs the envelope with its routing key.
func (b *RedisBroker) Produce(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(msg.Topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"key": msg.Key, "value": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe creates the group on each topic (from the stream start,
// the earliest-offset analog) and starts one reader goroutine.
func (b *RedisBroker) Subscribe(ctx context.Context, group string, topics []string, handler Handler) error {
	for _, topic := range topics {
		err := b.client.XGroupCreateMkStream(ctx, streamName(topic), group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", group, topic, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.claimStale(runCtx, group, topics, handler)
		b.readLoop(runCtx, group, topics, handler)
	}()
	return nil
}

func (b *RedisBroker) readLoop(ctx context.Context, group string, topics []string, handler Handler) {
	streams := make([]string, 0, len(topics)*2)
	for _, t := range topics {
		streams = append(streams, streamName(t))
	}
	for range topics {
		streams = append(streams, ">")
	}

	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  streams,
			Count:    16,
			Block:    pollBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Warn("broker read failed", "group", group, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range res {
			topic := topicName(stream.Stream)
			for _, entry := range stream.Messages {
				b.deliver(ctx, group, topic, stream.Stream, entry, handler)
			}
		}
	}
}

// deliver decodes, hands off and acks. Malformed or unknown envelopes
// are acked too: they would never become processable.
func (b *RedisBroker) deliver(ctx context.Context, group, topic, stream string, entry redis.XMessage, handler Handler) {
	key, _ := entry.Values["key"].(string)
	raw, _ := entry.Values["value"].(string)

	env, err := DecodeEnvelope([]byte(raw))
	if err != nil {
		slog.Warn("skipping malformed envelope", "topic", topic, "id", entry.ID, "error", err)
	} else if err := handler(Message{Topic: topic, Key: key, Envelope: env}); err != nil {
		slog.Warn("message handler failed", "topic", topic, "key", key, "error", err)
	}

	if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("ack failed", "topic", topic, "id", entry.ID, "error", err)
	}
}

// claimStale adopts messages left pending by dead consumers.
func (b *RedisBroker) claimStale(ctx context.Context, group string, topics []string, handler Handler) {
	for _, topic := range topics {
		stream := streamName(topic)
		start := "0-0"
		for {
			msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: b.consumer,
				MinIdle:  claimMinIdle,
				Start:    start,
				Count:    64,
			}).Result()
			if err != nil || len(msgs) == 0 {
				break
			}
			for _, entry := range msgs {
				b.deliver(ctx, group, topic, stream, entry, handler)
			}
			if next == "0-0" {
				break
			}
			start = next
		}
	}
}

// Close stops all subscriptions and the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.client.Close()
}

func streamName(topic string) string { return "taskgrid:" + topic }

func topicName(stream string) string {
	const prefix = "taskgrid:"
	if len(stream) > len(prefix) && stream[:len(prefix)] == prefix {
		return stream[len(prefix):]
	}
	return stream
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
