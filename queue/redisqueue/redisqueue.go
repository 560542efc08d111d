// Package redisqueue is a redis backed implementation of queue.Backend.
// Ready messages sit in a sorted set scored by availability, leased
// messages in a second sorted set scored by lease expiry.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "billing:queue"

var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[4], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[3], id)
		redis.call('HSET', KEYS[3], id, ARGV[4])
		table.insert(out, body)
	end
end
return out
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

var moveScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

type envelope struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (e envelope) message() queue.Message {
	return queue.Message{
		ID:         e.ID,
		Topic:      e.Topic,
		Payload:    append([]byte(nil), e.Payload...),
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		EnqueuedAt: e.EnqueuedAt,
	}
}

type Queue struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	Now    func() time.Time
}

func New(client redis.UniversalClient, prefix string, lease time.Duration) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisqueue: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Queue{client: client, prefix: prefix, lease: lease}, nil
}

func (q *Queue) Send(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	if err := queue.ValidateTopic(topic); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	item := envelope{
		ID:         uuid.NewString(),
		Topic:      strings.TrimSpace(topic),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now,
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redisqueue: encode message: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messagesKey(), item.ID, body)
		pipe.ZAdd(ctx, q.readyKey(item.Topic), redis.Z{Score: score(now.Add(delay)), Member: item.ID})
		return nil
	})
	return err
}

func (q *Queue) Receive(ctx context.Context, topic string, max int) ([]queue.Delivery, error) {
	if err := queue.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	topic = strings.TrimSpace(topic)
	now := q.now()
	token := uuid.NewString()
	bodies, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey(topic), q.leasedKey(topic), q.leasesKey(), q.messagesKey()},
		now.UnixMilli(), max, now.Add(q.lease).UnixMilli(), token,
	).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]queue.Delivery, 0, len(bodies))
	for _, body := range bodies {
		var item envelope
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, fmt.Errorf("redisqueue: decode message: %w", err)
		}
		out = append(out, &delivery{queue: q, item: item, token: token})
	}
	return out, nil
}

// Depth reports how many messages wait on topic, leased ones included.
func (q *Queue) Depth(ctx context.Context, topic string) (int64, error) {
	topic = strings.TrimSpace(topic)
	ready, err := q.client.ZCard(ctx, q.readyKey(topic)).Result()
	if err != nil {
		return 0, err
	}
	leased, err := q.client.ZCard(ctx, q.leasedKey(topic)).Result()
	if err != nil {
		return 0, err
	}
	return ready + leased, nil
}

func (q *Queue) move(ctx context.Context, d *delivery, target envelope, availableAt time.Time) error {
	body, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("redisqueue: encode message: %w", err)
	}
	moved, err := moveScript.Run(ctx, q.client,
		[]string{q.leasedKey(d.item.Topic), q.leasesKey(), q.messagesKey(), q.readyKey(target.Topic)},
		d.item.ID, d.token, body, availableAt.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return fmt.Errorf("redisqueue: lease for message %s is no longer held", d.item.ID)
	}
	return nil
}

func (q *Queue) readyKey(topic string) string {
	return q.prefix + ":ready:" + topic
}

func (q *Queue) leasedKey(topic string) string {
	return q.prefix + ":leased:" + topic
}

func (q *Queue) leasesKey() string {
	return q.prefix + ":leases"
}

func (q *Queue) messagesKey() string {
	return q.prefix + ":messages"
}

func (q *Queue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func score(at time.Time) float64 {
	return float64(at.UnixMilli())
}

type delivery struct {
	queue *Queue
	item  envelope
	token string
}

func (d *delivery) Message() queue.Message {
	return d.item.message()
}

func (d *delivery) Ack(ctx context.Context) error {
	acked, err := ackScript.Run(ctx, d.queue.client,
		[]string{d.queue.leasedKey(d.item.Topic), d.queue.leasesKey(), d.queue.messagesKey()},
		d.item.ID, d.token,
	).Int()
	if err != nil {
		return err
	}
	if acked == 0 {
		return fmt.Errorf("redisqueue: lease for message %s is no longer held", d.item.ID)
	}
	return nil
}

func (d *delivery) Retry(ctx context.Context, delay time.Duration, cause error) error {
	if delay < 0 {
		delay = 0
	}
	next := d.item
	next.Attempts++
	next.LastError = errorText(cause)
	return d.queue.move(ctx, d, next, d.queue.now().Add(delay))
}

func (d *delivery) DeadLetter(ctx context.Context, cause error) error {
	next := d.item
	next.Attempts++
	next.LastError = errorText(cause)
	next.Topic = queue.DeadLetterTopic(d.item.Topic)
	return d.queue.move(ctx, d, next, d.queue.now())
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Backend = (*Queue)(nil)
