// Package redissync mirrors KeyStore state across instances through Redis.
// The mirror is best-effort and never authoritative: every instance keeps
// serving from local state when Redis is unreachable. Mutations are published
// on a channel and mirrored into a hash; balance changes go through a Lua
// script so the hash arithmetic is atomic on the Redis side.
package redissync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/logger"
)

const opTimeout = 3 * time.Second

// adjustScript updates the mirrored record's balance inside the hash and
// publishes the change in one atomic step. ARGV: key, amount, op
// (deduct|topup), message.
var adjustScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
local amount = tonumber(ARGV[2])
local credits = tonumber(rec['credits']) or 0
if ARGV[3] == 'deduct' then
  if credits < amount then return 0 end
  rec['credits'] = credits - amount
else
  rec['credits'] = credits + amount
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
redis.call('PUBLISH', KEYS[2], ARGV[4])
return 1
`)

// message is the wire form of a mirrored mutation. Origin identifies the
// publishing instance so subscribers can skip their own messages.
type message struct {
	Origin string              `json:"origin"`
	Type   keystore.EventType  `json:"type"`
	Key    string              `json:"key"`
	Amount int64               `json:"amount,omitempty"`
	Record *keystore.KeyRecord `json:"record,omitempty"`
}

// Sync connects one KeyStore to the Redis mirror.
type Sync struct {
	client  *redis.Client
	store   *keystore.Store
	channel string
	hashKey string
	origin  string

	cancel context.CancelFunc
	done   chan struct{}
}

// New dials Redis. A dial or ping failure is returned to the caller, which
// logs it and continues without a mirror.
func New(url, channel, hashKey string, store *keystore.Store) (*Sync, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if channel == "" {
		channel = "paygate:events"
	}
	if hashKey == "" {
		hashKey = "paygate:keys"
	}
	return &Sync{
		client:  client,
		store:   store,
		channel: channel,
		hashKey: hashKey,
		origin:  uuid.NewString(),
		done:    make(chan struct{}),
	}, nil
}

// Start warm-loads the hash into the local store, installs the mutation hook,
// and begins applying inbound events.
func (s *Sync) Start(ctx context.Context) error {
	if err := s.warmLoad(ctx); err != nil {
		logger.Warn("redis warm load failed, continuing on local state", "error", err)
	}
	s.store.SetHook(s.onLocalMutation)

	ctx, s.cancel = context.WithCancel(ctx)
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Warn("redis subscribe failed, mirror is publish-only", "error", err)
	}
	go s.subscribeLoop(ctx, pubsub)
	return nil
}

// Stop halts the subscriber and closes the connection.
func (s *Sync) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.client.Close()
}

func (s *Sync) warmLoad(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	entries, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return err
	}
	loaded := 0
	for key, raw := range entries {
		var rec keystore.KeyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Warn("mirrored record unparsable, skipped", "key", key, "error", err)
			continue
		}
		s.store.ApplyRemote(&rec)
		loaded++
	}
	if loaded > 0 {
		logger.Info("warm-loaded keys from redis", "count", loaded)
	}
	return nil
}

// onLocalMutation mirrors a local store event out to Redis. Remote events
// came from the mirror and must not bounce back.
func (s *Sync) onLocalMutation(ev keystore.Event) {
	if ev.Remote {
		return
	}
	rec := ev.Record
	if rec == nil {
		rec = s.store.GetKeyRaw(ev.Key)
	}
	msg := message{Origin: s.origin, Type: ev.Type, Key: ev.Key, Amount: ev.Amount, Record: rec}
	payload, err := json.Marshal(&msg)
	if err != nil {
		logger.Error("mirror marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch ev.Type {
	case keystore.EventDeducted:
		s.adjust(ctx, ev.Key, ev.Amount, "deduct", payload, rec)
	case keystore.EventAdded, keystore.EventRefunded:
		s.adjust(ctx, ev.Key, ev.Amount, "topup", payload, rec)
	default:
		if rec != nil {
			raw, err := json.Marshal(rec)
			if err == nil {
				if err := s.client.HSet(ctx, s.hashKey, ev.Key, raw).Err(); err != nil {
					logger.Warn("mirror hset failed", "error", err)
				}
			}
		}
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			logger.Warn("mirror publish failed", "error", err)
		}
	}
}

// adjust runs the Lua balance script; if the record is not mirrored yet it
// falls back to a full HSET plus publish.
func (s *Sync) adjust(ctx context.Context, key string, amount int64, op string, payload []byte, rec *keystore.KeyRecord) {
	n, err := adjustScript.Run(ctx, s.client, []string{s.hashKey, s.channel},
		key, amount, op, string(payload)).Int()
	if err != nil {
		logger.Warn("mirror balance script failed", "error", err)
		return
	}
	if n == 0 && rec != nil {
		raw, err := json.Marshal(rec)
		if err == nil {
			s.client.HSet(ctx, s.hashKey, key, raw)
		}
		s.client.Publish(ctx, s.channel, payload)
	}
}

func (s *Sync) subscribeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(s.done)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			s.apply(m.Payload)
		}
	}
}

// apply merges one inbound event into the local store. ApplyRemote marks the
// resulting hook event Remote, which stops it from re-publishing.
func (s *Sync) apply(payload string) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Warn("mirror message unparsable", "error", err)
		return
	}
	if msg.Origin == s.origin {
		return
	}
	if msg.Record == nil {
		logger.Warn("mirror message without record skipped", "type", msg.Type, "key", msg.Key)
		return
	}
	s.store.ApplyRemote(msg.Record)
	logger.Debug("applied mirrored mutation", "type", msg.Type, "key", msg.Key)
}
