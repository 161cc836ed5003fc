// Package persist bounds data loss without putting storage on the tick
// path: game state is marked dirty as it changes and a background worker
// writes it behind at a fixed cadence and on shutdown.
package persist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Record is the durable slice of one player: identity and position plus
// vitals. Everything else is derivable or ephemeral.
type Record struct {
	Ref      string
	Zone     int
	Instance int
	Room     int
	HP       int
	MaxHP    int
}

// Store persists records in batches. Save must be atomic per record, not
// per batch; a partial batch write is acceptable.
type Store interface {
	Save(ctx context.Context, recs []Record) error
	Load(ctx context.Context, ref string) (Record, error)
}

const playerKeyPrefix = "world:player:"

// RedisStore keeps one hash per player record.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range recs {
			pipe.HSet(ctx, playerKeyPrefix+r.Ref, map[string]any{
				"zone":     r.Zone,
				"instance": r.Instance,
				"room":     r.Room,
				"hp":       r.HP,
				"max_hp":   r.MaxHP,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %d records: %w", len(recs), err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, ref string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, playerKeyPrefix+ref).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", ref, err)
	}
	rec := Record{Ref: ref}
	if len(fields) == 0 {
		return rec, redis.Nil
	}
	rec.Zone = atoiField(fields, "zone")
	rec.Instance = atoiField(fields, "instance")
	rec.Room = atoiField(fields, "room")
	rec.HP = atoiField(fields, "hp")
	rec.MaxHP = atoiField(fields, "max_hp")
	return rec, nil
}

func atoiField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}
