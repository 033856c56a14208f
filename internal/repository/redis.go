package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the repository in Redis. Row payloads are JSON blobs
// under typed key prefixes; per-user and purge indexes are sets and
// sorted sets. Encrypted columns stay ciphertext-in-hex as given.
type RedisStore struct {
	client *redis.Client
}

const (
	redisUserPrefix   = "ew:user:"
	redisUserIndex    = "ew:users"
	redisConnPrefix   = "ew:conn:"
	redisConnIndex    = "ew:conns"
	redisSnapPrefix   = "ew:snap:"
	redisSnapIndex    = "ew:snaps:" // per-user zset, score = unix nano
	redisStatusPrefix = "ew:status:"
	redisRLPrefix     = "ew:rl:"
	redisRLIndex      = "ew:rls" // zset, score = last sync unix
)

// NewRedisStore connects and pings the Redis backend.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, raw, 0).Err()
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// UpsertUser writes the user row and index entry.
func (r *RedisStore) UpsertUser(ctx context.Context, user *User) error {
	if err := r.setJSON(ctx, redisUserPrefix+user.ID, user); err != nil {
		return err
	}
	return r.client.SAdd(ctx, redisUserIndex, user.ID).Err()
}

// GetUser loads one user.
func (r *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.getJSON(ctx, redisUserPrefix+id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateConnection uses SETNX to enforce the (user, venue, label) key.
func (r *RedisStore) CreateConnection(ctx context.Context, conn *Connection) error {
	key := redisConnPrefix + strings.Join([]string{conn.UserID, conn.Venue, conn.Label}, ":")
	raw, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return r.client.SAdd(ctx, redisConnIndex, key).Err()
}

func (r *RedisStore) scanConnections(ctx context.Context, match func(*Connection) bool) ([]*Connection, error) {
	keys, err := r.client.SMembers(ctx, redisConnIndex).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	var out []*Connection
	for _, key := range keys {
		var c Connection
		if err := r.getJSON(ctx, key, &c); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if match(&c) {
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetActiveConnection finds the active row for the pair.
func (r *RedisStore) GetActiveConnection(ctx context.Context, userID, venue string) (*Connection, error) {
	conns, err := r.scanConnections(ctx, func(c *Connection) bool {
		return c.UserID == userID && c.Venue == venue && c.Active
	})
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, ErrNotFound
	}
	return conns[0], nil
}

// ListConnections returns all of one user's connections.
func (r *RedisStore) ListConnections(ctx context.Context, userID string) ([]*Connection, error) {
	return r.scanConnections(ctx, func(c *Connection) bool { return c.UserID == userID })
}

// ListActiveConnections returns every active connection.
func (r *RedisStore) ListActiveConnections(ctx context.Context) ([]*Connection, error) {
	return r.scanConnections(ctx, func(c *Connection) bool { return c.Active })
}

func redisSnapKey(userID, venue string, ts time.Time) string {
	return redisSnapPrefix + strings.Join([]string{userID, venue, ts.UTC().Format(time.RFC3339Nano)}, ":")
}

// UpsertSnapshot writes the row and the per-user time index.
func (r *RedisStore) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	key := redisSnapKey(snap.UserID, snap.Venue, snap.Timestamp)
	if err := r.setJSON(ctx, key, snap); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, redisSnapIndex+snap.UserID, redis.Z{
		Score:  float64(snap.Timestamp.UTC().UnixNano()),
		Member: key,
	}).Err()
}

// GetSnapshot loads one row.
func (r *RedisStore) GetSnapshot(ctx context.Context, userID, venue string, ts time.Time) (*Snapshot, error) {
	var s Snapshot
	if err := r.getJSON(ctx, redisSnapKey(userID, venue, ts), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSnapshots walks the per-user index newest first.
func (r *RedisStore) ListSnapshots(ctx context.Context, userID string, filter SnapshotFilter) ([]*Snapshot, error) {
	keys, err := r.client.ZRevRange(ctx, redisSnapIndex+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, key := range keys {
		var s Snapshot
		if err := r.getJSON(ctx, key, &s); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Venue != "" && s.Venue != filter.Venue {
			continue
		}
		if !filter.Start.IsZero() && s.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && s.Timestamp.After(filter.End) {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

// HasSnapshots checks the per-user index for the venue.
func (r *RedisStore) HasSnapshots(ctx context.Context, userID, venue string) (bool, error) {
	keys, err := r.client.ZRange(ctx, redisSnapIndex+userID, 0, -1).Result()
	if err != nil {
		return false, err
	}
	needle := ":" + venue + ":"
	for _, key := range keys {
		if strings.Contains(strings.TrimPrefix(key, redisSnapPrefix+userID), needle) {
			return true, nil
		}
	}
	return false, nil
}

// UpsertSyncStatus overwrites the attempt record.
func (r *RedisStore) UpsertSyncStatus(ctx context.Context, status *SyncStatus) error {
	return r.setJSON(ctx, redisStatusPrefix+status.UserID+":"+status.Venue, status)
}

// GetSyncStatus loads the attempt record.
func (r *RedisStore) GetSyncStatus(ctx context.Context, userID, venue string) (*SyncStatus, error) {
	var s SyncStatus
	if err := r.getJSON(ctx, redisStatusPrefix+userID+":"+venue, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetRateLimit loads the cooldown row.
func (r *RedisStore) GetRateLimit(ctx context.Context, userID, venue string) (*RateLimitLog, error) {
	var rl RateLimitLog
	if err := r.getJSON(ctx, redisRLPrefix+userID+":"+venue, &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

// UpsertRateLimit overwrites the cooldown row and its purge index.
func (r *RedisStore) UpsertRateLimit(ctx context.Context, entry *RateLimitLog) error {
	key := redisRLPrefix + entry.UserID + ":" + entry.Venue
	if err := r.setJSON(ctx, key, entry); err != nil {
		return err
	}
	return r.client.ZAdd(ctx, redisRLIndex, redis.Z{
		Score:  float64(entry.LastSyncTime.UTC().Unix()),
		Member: key,
	}).Err()
}

// PurgeRateLimits deletes rows past retention via the purge index.
func (r *RedisStore) PurgeRateLimits(ctx context.Context, olderThan time.Time) (int, error) {
	max := fmt.Sprintf("%d", olderThan.UTC().Unix())
	keys, err := r.client.ZRangeByScore(ctx, redisRLIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	if err := r.client.ZRemRangeByScore(ctx, redisRLIndex, "-inf", "("+max).Err(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close releases the client.
func (r *RedisStore) Close() error { return r.client.Close() }
