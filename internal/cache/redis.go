package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hondana:"

// RedisStore keeps the cache index and entry metadata in redis. Bodies live
// inline in redis unless a BlobStore is configured.
type RedisStore struct {
	client *redis.Client
	blobs  BlobStore
	prefix string
}

func NewRedisStore(client *redis.Client, blobs BlobStore) *RedisStore {
	return &RedisStore{client: client, blobs: blobs, prefix: defaultRedisPrefix}
}

func (s *RedisStore) Get(ctx context.Context, cacheName, key string) (Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.entryKey(cacheName, key)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(vals) == 0 {
		return Entry{}, ErrNotFound
	}

	status, err := strconv.Atoi(vals["status"])
	if err != nil {
		return Entry{}, err
	}
	var header http.Header
	if raw := vals["header"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &header); err != nil {
			return Entry{}, err
		}
	}
	entry := Entry{
		Status:   status,
		Header:   header,
		StoredAt: parseUnixNano(vals["stored_at"]),
	}

	if vals["blob"] == "1" {
		if s.blobs == nil {
			return Entry{}, errors.New("cache entry body is stored in a blob store that is not configured")
		}
		body, err := s.blobs.GetBlob(ctx, blobKey(cacheName, key))
		if err != nil {
			return Entry{}, err
		}
		entry.Body = body
		return entry, nil
	}
	entry.Body = []byte(vals["body"])
	return entry, nil
}

func (s *RedisStore) Put(ctx context.Context, cacheName, key string, entry Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"status":    strconv.Itoa(entry.Status),
		"header":    string(header),
		"stored_at": strconv.FormatInt(entry.StoredAt.UnixNano(), 10),
	}
	if s.blobs != nil {
		if err := s.blobs.PutBlob(ctx, blobKey(cacheName, key), entry.Body, entry.Header.Get("Content-Type")); err != nil {
			return err
		}
		fields["blob"] = "1"
	} else {
		fields["body"] = entry.Body
	}

	seq, err := s.client.Incr(ctx, s.seqKey(cacheName)).Result()
	if err != nil {
		return err
	}

	entryKey := s.entryKey(cacheName, key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey)
		pipe.HSet(ctx, entryKey, fields)
		pipe.ZAdd(ctx, s.orderKey(cacheName), redis.Z{Score: float64(seq), Member: key})
		pipe.HSet(ctx, s.storedKey(cacheName), key, fields["stored_at"])
		pipe.SAdd(ctx, s.namesKey(), cacheName)
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, cacheName, key string) error {
	if s.blobs != nil {
		if err := s.blobs.DeleteBlob(ctx, blobKey(cacheName, key)); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	keys := []string{s.entryKey(cacheName, key), s.orderKey(cacheName), s.storedKey(cacheName), s.namesKey()}
	return deleteScript.Run(ctx, s.client, keys, key, cacheName).Err()
}

// deleteScript removes one entry and unlists the cache once its index is
// empty, in one step so a concurrent Put cannot land in between. The
// sequence counter is kept so later inserts still order after earlier ones.
var deleteScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
if redis.call("ZCARD", KEYS[2]) == 0 then
	redis.call("SREM", KEYS[4], ARGV[2])
end
return 0
`)

func (s *RedisStore) List(ctx context.Context, cacheName string) ([]Meta, error) {
	keys, err := s.client.ZRange(ctx, s.orderKey(cacheName), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	stored, err := s.client.HMGet(ctx, s.storedKey(cacheName), keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Meta, len(keys))
	for i, k := range keys {
		out[i] = Meta{Key: k}
		if v, ok := stored[i].(string); ok {
			out[i].StoredAt = parseUnixNano(v)
		}
	}
	return out, nil
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Drop(ctx context.Context, cacheName string) error {
	keys, err := s.client.ZRange(ctx, s.orderKey(cacheName), 0, -1).Result()
	if err != nil {
		return err
	}
	if s.blobs != nil {
		for _, k := range keys {
			if err := s.blobs.DeleteBlob(ctx, blobKey(cacheName, k)); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}
	if len(keys) > 0 {
		entryKeys := make([]string, len(keys))
		for i, k := range keys {
			entryKeys[i] = s.entryKey(cacheName, k)
		}
		if err := s.client.Del(ctx, entryKeys...).Err(); err != nil {
			return err
		}
	}
	return s.dropIndex(ctx, cacheName)
}

func (s *RedisStore) dropIndex(ctx context.Context, cacheName string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.orderKey(cacheName), s.storedKey(cacheName), s.seqKey(cacheName))
		pipe.SRem(ctx, s.namesKey(), cacheName)
		return nil
	})
	return err
}

func (s *RedisStore) namesKey() string { return s.prefix + "caches" }

func (s *RedisStore) orderKey(cacheName string) string {
	return s.prefix + "cache:" + cacheName + ":order"
}

func (s *RedisStore) storedKey(cacheName string) string {
	return s.prefix + "cache:" + cacheName + ":stored"
}

func (s *RedisStore) seqKey(cacheName string) string {
	return s.prefix + "cache:" + cacheName + ":seq"
}

func (s *RedisStore) entryKey(cacheName, key string) string {
	return s.prefix + "cache:" + cacheName + ":entry:" + digest(key)
}

func blobKey(cacheName, key string) string {
	return cacheName + "/" + digest(key)
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func parseUnixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
