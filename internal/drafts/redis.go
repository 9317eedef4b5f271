package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HendryAvila/learnd/internal/learning"
)

// RedisOptions configures the Redis draft store.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string
	// Prefix namespaces every key. Default "learnd".
	Prefix string
	// TTL is the draft lifetime. Default DefaultTTL.
	TTL time.Duration
	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Redis stores drafts as JSON strings with SET .. EX, plus one set per
// scope listing its draft ids. Redis expiry is the TTL; stale set members
// are pruned when listed.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "learnd"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("drafts: parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("drafts: connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		now:    time.Now,
		logger: opts.Logger,
	}, nil
}

func (r *Redis) draftKey(refID string) string { return r.prefix + ":draft:" + refID }

func (r *Redis) scopeKey(scope learning.Scope) string { return r.prefix + ":drafts:" + scope.Key() }

// Put implements Store.
func (r *Redis) Put(ctx context.Context, d Draft) (Draft, error) {
	if d.RefID == "" {
		return Draft{}, fmt.Errorf("drafts: empty ref id")
	}
	now := r.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.ExpiresAt.IsZero() {
		d.ExpiresAt = now.Add(r.ttl)
	}
	ttl := d.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return Draft{}, fmt.Errorf("drafts: %s expired: %w", d.RefID, learning.ErrDraftNotFound)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return Draft{}, fmt.Errorf("drafts: marshal %s: %w", d.RefID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.draftKey(d.RefID), data, ttl)
	pipe.SAdd(ctx, r.scopeKey(d.Scope), d.RefID)
	pipe.Expire(ctx, r.scopeKey(d.Scope), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Draft{}, fmt.Errorf("drafts: put %s: %w", d.RefID, err)
	}
	return d, nil
}

func (r *Redis) decode(refID string, raw string) (Draft, error) {
	var d Draft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Draft{}, fmt.Errorf("drafts: decode %s: %w", refID, err)
	}
	return d, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, refID string) (Draft, error) {
	raw, err := r.client.Get(ctx, r.draftKey(refID)).Result()
	if errors.Is(err, redis.Nil) {
		return Draft{}, fmt.Errorf("drafts: %s: %w", refID, learning.ErrDraftNotFound)
	}
	if err != nil {
		return Draft{}, fmt.Errorf("drafts: get %s: %w", refID, err)
	}
	return r.decode(refID, raw)
}

// Take implements Store with GETDEL, so concurrent confirmations of the same
// draft cannot both succeed.
func (r *Redis) Take(ctx context.Context, refID string) (Draft, error) {
	raw, err := r.client.GetDel(ctx, r.draftKey(refID)).Result()
	if errors.Is(err, redis.Nil) {
		return Draft{}, fmt.Errorf("drafts: %s: %w", refID, learning.ErrDraftNotFound)
	}
	if err != nil {
		return Draft{}, fmt.Errorf("drafts: take %s: %w", refID, err)
	}
	d, err := r.decode(refID, raw)
	if err != nil {
		return Draft{}, err
	}
	if err := r.client.SRem(ctx, r.scopeKey(d.Scope), refID).Err(); err != nil {
		r.logger.Warn("drafts: scope index cleanup failed", "ref_id", refID, "error", err)
	}
	return d, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, refID string) error {
	_, err := r.Take(ctx, refID)
	return err
}

// List implements Store.
func (r *Redis) List(ctx context.Context, scope learning.Scope) ([]Draft, error) {
	ids, err := r.client.SMembers(ctx, r.scopeKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("drafts: list %s: %w", scope, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.draftKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("drafts: list %s: %w", scope, err)
	}

	var out []Draft
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			r.logger.Debug("proposal expired", "ref_id", ids[i], "scope", scope.Key())
			stale = append(stale, ids[i])
			continue
		}
		d, err := r.decode(ids[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.scopeKey(scope), stale...).Err(); err != nil {
			r.logger.Warn("drafts: scope index cleanup failed", "scope", scope.Key(), "error", err)
		}
	}
	sortDrafts(out)
	return out, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
