package database

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyRouterList = "wifivoucher:routers:active"
	CacheKeyRouter     = "wifivoucher:router:"
	CacheKeyBlacklist  = "wifivoucher:token:blacklist:"

	// Advisory per-router set of voucher codes the router is believed to
	// have applied. Debugging aid only, never consulted for correctness.
	CacheKeyAppliedSet = "wifivoucher:router:applied:"

	// Cache TTLs
	CacheTTLRouters = 2 * time.Minute
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes a key from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// CacheDeletePattern deletes all keys matching a pattern (use with caution)
func CacheDeletePattern(pattern string) error {
	ctx := context.Background()
	iter := Redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return Redis.Del(ctx, keys...).Err()
	}
	return nil
}

// InvalidateRouterCache clears all router-related caches
func InvalidateRouterCache() {
	CacheDelete(CacheKeyRouterList)
	CacheDeletePattern(CacheKeyRouter + "*")
}

// MarkApplied records a voucher code in a router's advisory applied set
func MarkApplied(routerID uint, code string) {
	if Redis == nil {
		return
	}
	ctx := context.Background()
	Redis.SAdd(ctx, appliedSetKey(routerID), code)
}

// ClearApplied removes a voucher code from a router's advisory applied set
func ClearApplied(routerID uint, code string) {
	if Redis == nil {
		return
	}
	ctx := context.Background()
	Redis.SRem(ctx, appliedSetKey(routerID), code)
}

// AppliedCodes returns the advisory applied set for a router
func AppliedCodes(routerID uint) []string {
	if Redis == nil {
		return nil
	}
	ctx := context.Background()
	codes, _ := Redis.SMembers(ctx, appliedSetKey(routerID)).Result()
	return codes
}

func appliedSetKey(routerID uint) string {
	return CacheKeyAppliedSet + strconv.FormatUint(uint64(routerID), 10)
}

// BlacklistToken marks a JWT as revoked until its natural expiry
func BlacklistToken(token string, ttl time.Duration) error {
	ctx := context.Background()
	return Redis.Set(ctx, CacheKeyBlacklist+token, "1", ttl).Err()
}

// IsTokenBlacklisted reports whether a JWT has been revoked (logout)
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, CacheKeyBlacklist+token).Result()
	return err == nil && n > 0
}
