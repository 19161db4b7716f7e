// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
)

// redisSetScript applies a write idempotently: SET the value (overwriting
// any previous one), then EXPIRE it when the TTL is positive. Matching the
// teacher's persistence.RedisPersister, the write path is a single EVAL
// rather than SET+EXPIRE as two round trips.
const redisSetScript = `
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`

// RedisL2 implements RemoteCache against one or more Redis endpoints,
// selecting among them with rendezvous (highest-random-weight) hashing so
// adding or removing an endpoint remaps the minimum number of keys.
type RedisL2 struct {
	clients map[string]*redis.Client
	hrw     *rendezvous.Rendezvous
}

// NewRedisL2 builds an L2 adapter across addrs (host:port), each
// connecting to the given Redis db/password.
func NewRedisL2(addrs []string, password string, db int) *RedisL2 {
	clients := make(map[string]*redis.Client, len(addrs))
	for _, addr := range addrs {
		clients[addr] = redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	}
	hrw := rendezvous.New(addrs, func(s string) uint64 { return xxhash.Sum64String(s) })
	return &RedisL2{clients: clients, hrw: hrw}
}

func (r *RedisL2) clientFor(key string) *redis.Client {
	addr := r.hrw.Lookup(key)
	return r.clients[addr]
}

// Get reports a miss (not an error) for redis.Nil, matching spec.md
// §4.6's "connection failures are treated as misses" for errors but
// distinguishing a genuine cache miss from a connectivity failure.
func (r *RedisL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	client := r.clientFor(key)
	v, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client := r.clientFor(key)
	secs := int(ttl.Seconds())
	if err := client.Eval(ctx, redisSetScript, []string{key}, value, secs).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix scans and deletes keys under prefix on every endpoint.
// SCAN is used instead of KEYS to avoid blocking Redis on large keyspaces.
func (r *RedisL2) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	total := 0
	for _, client := range r.clients {
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, prefix+"*", 200).Result()
			if err != nil {
				return total, fmt.Errorf("redis scan %s: %w", prefix, err)
			}
			if len(keys) > 0 {
				n, err := client.Del(ctx, keys...).Result()
				if err != nil {
					return total, fmt.Errorf("redis del: %w", err)
				}
				total += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return total, nil
}

// Close releases every underlying Redis client.
func (r *RedisL2) Close() error {
	var firstErr error
	for _, client := range r.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
