// Redis-backed Store, grounded on the redis/go-redis/v9 client used
// elsewhere in the retrieved corpus (goadesign-goa-ai, Chris-Alexander-Pop's
// system-design-library). Instances are serialized as JSON at the primary
// key convention from spec.md §6: services/{service_id}/instances/{instance_id}.
package registrystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/meridianmesh/discovery/internal/types"
)

const redisKeyPrefix = "services/"

// Redis is a Store backed by a single Redis (or Redis-compatible) instance.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Store connected to the given Redis URL
// (e.g. "redis://localhost:6379/0").
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func instanceKey(serviceID, instanceID string) string {
	return fmt.Sprintf("%s%s/instances/%s", redisKeyPrefix, serviceID, instanceID)
}

func (r *Redis) Put(ctx context.Context, inst types.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	key := instanceKey(inst.ServiceID, inst.InstanceID)
	if err := r.client.Set(ctx, key, body, 0).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}

	// Maintain a per-service index set so LoadAll can list each service's
	// instance ids with SMEMBERS; the services themselves are still found
	// with KEYS over the "services/" prefix.
	if err := r.client.SAdd(ctx, redisKeyPrefix+inst.ServiceID, inst.InstanceID).Err(); err != nil {
		return fmt.Errorf("redis index: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, serviceID, instanceID string) error {
	if err := r.client.Del(ctx, instanceKey(serviceID, instanceID)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return r.client.SRem(ctx, redisKeyPrefix+serviceID, instanceID).Err()
}

func (r *Redis) LoadAll(ctx context.Context) ([]types.Instance, error) {
	services, err := r.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan services: %w", err)
	}

	var out []types.Instance
	seen := make(map[string]bool)
	for _, svcIndexKey := range services {
		// Index keys have no "/instances/" segment; record keys do.
		if strings.Contains(svcIndexKey, "/instances/") {
			continue
		}
		serviceID := svcIndexKey[len(redisKeyPrefix):]
		if seen[serviceID] {
			continue
		}
		seen[serviceID] = true

		ids, err := r.client.SMembers(ctx, svcIndexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redis members %s: %w", serviceID, err)
		}

		for _, id := range ids {
			body, err := r.client.Get(ctx, instanceKey(serviceID, id)).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis get %s: %w", id, err)
			}

			var inst types.Instance
			if err := json.Unmarshal(body, &inst); err != nil {
				return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
			}
			out = append(out, inst)
		}
	}
	return out, nil
}
