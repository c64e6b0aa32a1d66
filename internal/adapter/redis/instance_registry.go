package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey = "streamcast:instances"
	// instances silent for longer than this are reported inactive and pruned
	instanceTTL = 60 * time.Second
)

// InstanceInfo is what each gateway instance advertises about itself.
type InstanceInfo struct {
	InstanceID  string `json:"instance_id"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

// InstanceRegistry keeps a heartbeat for this instance in a shared Redis hash so any
// instance can list the live gateway fleet.
type InstanceRegistry struct {
	rdb         *goredis.Client
	clock       clockwork.Clock
	instanceID  string
	heartbeat   time.Duration
	version     string
	connections func() int
}

// NewInstanceRegistry creates a registry entry for instanceID. connections is sampled on
// every heartbeat.
func NewInstanceRegistry(rdb *goredis.Client, clock clockwork.Clock, instanceID string, heartbeat time.Duration, version string, connections func() int) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:         rdb,
		clock:       clock,
		instanceID:  instanceID,
		heartbeat:   heartbeat,
		version:     version,
		connections: connections,
	}
}

func (r *InstanceRegistry) InstanceID() string { return r.instanceID }

// Start registers immediately, then heartbeats until ctx is cancelled, and finally
// removes the entry.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.beat(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.beat(ctx)
		case <-ctx.Done():
			if err := r.Unregister(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to unregister instance", "instance_id", r.instanceID, "error", err)
			}
			return
		}
	}
}

func (r *InstanceRegistry) beat(ctx context.Context) {
	if err := r.Register(ctx); err != nil {
		slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
	}
}

// Register writes one heartbeat.
func (r *InstanceRegistry) Register(ctx context.Context) error {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}
	if r.connections != nil {
		info.Connections = r.connections()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal instance info: %w", err)
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) Unregister(ctx context.Context) error {
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		return fmt.Errorf("unregister instance: %w", err)
	}
	return nil
}

// Active returns every instance with a recent heartbeat, ordered by id. Stale and
// unreadable entries are removed on the way.
func (r *InstanceRegistry) Active(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	cutoff := r.clock.Now().Add(-instanceTTL).Unix()
	active := []InstanceInfo{}
	var stale []string
	for id, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil || info.Timestamp < cutoff {
			stale = append(stale, id)
			continue
		}
		active = append(active, info)
	}

	if len(stale) > 0 {
		if err := r.rdb.HDel(ctx, instancesKey, stale...).Err(); err != nil {
			slog.Warn("Failed to prune stale instances", "count", len(stale), "error", err)
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].InstanceID < active[j].InstanceID })
	return active, nil
}
