// Package registry tracks the agent fleet in the shared store: one hash per
// agent plus capability and tag indices, with TTL-based lazy eviction and
// pub/sub lifecycle events.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/store"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// ErrAgentNotFound is returned when an agent id is absent or evicted.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Registry is the shared agent directory.
type Registry struct {
	store  store.Store
	clk    clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a registry. ttl bounds how long a record survives without a
// heartbeat (default 300s).
func New(s store.Store, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Registry{store: s, clk: clk, ttl: ttl, logger: logger}
}

func agentKey(id string) string     { return "agent:" + id }
func capabilityKey(n string) string { return "capability:" + n }
func tagKey(t string) string        { return "tag:" + t }

// Register writes the record and its capability/tag indices, sets the TTL
// and publishes a registration event. Registering an existing id replaces
// the record. Index mutations log but do not abort the registration; the
// next heartbeat reconciles.
func (r *Registry) Register(ctx context.Context, record AgentRecord) error {
	ctx, span := tracing.StartSpan(ctx, "registry.register")
	defer span.End()

	if record.AgentID == "" {
		return fmt.Errorf("registry: agent_id is required")
	}
	now := r.clk.Now()
	if record.RegisteredAt.IsZero() {
		record.RegisteredAt = now
	}
	record.LastHeartbeat = now
	if record.Status == "" {
		record.Status = StatusHealthy
	}

	fields, err := encodeRecord(&record)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}

	key := agentKey(record.AgentID)
	if err := r.store.HashSet(ctx, key, fields); err != nil {
		return fmt.Errorf("store agent record: %w", err)
	}
	if err := r.store.Expire(ctx, key, r.ttl); err != nil {
		r.logger.Warn("Failed to set agent TTL", zap.String("agent_id", record.AgentID), zap.Error(err))
	}

	for _, cap := range record.Capabilities {
		if err := r.store.SetAdd(ctx, capabilityKey(cap.Name), record.AgentID); err != nil {
			r.logger.Warn("Failed to index capability",
				zap.String("agent_id", record.AgentID),
				zap.String("capability", cap.Name),
				zap.Error(err),
			)
		}
	}
	for _, tag := range record.Tags {
		if err := r.store.SetAdd(ctx, tagKey(tag), record.AgentID); err != nil {
			r.logger.Warn("Failed to index tag",
				zap.String("agent_id", record.AgentID),
				zap.String("tag", tag),
				zap.Error(err),
			)
		}
	}

	r.publish(ctx, Event{
		Type:      "registration",
		AgentID:   record.AgentID,
		AgentName: record.Name,
		Timestamp: now,
	})

	metrics.AgentRegistrations.WithLabelValues(record.Name).Inc()
	r.logger.Info("Agent registered",
		zap.String("agent_id", record.AgentID),
		zap.String("name", record.Name),
		zap.Int("capabilities", len(record.Capabilities)),
	)
	return nil
}

// Heartbeat refreshes status, load and the record TTL. Fails with
// ErrAgentNotFound when the record was evicted; the agent must re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status Status, currentLoad *int) error {
	key := agentKey(agentID)
	if _, err := r.store.HashGetAll(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("load agent record: %w", err)
	}

	fields := map[string]string{
		"status":         string(status),
		"last_heartbeat": r.clk.Now().Format(time.RFC3339Nano),
	}
	if currentLoad != nil {
		fields["current_load"] = strconv.Itoa(*currentLoad)
	}
	if err := r.store.HashSet(ctx, key, fields); err != nil {
		return fmt.Errorf("update agent record: %w", err)
	}
	if err := r.store.Expire(ctx, key, r.ttl); err != nil {
		r.logger.Warn("Failed to refresh agent TTL", zap.String("agent_id", agentID), zap.Error(err))
	}

	metrics.AgentHeartbeats.WithLabelValues(string(status)).Inc()
	return nil
}

// Deregister removes the record and all index entries, then publishes an
// unregistration event.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	ctx, span := tracing.StartSpan(ctx, "registry.deregister")
	defer span.End()

	record, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}

	for _, cap := range record.Capabilities {
		if err := r.store.SetRemove(ctx, capabilityKey(cap.Name), agentID); err != nil {
			r.logger.Warn("Failed to remove capability index entry",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	for _, tag := range record.Tags {
		if err := r.store.SetRemove(ctx, tagKey(tag), agentID); err != nil {
			r.logger.Warn("Failed to remove tag index entry",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if err := r.store.Del(ctx, agentKey(agentID)); err != nil {
		return fmt.Errorf("delete agent record: %w", err)
	}

	r.publish(ctx, Event{
		Type:      "unregistration",
		AgentID:   agentID,
		Timestamp: r.clk.Now(),
	})

	r.logger.Info("Agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Get returns a snapshot of one agent. Records whose heartbeat is older
// than the TTL are evicted on read.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	fields, err := r.store.HashGetAll(ctx, agentKey(agentID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent record: %w", err)
	}

	record, err := decodeRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("decode agent record %s: %w", agentID, err)
	}

	// Lazy eviction for backends without native TTL.
	if r.clk.Now().Sub(record.LastHeartbeat) > r.ttl {
		r.evict(ctx, record)
		return nil, ErrAgentNotFound
	}

	metrics.AgentLookups.Inc()
	return record, nil
}

// evict removes a stale record the way Deregister would, without requiring
// a fresh read.
func (r *Registry) evict(ctx context.Context, record *AgentRecord) {
	for _, cap := range record.Capabilities {
		_ = r.store.SetRemove(ctx, capabilityKey(cap.Name), record.AgentID)
	}
	for _, tag := range record.Tags {
		_ = r.store.SetRemove(ctx, tagKey(tag), record.AgentID)
	}
	_ = r.store.Del(ctx, agentKey(record.AgentID))
	r.logger.Info("Evicted stale agent",
		zap.String("agent_id", record.AgentID),
		zap.Time("last_heartbeat", record.LastHeartbeat),
	)
}

// List returns snapshots matching the filter. The capability filter uses
// the capability index; the tag filter intersects across all requested
// tags; the status filter applies after lookup.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*AgentRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.list")
	defer span.End()

	ids, err := r.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	records := make([]*AgentRecord, 0, len(ids))
	for _, id := range ids {
		record, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].AgentID < records[j].AgentID
	})
	metrics.AgentsRegistered.Set(float64(len(records)))
	return records, nil
}

func (r *Registry) candidateIDs(ctx context.Context, filter Filter) ([]string, error) {
	idSet := make(map[string]struct{})
	filtered := false

	if filter.Capability != "" {
		members, err := r.store.SetMembers(ctx, capabilityKey(filter.Capability))
		if err != nil {
			return nil, fmt.Errorf("capability index: %w", err)
		}
		for _, id := range members {
			idSet[id] = struct{}{}
		}
		filtered = true
	}

	for _, tag := range filter.Tags {
		members, err := r.store.SetMembers(ctx, tagKey(tag))
		if err != nil {
			return nil, fmt.Errorf("tag index: %w", err)
		}
		tagSet := make(map[string]struct{}, len(members))
		for _, id := range members {
			tagSet[id] = struct{}{}
		}
		if !filtered {
			idSet = tagSet
			filtered = true
			continue
		}
		for id := range idSet {
			if _, ok := tagSet[id]; !ok {
				delete(idSet, id)
			}
		}
	}

	if !filtered {
		keys, err := r.store.Keys(ctx, "agent:")
		if err != nil {
			return nil, fmt.Errorf("scan agent keys: %w", err)
		}
		for _, key := range keys {
			idSet[key[len("agent:"):]] = struct{}{}
		}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// FindBest selects the agent for a capability by score:
//
//	0.4 * (1 / complexity) + 0.3 * (1 - load/max) + 0.2 * (priority/10) + 0.1 * (1 / (load+1))
//
// Healthy agents are preferred; degraded agents are a fallback. Ties break
// on the lexicographically lower agent id so selection is deterministic.
func (r *Registry) FindBest(ctx context.Context, capability string) (*AgentRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.find_best")
	defer span.End()

	candidates, err := r.List(ctx, Filter{Status: StatusHealthy, Capability: capability})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.List(ctx, Filter{Status: StatusDegraded, Capability: capability})
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, ErrAgentNotFound
	}

	var (
		best      *AgentRecord
		bestScore float64
	)
	for _, agent := range candidates {
		score := scoreAgent(agent, capability)
		// Candidates are sorted by agent id, so keeping the first maximum
		// makes ties deterministic on the lower id.
		if best == nil || score > bestScore {
			best = agent
			bestScore = score
		}
	}
	return best, nil
}

func scoreAgent(agent *AgentRecord, capability string) float64 {
	maxConcurrent := agent.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	loadFactor := float64(agent.CurrentLoad) / float64(maxConcurrent)
	capabilityScore := 1.0 / agent.capabilityComplexity(capability)

	return capabilityScore*0.4 +
		(1-loadFactor)*0.3 +
		float64(agent.Priority)/10*0.2 +
		1/float64(agent.CurrentLoad+1)*0.1
}

// AcquireSlot bumps an agent's load for the duration of a dispatch.
func (r *Registry) AcquireSlot(ctx context.Context, agentID string) error {
	return r.adjustLoad(ctx, agentID, +1)
}

// ReleaseSlot undoes AcquireSlot. Safe to call after eviction.
func (r *Registry) ReleaseSlot(ctx context.Context, agentID string) {
	if err := r.adjustLoad(ctx, agentID, -1); err != nil && !errors.Is(err, ErrAgentNotFound) {
		r.logger.Warn("Failed to release agent slot",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (r *Registry) adjustLoad(ctx context.Context, agentID string, delta int) error {
	record, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	load := record.CurrentLoad + delta
	if load < 0 {
		load = 0
	}
	if record.MaxConcurrent > 0 && load > record.MaxConcurrent {
		load = record.MaxConcurrent
	}
	return r.store.HashSet(ctx, agentKey(agentID), map[string]string{
		"current_load": strconv.Itoa(load),
	})
}

// Snapshot summarises the current fleet.
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	records, err := r.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Total: len(records)}
	for _, record := range records {
		switch record.Status {
		case StatusHealthy:
			snap.Healthy++
		case StatusDegraded:
			snap.Degraded++
		case StatusUnhealthy:
			snap.Unhealthy++
		}
		snap.TotalLoad += record.CurrentLoad
		snap.Capacity += record.MaxConcurrent
	}
	if snap.Capacity > 0 {
		snap.Utilization = float64(snap.TotalLoad) / float64(snap.Capacity) * 100
	}
	return snap, nil
}

// Subscribe streams registry lifecycle events. The cancel func must be
// called to release the subscription.
func (r *Registry) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	raw, cancel, err := r.store.Subscribe(ctx, EventsChannel)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range raw {
			var ev Event
			if err := json.Unmarshal([]byte(msg), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out, cancel, nil
}

func (r *Registry) publish(ctx context.Context, ev Event) {
	if err := r.store.Publish(ctx, EventsChannel, ev.encode()); err != nil {
		r.logger.Warn("Failed to publish registry event",
			zap.String("type", ev.Type),
			zap.String("agent_id", ev.AgentID),
			zap.Error(err),
		)
	}
}

// encodeRecord flattens a record into hash fields. Scalar fields are stored
// as strings; capabilities and tags are JSON blobs.
func encodeRecord(record *AgentRecord) (map[string]string, error) {
	caps, err := json.Marshal(record.Capabilities)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return nil, err
	}
	resources, err := json.Marshal(record.Resources)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"agent_id":         record.AgentID,
		"name":             record.Name,
		"version":          record.Version,
		"description":      record.Description,
		"endpoint_url":     record.EndpointURL,
		"health_check_url": record.HealthCheckURL,
		"capabilities":     string(caps),
		"max_concurrent":   strconv.Itoa(record.MaxConcurrent),
		"current_load":     strconv.Itoa(record.CurrentLoad),
		"resources":        string(resources),
		"service_name":     record.ServiceName,
		"namespace":        record.Namespace,
		"cluster":          record.Cluster,
		"tags":             string(tags),
		"priority":         strconv.Itoa(record.Priority),
		"registered_at":    record.RegisteredAt.Format(time.RFC3339Nano),
		"last_heartbeat":   record.LastHeartbeat.Format(time.RFC3339Nano),
		"status":           string(record.Status),
	}, nil
}

func decodeRecord(fields map[string]string) (*AgentRecord, error) {
	record := &AgentRecord{
		AgentID:        fields["agent_id"],
		Name:           fields["name"],
		Version:        fields["version"],
		Description:    fields["description"],
		EndpointURL:    fields["endpoint_url"],
		HealthCheckURL: fields["health_check_url"],
		ServiceName:    fields["service_name"],
		Namespace:      fields["namespace"],
		Cluster:        fields["cluster"],
		Status:         Status(fields["status"]),
	}
	if record.Status == "" {
		record.Status = StatusOffline
	}
	if v := fields["capabilities"]; v != "" {
		if err := json.Unmarshal([]byte(v), &record.Capabilities); err != nil {
			return nil, err
		}
	}
	if v := fields["tags"]; v != "" {
		if err := json.Unmarshal([]byte(v), &record.Tags); err != nil {
			return nil, err
		}
	}
	if v := fields["resources"]; v != "" {
		if err := json.Unmarshal([]byte(v), &record.Resources); err != nil {
			return nil, err
		}
	}
	record.MaxConcurrent, _ = strconv.Atoi(fields["max_concurrent"])
	record.CurrentLoad, _ = strconv.Atoi(fields["current_load"])
	record.Priority, _ = strconv.Atoi(fields["priority"])
	if v := fields["registered_at"]; v != "" {
		record.RegisteredAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["last_heartbeat"]; v != "" {
		record.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, v)
	}
	return record, nil
}
