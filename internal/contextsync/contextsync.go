// internal/contextsync/contextsync.go

// Package contextsync keeps per-agent and per-workflow context records
// versioned and locally cached, with a best-effort mirror to an optional
// remote store. The local cache is authoritative inside one process; the
// mirror exists so a restarted or remote process can pick the state up.
// Version and timestamp comparison between an agent's record and the
// workflow's record is how a desynced agent is caught before it acts on
// stale state.
package contextsync

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRemoteTimeout  = 5 * time.Second
	defaultVersionDelta   = 5
	defaultStaleness      = 60 * time.Second
	defaultSyncHistoryCap = 50
	recentSyncsInStats    = 10
)

// Coarse desync reasons used as metric labels. The report's Reason field
// carries the specific message.
const (
	reasonMissingAgentState    = "missing_agent_state"
	reasonMissingWorkflowState = "missing_workflow_context"
	reasonVersionDrift         = "version_drift"
	reasonStaleState           = "stale_state"
)

// SaveOptions tunes a single Save call. TTL applies to the remote mirror
// only; the local cache holds entries until the workflow is cleared.
type SaveOptions struct {
	TTL      time.Duration
	Critical bool
}

// AgentStateKey names one agent's state record for one workflow step.
func AgentStateKey(workflowID string, step int, agentName string) string {
	return fmt.Sprintf("%s:step:%d:agent:%s", workflowID, step, agentName)
}

// WorkflowContextKey names the combined workflow record for one step.
func WorkflowContextKey(workflowID string, step int) string {
	return fmt.Sprintf("%s:workflow:step:%d", workflowID, step)
}

// Store is the versioned context store. One instance is shared by every
// workflow in the process; the version counter spans all of them, so
// callers namespace their keys by workflow id.
type Store struct {
	remote  RemoteStore
	cfg     config.ContextSyncConfig
	metrics *observability.Collector
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	version int64
	cache   map[string]map[string]any
	history []schemas.SyncEvent
}

// New builds a store. remote may be nil for local-only operation; metrics
// may be nil.
func New(remote RemoteStore, cfg config.ContextSyncConfig, metrics *observability.Collector, logger *zap.Logger) *Store {
	return &Store{
		remote:  remote,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("contextsync"),
		now:     time.Now,
		cache:   make(map[string]map[string]any),
	}
}

// Save enriches the payload with a fresh version, a timestamp, and its own
// key, then writes it to the local cache. The cache write cannot fail, so
// the returned bool reports whether the record is now retrievable locally.
// The remote mirror is attempted afterwards and its errors are swallowed,
// critical or not. The one failure Critical propagates is a payload the
// codec cannot serialize, since such a record could never be mirrored or
// size-accounted.
func (s *Store) Save(ctx context.Context, key string, payload map[string]any, opts SaveOptions) (bool, error) {
	enriched, version := s.enrichAndCache(key, payload)
	s.metrics.RecordSyncOp("save", "local", nil)

	body, err := json.Marshal(enriched)
	if err != nil {
		s.logger.Warn("Context payload does not serialize, remote mirror skipped.",
			zap.String("key", key), zap.Error(err))
		s.recordEvent(key, "save", version, 0)
		if opts.Critical {
			return false, fmt.Errorf("critical context save %q: payload not serializable: %w", key, err)
		}
		return true, nil
	}

	s.recordEvent(key, "save", version, len(body))
	s.mirror(ctx, key, body, opts.TTL)
	return true, nil
}

// Get reads a record, local cache first when useCache is set, then the
// remote store. A remote hit repopulates the local cache. With useCache
// false the local cache is skipped entirely, matching a caller that wants
// the mirrored truth or nothing.
func (s *Store) Get(ctx context.Context, key string, useCache bool) (map[string]any, bool) {
	if useCache {
		s.mu.Lock()
		cached, ok := s.cache[key]
		s.mu.Unlock()
		if ok {
			s.metrics.RecordSyncOp("get", "local", nil)
			return cloneRecord(cached), true
		}
	}

	if s.remote == nil || !s.remote.Available() {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout())
	defer cancel()
	body, found, err := s.remote.Get(rctx, key)
	s.metrics.RecordSyncOp("get", "remote", err)
	if err != nil {
		s.logger.Debug("Remote read failed.", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Debug("Remote payload did not decode.", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	s.mu.Lock()
	s.cache[key] = payload
	s.mu.Unlock()
	return cloneRecord(payload), true
}

// SyncAgentState records one agent's state for a workflow step.
func (s *Store) SyncAgentState(ctx context.Context, workflowID string, step int, agentName string, state map[string]any) (bool, error) {
	return s.Save(ctx, AgentStateKey(workflowID, step, agentName), state, SaveOptions{})
}

// GetAgentState reads one agent's state for a workflow step.
func (s *Store) GetAgentState(ctx context.Context, workflowID string, step int, agentName string) (map[string]any, bool) {
	return s.Get(ctx, AgentStateKey(workflowID, step, agentName), true)
}

// SyncWorkflowContext writes the combined per-step record every agent reads
// from. This save is critical: losing it breaks flow continuity for the
// whole workflow, not just one agent.
func (s *Store) SyncWorkflowContext(ctx context.Context, workflowID string, step int, bundle schemas.WorkflowContextBundle) (bool, error) {
	payload := map[string]any{
		"workflow_id": workflowID,
		"step":        step,
		"navigation":  emptyIfNil(bundle.Navigation),
		"screenshot":  emptyIfNil(bundle.Screenshot),
		"validation":  emptyIfNil(bundle.Validation),
		"browser":     emptyIfNil(bundle.Browser),
		"synced_at":   unixSeconds(s.now()),
	}

	ok, err := s.Save(ctx, WorkflowContextKey(workflowID, step), payload, SaveOptions{Critical: true})
	if err == nil {
		s.logger.Info("Workflow context synced.",
			zap.String("workflow_id", workflowID), zap.Int("step", step))
	}
	return ok, err
}

// GetWorkflowContext reads the combined record for a step.
func (s *Store) GetWorkflowContext(ctx context.Context, workflowID string, step int) (map[string]any, bool) {
	return s.Get(ctx, WorkflowContextKey(workflowID, step), true)
}

// DetectDesync compares an agent's last-synced record against the
// workflow's record for the same step. Missing records, a version gap
// beyond the configured delta, or an agent timestamp lagging the workflow
// by more than the staleness window all count as desync. A version gap of
// exactly the delta is still in sync.
func (s *Store) DetectDesync(ctx context.Context, workflowID string, step int, agentName string) schemas.DesyncReport {
	agentState, ok := s.GetAgentState(ctx, workflowID, step, agentName)
	if !ok {
		return s.desynced(reasonMissingAgentState,
			fmt.Sprintf("agent %s has no state for step %d", agentName, step), -1)
	}
	workflowCtx, ok := s.GetWorkflowContext(ctx, workflowID, step)
	if !ok {
		return s.desynced(reasonMissingWorkflowState,
			fmt.Sprintf("workflow has no context for step %d", step), -1)
	}

	agentVersion := numberField(agentState, schemas.ContextVersionKey)
	workflowVersion := numberField(workflowCtx, schemas.ContextVersionKey)
	if math.Abs(agentVersion-workflowVersion) > float64(s.versionDelta()) {
		return s.desynced(reasonVersionDrift,
			fmt.Sprintf("version mismatch: agent=%.0f, workflow=%.0f", agentVersion, workflowVersion), step)
	}

	agentTs := numberField(agentState, schemas.ContextTimestampKey)
	workflowTs := numberField(workflowCtx, schemas.ContextTimestampKey)
	if lag := workflowTs - agentTs; lag > s.staleness().Seconds() {
		return s.desynced(reasonStaleState,
			fmt.Sprintf("stale state: agent timestamp is %.1fs behind", lag), step)
	}

	return schemas.DesyncReport{Desynced: false, Reason: "agent is in sync", LastSyncedStep: step}
}

// ClearWorkflowContext drops every record namespaced under the workflow id,
// locally and, best effort, from the remote mirror.
func (s *Store) ClearWorkflowContext(ctx context.Context, workflowID string) {
	prefix := workflowID + ":"

	s.mu.Lock()
	var removed []string
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			removed = append(removed, key)
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()

	if s.remote != nil && s.remote.Available() && len(removed) > 0 {
		rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout())
		defer cancel()
		for _, key := range removed {
			err := s.remote.Del(rctx, key)
			s.metrics.RecordSyncOp("clear", "remote", err)
			if err != nil {
				s.logger.Debug("Remote delete failed.", zap.String("key", key), zap.Error(err))
			}
		}
	}

	s.logger.Info("Cleared workflow context.",
		zap.String("workflow_id", workflowID), zap.Int("keys", len(removed)))
}

// Stats reports the store's counters and the most recent sync events.
func (s *Store) Stats() schemas.SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.history
	if len(recent) > recentSyncsInStats {
		recent = recent[len(recent)-recentSyncsInStats:]
	}
	out := make([]schemas.SyncEvent, len(recent))
	copy(out, recent)

	return schemas.SyncStats{
		ContextVersion: s.version,
		CachedContexts: len(s.cache),
		SyncEvents:     len(s.history),
		RecentSyncs:    out,
	}
}

// Close releases the remote mirror connection, if any.
func (s *Store) Close() error {
	if s.remote == nil {
		return nil
	}
	return s.remote.Close()
}

func (s *Store) enrichAndCache(key string, payload map[string]any) (map[string]any, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	enriched := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched[schemas.ContextVersionKey] = s.version
	enriched[schemas.ContextTimestampKey] = unixSeconds(s.now())
	enriched[schemas.ContextKeyField] = key
	s.cache[key] = enriched
	return enriched, s.version
}

func (s *Store) recordEvent(key, action string, version int64, sizeBytes int) {
	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultSyncHistoryCap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, schemas.SyncEvent{
		Key:       key,
		Action:    action,
		Version:   version,
		Timestamp: unixSeconds(s.now()),
		SizeBytes: sizeBytes,
	})
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

func (s *Store) mirror(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if s.remote == nil || !s.remote.Available() {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout())
	defer cancel()
	err := s.remote.Set(rctx, key, body, ttl)
	s.metrics.RecordSyncOp("save", "remote", err)
	if err != nil {
		s.logger.Debug("Remote mirror write failed, keeping local copy only.",
			zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Debug("Context mirrored to remote store.", zap.String("key", key))
}

func (s *Store) desynced(label, reason string, lastStep int) schemas.DesyncReport {
	s.metrics.RecordDesync(label)
	return schemas.DesyncReport{Desynced: true, Reason: reason, LastSyncedStep: lastStep}
}

func (s *Store) remoteTimeout() time.Duration {
	if s.cfg.RemoteTimeout > 0 {
		return s.cfg.RemoteTimeout
	}
	return defaultRemoteTimeout
}

func (s *Store) versionDelta() int64 {
	if s.cfg.DesyncVersionDelta > 0 {
		return s.cfg.DesyncVersionDelta
	}
	return defaultVersionDelta
}

func (s *Store) staleness() time.Duration {
	if s.cfg.DesyncStaleness > 0 {
		return s.cfg.DesyncStaleness
	}
	return defaultStaleness
}

// cloneRecord copies the top level of a record so callers cannot mutate the
// cache through the returned map. Nested values are treated as read-only.
func cloneRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}

// numberField reads a numeric field that may arrive as an int64 from the
// local write path or a float64 after a remote JSON round trip.
func numberField(record map[string]any, key string) float64 {
	switch v := record[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
