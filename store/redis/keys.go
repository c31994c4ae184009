package redis

// Redis key naming conventions. All keys share the prefix so several
// deployments can share one Redis.
const defaultPrefix = "callflow:"

// ── Dedup keys ──

// markKey returns the hash for a dedup mark: callflow:dedup:{key}
func (s *Store) markKey(key string) string { return s.prefix + "dedup:" + key }

// markIndexKey scores every mark key by expiry in milliseconds.
func (s *Store) markIndexKey() string { return s.prefix + "dedup_idx" }

// ── Workflow keys ──

// workflowKey returns the hash for a workflow: callflow:workflow:{corr}
func (s *Store) workflowKey(corr string) string { return s.prefix + "workflow:" + corr }

// workflowIndexKey scores correlation ids by creation time in milliseconds.
func (s *Store) workflowIndexKey() string { return s.prefix + "workflow_idx" }

// ── DLQ keys ──

// dlqKey returns the hash for a DLQ entry: callflow:dlq:{id}
func (s *Store) dlqKey(id string) string { return s.prefix + "dlq:" + id }

// dlqIndexKey scores DLQ entry ids by creation time in milliseconds.
func (s *Store) dlqIndexKey() string { return s.prefix + "dlq_idx" }

// ── Cluster keys ──

// leaderKey holds the leadership lease hash.
func (s *Store) leaderKey() string { return s.prefix + "leader" }
