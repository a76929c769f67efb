package bqs

import "fmt"

// Key names for the BQS namespace, as enumerated in spec §3. Key-builder
// functions follow jobs/rediskeys.go's convention of one function per key
// shape.

const (
	// QueueKey is the pending-job list. LPUSH by SS, the Sweeper, and WP
	// retries; BRPOP/RPOP by WP.
	QueueKey = "queue:inference"

	// DLQKey is the dead-letter list. LPUSH by WP and the Sweeper, read by the operator DLQ endpoint.
	DLQKey = "dlq:failed_jobs"

	// WorkerRegistryKey is the SET of live worker instance IDs (supplemented feature).
	WorkerRegistryKey = "workers:registry"
)

// CacheKey returns the fingerprint dedup cache key: cache:sha256:{hex}.
func CacheKey(sha256Hex string) string {
	return fmt.Sprintf("cache:sha256:%s", sha256Hex)
}

// ImageKey returns the ephemeral image-blob key: image:{job_id}.
func ImageKey(jobID int64) string {
	return fmt.Sprintf("image:%d", jobID)
}

// RetryKey returns the per-job retry counter key: retry:{job_id}.
func RetryKey(jobID int64) string {
	return fmt.Sprintf("retry:%d", jobID)
}

// WorkerHeartbeatKey returns the per-instance heartbeat key (supplemented feature).
func WorkerHeartbeatKey(instanceID string) string {
	return fmt.Sprintf("worker:%s:heartbeat", instanceID)
}

// JobOwnerKey returns the key recording which worker instance last
// promoted job_id to IN_PROGRESS (supplemented feature: lets the Recovery
// Sweeper tell "owner crashed" from "owner is just slow" apart in its log
// output, per spec §4.5's heartbeat-registry note).
func JobOwnerKey(jobID int64) string {
	return fmt.Sprintf("job:%d:owner", jobID)
}
