package metrics

// Metric names used across the service
const (
	StockOperation     = "stock_operation"
	StockConflicts     = "stock_conflicts"
	StockRejections    = "stock_rejections"
	StockOperationTime = "stock_operation_ms"

	PublishAttempts   = "publish_attempts"
	PublishDelivered  = "publish_delivered"
	PublishDLQ        = "publish_dlq_persisted"
	PublishDLQDedup   = "publish_dlq_duplicates"
	PublishDropped    = "publish_dropped"
	PublishQueueDepth = "publish_queue_depth"
	PublishTime       = "publish_ms"

	DLQRetried      = "dlq_retried"
	DLQSucceeded    = "dlq_succeeded"
	DLQExhausted    = "dlq_exhausted"
	DLQClaimLost    = "dlq_claim_lost"
	DLQReleased     = "dlq_released_stale"
	DLQCleaned      = "dlq_cleaned"
	DLQRunTime      = "dlq_run_ms"
	DLQPendingGauge = "dlq_pending"
	DLQFailedGauge  = "dlq_failed"

	ConsumerApply        = "consumer_apply"
	ConsumerAcknowledged = "consumer_acknowledged"
	ConsumerRejected     = "consumer_rejected"
	ConsumerErrors       = "consumer_errors"
	ConsumerStale        = "consumer_stale_events"
	ConsumerApplyTime    = "consumer_apply_ms"

	HealthDatabase = "database"
	HealthBroker   = "broker"
	HealthRedis    = "redis"
	HealthElastic  = "elasticsearch"
)
