package envelope

// Delivery-state metadata keys. These ride in transport message metadata,
// keeping the envelope body wire-exact while failure context stays attached to
// the message for the failed-queue console and downstream consumers.
const (
	// MetadataOriginalTopic is the routing key the message failed on.
	MetadataOriginalTopic = "df_original_topic"

	// MetadataStage is the pipeline stage that reported the failure.
	MetadataStage = "df_stage"

	// MetadataErrorMessage is the failure cause.
	MetadataErrorMessage = "df_error_message"

	// MetadataErrorType is the failure classification (transient, permanent,
	// malformed, unclassified).
	MetadataErrorType = "df_error_type"

	// MetadataRetryCount is the number of in-process attempts spent before
	// the failure event was emitted.
	MetadataRetryCount = "df_retry_count"

	// MetadataFailedAt is the RFC3339 time the failure event was emitted.
	MetadataFailedAt = "df_failed_at"
)
