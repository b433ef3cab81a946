package envelope

import "strings"

// FailedSuffix is appended to a routing key to form its failure counterpart,
// e.g. "archive.ingested" publishes failures to "archive.ingested.failed".
const FailedSuffix = ".failed"

// FailedTopic returns the failure routing key for topic. A topic that already
// carries the suffix is returned unchanged.
func FailedTopic(topic string) string {
	if IsFailedTopic(topic) {
		return topic
	}
	return topic + FailedSuffix
}

// OriginalTopic strips the failure suffix, returning the originating routing key.
func OriginalTopic(failedTopic string) string {
	return strings.TrimSuffix(failedTopic, FailedSuffix)
}

// IsFailedTopic reports whether topic is a failure routing key.
func IsFailedTopic(topic string) bool {
	return strings.HasSuffix(topic, FailedSuffix)
}

// StageFailedType derives the failure event type for a stage name:
// "parsing" becomes "ParsingFailed", "chunk.embedding" becomes
// "ChunkEmbeddingFailed". Stages with names that do not fit this rule register
// an explicit failure type instead.
func StageFailedType(stage string) string {
	parts := strings.FieldsFunc(stage, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})

	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	b.WriteString("Failed")
	return b.String()
}
