package redis

// Key layout. All keys share the prefix so several deployments can share
// one Redis.
const defaultPrefix = "callflow:"

// streamKey is the topic stream: callflow:stream:{topic}
func (b *Bus) streamKey(topic string) string { return b.prefix + "stream:" + topic }

// retryKey is the per-group retry stream: callflow:retry:{topic}:{group}
func (b *Bus) retryKey(topic, group string) string {
	return b.prefix + "retry:" + topic + ":" + group
}

// delayedKey holds scheduled retries scored by due time in milliseconds.
func (b *Bus) delayedKey() string { return b.prefix + "delayed" }

// Message fields.
const (
	fieldData    = "data"
	fieldData64  = "data_b64"
	fieldAttempt = "attempt"
	fieldHistory = "history"
	fieldCodec   = "codec"
)
