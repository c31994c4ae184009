// Package dlq keeps deliveries that failed permanently, either because
// their retry budget ran out or because they can never succeed (malformed
// envelopes, business rule violations).
//
// Every entry is persisted through the Store and announced as a
// dead_lettered event on the dead-letter topic. Operators list entries
// through the admin API and can replay them, which re-publishes the
// original envelope to its topic.
package dlq
