// Package callsource defines the contract callflow uses to read call logs
// and recordings from the telephony provider, plus an in-memory
// implementation and a timeout decorator.
package callsource

import (
	"context"
	"time"

	"github.com/inimical023/callflow/envelope"
)

// Filter selects the calls of one extension within a time window.
type Filter struct {
	ExtensionID string
	From        time.Time
	To          time.Time
}

// Recording is downloaded recording content.
type Recording struct {
	ID          string
	ContentType string
	Data        []byte
}

// Source reads calls and recordings from the telephony provider.
type Source interface {
	// FetchCallLogs returns the calls matching f. Calls whose result is
	// neither completed nor missed are omitted.
	FetchCallLogs(ctx context.Context, f Filter) ([]envelope.CallRecord, error)

	// FetchRecording downloads a recording by id.
	FetchRecording(ctx context.Context, recordingID string) (*Recording, error)
}

// WithTimeout bounds every call to src by d.
func WithTimeout(src Source, d time.Duration) Source {
	if d <= 0 {
		return src
	}
	return &timeoutSource{next: src, timeout: d}
}

type timeoutSource struct {
	next    Source
	timeout time.Duration
}

func (s *timeoutSource) FetchCallLogs(ctx context.Context, f Filter) ([]envelope.CallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.FetchCallLogs(ctx, f)
}

func (s *timeoutSource) FetchRecording(ctx context.Context, recordingID string) (*Recording, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.FetchRecording(ctx, recordingID)
}
