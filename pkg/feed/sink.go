package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/netopt/pkg/domain"
)

// Sink delivers status records to an external transport.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec domain.StatusRecord) error
	Close() error
}

// Forwarder drains a feed subscription into one or more sinks.
type Forwarder struct {
	feed    *Feed
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewForwarder creates a forwarder. Each send is bounded by timeout.
func NewForwarder(feed *Feed, sinks []Sink, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{feed: feed, sinks: sinks, timeout: timeout, logger: logger}
}

// Run forwards records until ctx is cancelled, then closes the sinks.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := f.feed.Subscribe(256)
	defer f.feed.Unsubscribe(sub)
	defer f.closeSinks()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.C:
			if !ok {
				return nil
			}
			f.forward(ctx, rec)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, rec domain.StatusRecord) {
	for _, sink := range f.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := sink.Send(sendCtx, rec)
		cancel()
		if err != nil {
			f.logger.Warn("status forward failed",
				"sink", sink.Name(),
				"pair", rec.Pair,
				"sequence", rec.Sequence,
				"error", err)
		}
	}
}

func (f *Forwarder) closeSinks() {
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			f.logger.Warn("status sink close failed", "sink", sink.Name(), "error", err)
		}
	}
}

func encodeRecord(rec domain.StatusRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal status record: %w", err)
	}
	return b, nil
}
