package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/polisai/netopt/pkg/domain"
)

// DefaultSubjectPrefix is used when no NATS subject prefix is configured.
const DefaultSubjectPrefix = "netopt.status"

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record on <prefix>.<src>.<dst> with address dots
// replaced by underscores, so consumers can wildcard on either endpoint.
type NATSSink struct {
	pub    natsPublisher
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to url and returns a sink publishing under prefix.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("netopt-status-feed"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	sink := newNATSSink(nc, prefix)
	sink.conn = nc
	return sink, nil
}

func newNATSSink(pub natsPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a pair's records are published on.
func (s *NATSSink) Subject(pair string) string {
	token := strings.NewReplacer(".", "_", ":", "_", " ", "_", "->", ".").Replace(pair)
	return s.prefix + "." + token
}

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, rec domain.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.Subject(rec.Pair), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
