package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes sync telemetry as JSON to "<subject>.<event name>".
type NATSSink struct {
	pub     Publisher
	subject string
	closeFn func()
}

var _ ports.TelemetrySink = (*NATSSink)(nil)

func NewNATSSink(pub Publisher, subject string) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("nil nats publisher")
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = "civicsync.telemetry"
	}
	return &NATSSink{pub: pub, subject: subject}, nil
}

// Dial connects to url and returns a sink that owns the connection.
func Dial(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("civicsync"),
		nats.Timeout(3*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errs.Wrapf(err, "connect nats %q", url)
	}

	sink, err := NewNATSSink(conn, subject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sink.closeFn = func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	return sink, nil
}

func (s *NATSSink) Publish(ctx context.Context, event ports.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(err, "encode telemetry event")
	}
	return errs.Wrap(s.pub.Publish(s.subject+"."+event.Name, data), "publish telemetry event")
}

func (s *NATSSink) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}
