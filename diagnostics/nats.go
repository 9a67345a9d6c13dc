// Package diagnostics provides optional observability fan-out for the
// conversation engine: every server event it's given is republished to
// a NATS subject for external tooling to tail. Adapted from the
// teacher's connection dialing pattern; this module never embeds a NATS
// server, only a client.
package diagnostics

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"realtime/domain"
)

const defaultSubject = "realtime.event"

// NatsPublisher republishes server events to a NATS subject. A nil
// *NatsPublisher is valid and Publish becomes a no-op, so callers can
// wire it unconditionally and only construct one when diagnostics are
// enabled.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the given NATS URL and returns a publisher bound to
// subject (defaultSubject if empty).
func Connect(url, subject string) (*NatsPublisher, error) {
	if subject == "" {
		subject = defaultSubject
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NatsPublisher{conn: conn, subject: subject}, nil
}

// Publish marshals the event and publishes it; errors are non-fatal to
// the caller's conversation loop, so this only returns an error for the
// caller to log, never to abort on.
func (p *NatsPublisher) Publish(event domain.ServerEvent) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for diagnostics: %w", err)
	}
	return p.conn.Publish(p.subject, data)
}

// Close closes the underlying NATS connection without draining it.
func (p *NatsPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
