package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "omnia"

// NATSOpts configures a NATSPublisher.
type NATSOpts struct {
	Token         string
	SubjectPrefix string
	Name          string
}

// NATSOption configures a NATSPublisher.
type NATSOption func(*NATSOpts)

// WithToken authenticates with a NATS token.
func WithToken(token string) NATSOption {
	return func(o *NATSOpts) { o.Token = token }
}

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(o *NATSOpts) { o.SubjectPrefix = prefix }
}

// WithConnectionName sets the client name shown by the server.
func WithConnectionName(name string) NATSOption {
	return func(o *NATSOpts) { o.Name = name }
}

// NATSPublisher publishes events as JSON on "<prefix>.<type>" subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url. The connection retries
// in the background, so a broker that is down at startup does not fail the
// service.
func NewNATSPublisher(url string, opts ...NATSOption) (*NATSPublisher, error) {
	cfg := NATSOpts{SubjectPrefix: DefaultSubjectPrefix, Name: "omnia"}
	for _, opt := range opts {
		opt(&cfg)
	}

	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATSPublisher: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATSPublisher: reconnected")
		}),
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("NATSPublisher: connected", "url", url, "prefix", cfg.SubjectPrefix)
	return &NATSPublisher{conn: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	slog.Debug("NATSPublisher.Publish: event published", "subject", subject, "dialogueID", ev.DialogueID)
	return nil
}

// Subscribe delivers decoded events published under the prefix to handler.
func (p *NATSPublisher) Subscribe(handler func(Event)) (*nats.Subscription, error) {
	subject := Subject(p.prefix, ">")
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("NATSPublisher.Subscribe: dropping undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
