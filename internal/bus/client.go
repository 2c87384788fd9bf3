// Package bus carries transcript events and node presence over NATS. The
// bus is optional: the local transcript never waits on it, and a lost
// connection is retried in the background while the pipeline keeps running.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// transcriptStreamMaxMsgs caps the replay window kept by JetStream.
const transcriptStreamMaxMsgs = 100000

// Client is the process's single bus connection. It publishes transcript
// events as the Sink named source and lends the same connection to the
// presence registry.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	source string
	log    *slog.Logger
}

// Connect dials cfg.Servers. source is stamped on every transcript event so
// subscribers can tell scribes apart.
func Connect(ctx context.Context, cfg config.BusConfig, source string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, connectOptions(cfg, source, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url), slog.String("source", source))
	return &Client{conn: conn, js: js, source: source, log: log}, nil
}

func connectOptions(cfg config.BusConfig, source string, log *slog.Logger) []nats.Option {
	options := []nats.Option{
		nats.Name("loqa-scribe/" + source),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected, transcript events are not forwarded", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus reconnected", slog.String("server", c.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return options
}

// EnsureTranscriptStream creates a JetStream stream capturing every
// transcript subject so late subscribers can replay a session. An existing
// stream is reused; an empty name disables capture.
func (c *Client) EnsureTranscriptStream(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if _, err := c.js.StreamInfo(name, nats.Context(ctx)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{protocol.SubjectTranscriptPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxMsgs:  transcriptStreamMaxMsgs,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.log.Info("transcript stream ready", slog.String("stream", name))
	return nil
}

// PublishTranscript sends ev on its kind's transcript subject.
func (c *Client) PublishTranscript(ev events.Event) error {
	return c.PublishJSON(protocol.Subject(ev.Kind), protocol.FromEvent(ev, c.source))
}

// Handle makes the client a transcript sink. Failures are logged and never
// reach the pipeline.
func (c *Client) Handle(_ context.Context, ev events.Event) {
	if err := c.PublishTranscript(ev); err != nil {
		c.log.Warn("failed to publish transcript event",
			slog.String("kind", string(ev.Kind)),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()))
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
