package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func connect(t *testing.T, source string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, source, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestClientForwardsTranscriptEvents(t *testing.T) {
	client := connect(t, "desk")

	sub, err := client.conn.SubscribeSync(protocol.SubjectTranscriptPrefix + ".>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client.Handle(context.Background(), events.Event{Kind: events.KindFinal, SessionID: "s1", UtteranceID: 3, Text: "hello"})

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "scribe.transcript.final" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var got protocol.TranscriptEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "hello" || got.UtteranceID != 3 || got.Source != "desk" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if !client.Healthy() {
		t.Fatal("client should report healthy")
	}
}

func TestTranscriptStreamCapturesEvents(t *testing.T) {
	client := connect(t, "desk")
	ctx := context.Background()

	if err := client.EnsureTranscriptStream(ctx, "TEST_TRANSCRIPTS"); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureTranscriptStream(ctx, "TEST_TRANSCRIPTS"); err != nil {
		t.Fatalf("ensure existing stream: %v", err)
	}
	if err := client.EnsureTranscriptStream(ctx, ""); err != nil {
		t.Fatalf("empty name should disable capture: %v", err)
	}

	for i := uint64(1); i <= 2; i++ {
		if err := client.PublishTranscript(events.Event{Kind: events.KindDraft, SessionID: "s1", UtteranceID: i, Text: "draft"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	eventuallyStream(t, client, "TEST_TRANSCRIPTS", 2)
}

func TestHeartbeatSubjectsStayOutOfTranscriptStream(t *testing.T) {
	client := connect(t, "desk")
	if err := client.EnsureTranscriptStream(context.Background(), "TEST_TRANSCRIPTS"); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	got := make(chan *nats.Msg, 1)
	sub, err := client.Subscribe("scribe.node.test", func(m *nats.Msg) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.PublishJSON("scribe.node.test", map[string]string{"node_id": "n1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		if string(m.Data) != `{"node_id":"n1"}` {
			t.Fatalf("unexpected payload %s", m.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence message not delivered")
	}
	eventuallyStream(t, client, "TEST_TRANSCRIPTS", 0)
}

func eventuallyStream(t *testing.T, client *Client, name string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last uint64
	for time.Now().Before(deadline) {
		info, err := client.js.StreamInfo(name)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		last = info.State.Msgs
		if last == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stream %s holds %d messages, want %d", name, last, want)
}
