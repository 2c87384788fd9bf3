// Package capability advertises this scribe instance on the message bus and
// tracks the other instances it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "scribe.node.announce"
	SubjectHeartbeatPrefix = "scribe.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	// Session is the node's pipeline state at its last heartbeat.
	Session  string    `json:"session"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
}

type Options struct {
	NodeID            string
	Capabilities      []Capability
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// SessionState reports the local pipeline state for heartbeats.
	SessionState func() string
}

type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription
	done   sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	clock func() time.Time
}

func NewRegistry(ctx context.Context, busClient *bus.Client, opts Options, log *slog.Logger) (*Registry, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("capability: node id is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.SessionState == nil {
		opts.SessionState = func() string { return "" }
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:   opts,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		cancel: cancel,
		nodes:  make(map[string]*NodeInfo),
		clock:  time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	r.done.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.done.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.bus.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run heartbeats and ages out silent nodes on the same tick.
func (r *Registry) run(ctx context.Context) {
	defer r.done.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.opts.NodeID,
		Capabilities: r.opts.Capabilities,
		Timestamp:    r.clock().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Capabilities, r.opts.SessionState(), msg.Timestamp)
	return r.bus.PublishJSON(SubjectAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.opts.NodeID,
		Session:   r.opts.SessionState(),
		Timestamp: r.clock().UTC(),
	}
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.opts.NodeID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Capabilities, "", announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Session, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, capabilities []Capability, session string, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if session != "" {
		node.Session = session
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for id, node := range r.nodes {
		if id == r.opts.NodeID {
			continue
		}
		if now.Sub(node.LastSeen) > r.opts.HeartbeatTimeout {
			node.Healthy = false
		}
	}
}

// Nodes returns every known node, this one included, ordered by id.
func (r *Registry) Nodes() []NodeInfo {
	return r.Query(nil)
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if n.ID == r.opts.NodeID {
			n.Session = r.opts.SessionState()
		}
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	gauge, err := meter.Int64ObservableGauge("scribe.nodes.healthy", metric.WithDescription("Scribe nodes heard from within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Query(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}

// FromConfig describes what this instance offers.
func FromConfig(cfg config.Config) []Capability {
	return []Capability{
		{
			Name: "transcribe.streaming",
			Attributes: map[string]string{
				"mode":        cfg.STT.Mode,
				"sample_rate": strconv.Itoa(cfg.Audio.SampleRate),
			},
		},
		{
			Name: "transcribe.refine",
			Attributes: map[string]string{
				"mode":     cfg.Refine.Mode,
				"language": cfg.Refine.Language,
			},
		},
	}
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
