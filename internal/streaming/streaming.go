// Package streaming implements the real-time fan-out manager:
// per-tenant subscriber connection registries, filter-matched
// event/status broadcasting, the stuck-episode latch, and liveness
// pinging with missed-pong disconnect.
package streaming

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
)

// Close codes sent during the WebSocket handshake and lifecycle.
const (
	CloseInvalidToken      = 4001
	CloseTooManyConnections = 4002
	ClosePingTimeout       = 4003
)

const (
	maxConnectionsPerKey = 5
	maxMissedPongs       = 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Filter is a connection's subscription filter: every configured
// dimension must match; event_types is a set membership test,
// min_severity is a floor.
type Filter struct {
	ProjectID   string   `json:"project_id,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Group       string   `json:"group,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	MinSeverity string   `json:"min_severity,omitempty"`
}

func (f Filter) matches(e eventmodel.Event) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.Environment != "" && e.Environment != f.Environment {
		return false
	}
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if eventmodel.EventType(t) == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinSeverity != "" && !e.Severity.AtLeast(eventmodel.Severity(f.MinSeverity)) {
		return false
	}
	return true
}

// Subscription is one connection's channel set and filter.
type Subscription struct {
	Channels map[string]bool
	Filter   Filter
}

// Connection is one live WebSocket client.
type Connection struct {
	conn      *websocket.Conn
	tenantID  string
	writeMu   sync.Mutex
	subMu     sync.RWMutex
	sub       Subscription
	missedPongs int32
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, tenantID string) *Connection {
	return &Connection{
		conn:     conn,
		tenantID: tenantID,
		sub:      Subscription{Channels: map[string]bool{}},
		closed:   make(chan struct{}),
	}
}

func (c *Connection) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Connection) subscription() Subscription {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.sub
}

// Manager is the per-tenant connection registry. Mutation of the
// registry is protected against concurrent broadcast iteration by
// copying the subscriber slice under the lock before iterating.
type Manager struct {
	logger zerolog.Logger
	cron   *cron.Cron

	mu            sync.RWMutex
	byTenant      map[string][]*Connection
	countsByKey   map[string]int
	stuckLatch    map[string]bool // "tenant:agent" -> latched
	metrics       *metrics.Registry
}

// NewManager constructs an empty fan-out Manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:      logger.With().Str("component", "streaming").Logger(),
		cron:        cron.New(),
		byTenant:    map[string][]*Connection{},
		countsByKey: map[string]int{},
		stuckLatch:  map[string]bool{},
	}
}

// WithMetrics attaches a Prometheus registry for the live-connection
// gauge; safe to leave unset in tests.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.metrics = reg
	return m
}

// Handle upgrades the request to a WebSocket connection for tenantID
// (already resolved by the caller's query-parameter token auth), runs
// the read pump until disconnect, and unregisters on exit.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, tenantID, keyID string) {
	m.mu.Lock()
	if m.countsByKey[keyID] >= maxConnectionsPerKey {
		m.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseTooManyConnections, "too many connections for this key"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		return
	}
	m.countsByKey[keyID]++
	m.mu.Unlock()

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.decrementKey(keyID)
		return
	}

	conn := newConnection(wsConn, tenantID)
	m.register(tenantID, conn)
	defer func() {
		m.unregister(tenantID, conn)
		m.decrementKey(keyID)
		_ = wsConn.Close()
	}()

	conn.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&conn.missedPongs, 0)
		return nil
	})

	m.readPump(conn)
}

func (m *Manager) decrementKey(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countsByKey[keyID] > 0 {
		m.countsByKey[keyID]--
	}
}

func (m *Manager) register(tenantID string, c *Connection) {
	m.mu.Lock()
	m.byTenant[tenantID] = append(m.byTenant[tenantID], c)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.FanoutConnections.Inc()
	}
}

func (m *Manager) unregister(tenantID string, c *Connection) {
	m.mu.Lock()
	conns := m.byTenant[tenantID]
	removed := false
	for i, existing := range conns {
		if existing == c {
			m.byTenant[tenantID] = append(conns[:i], conns[i+1:]...)
			close(c.closed)
			removed = true
			break
		}
	}
	m.mu.Unlock()
	if removed && m.metrics != nil {
		m.metrics.FanoutConnections.Dec()
	}
}

type clientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Filters  Filter   `json:"filters"`
}

// readPump handles the client protocol: subscribe, unsubscribe, ping.
func (m *Manager) readPump(c *Connection) {
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			c.subMu.Lock()
			for _, ch := range msg.Channels {
				c.sub.Channels[ch] = true
			}
			c.sub.Filter = msg.Filters
			c.subMu.Unlock()
			_ = c.writeJSON(map[string]interface{}{"type": "subscribed", "channels": msg.Channels, "filters": msg.Filters})
		case "unsubscribe":
			c.subMu.Lock()
			for _, ch := range msg.Channels {
				delete(c.sub.Channels, ch)
			}
			c.subMu.Unlock()
			_ = c.writeJSON(map[string]interface{}{"type": "unsubscribed", "channels": msg.Channels})
		case "ping":
			_ = c.writeJSON(map[string]interface{}{"type": "pong", "server_time": time.Now().UTC()})
		}
	}
}

func (m *Manager) snapshot(tenantID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := m.byTenant[tenantID]
	out := make([]*Connection, len(conns))
	copy(out, conns)
	return out
}

// PublishEvent delivers e to every events-channel subscriber for
// tenantID whose filter matches; non-matching subscribers never see
// the event.
func (m *Manager) PublishEvent(tenantID string, e eventmodel.Event) {
	for _, c := range m.snapshot(tenantID) {
		sub := c.subscription()
		if !sub.Channels["events"] {
			continue
		}
		if !sub.Filter.matches(e) {
			continue
		}
		_ = c.writeJSON(map[string]interface{}{"type": "event.new", "data": e})
	}
}

// PublishStatusChange broadcasts an agent.status_changed message to
// every agents-channel subscriber for tenantID.
func (m *Manager) PublishStatusChange(tenantID, agentID string, oldStatus, newStatus eventmodel.AgentStatus) {
	if newStatus != eventmodel.AgentStuck {
		m.clearStuckLatch(tenantID, agentID)
	}
	payload := map[string]interface{}{
		"agent_id":   agentID,
		"old_status": oldStatus,
		"new_status": newStatus,
	}
	for _, c := range m.snapshot(tenantID) {
		sub := c.subscription()
		if !sub.Channels["agents"] {
			continue
		}
		_ = c.writeJSON(map[string]interface{}{"type": "agent.status_changed", "data": payload})
	}
}

// PublishStuck broadcasts agent.stuck at most once per contiguous
// stuck episode, keyed by "tenant:agent".
func (m *Manager) PublishStuck(tenantID, agentID string) {
	key := tenantID + ":" + agentID
	m.mu.Lock()
	if m.stuckLatch[key] {
		m.mu.Unlock()
		return
	}
	m.stuckLatch[key] = true
	m.mu.Unlock()

	payload := map[string]interface{}{"agent_id": agentID}
	for _, c := range m.snapshot(tenantID) {
		sub := c.subscription()
		if !sub.Channels["agents"] {
			continue
		}
		_ = c.writeJSON(map[string]interface{}{"type": "agent.stuck", "data": payload})
	}
}

func (m *Manager) clearStuckLatch(tenantID, agentID string) {
	key := tenantID + ":" + agentID
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stuckLatch, key)
}

// StartPingLoop schedules a ping to every connection every interval
// via robfig/cron; a connection that misses maxMissedPongs pings in a
// row is closed with ClosePingTimeout. Call StopPingLoop to cancel.
func (m *Manager) StartPingLoop(interval time.Duration) {
	if _, err := m.cron.AddFunc("@every "+interval.String(), m.pingAll); err != nil {
		m.logger.Error().Err(err).Msg("failed to schedule fan-out ping loop")
		return
	}
	m.cron.Start()
}

// StopPingLoop cancels the ping schedule and waits for an in-flight
// ping pass to finish.
func (m *Manager) StopPingLoop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Manager) pingAll() {
	m.mu.RLock()
	var all []*Connection
	for _, conns := range m.byTenant {
		all = append(all, conns...)
	}
	m.mu.RUnlock()

	for _, c := range all {
		if atomic.AddInt32(&c.missedPongs, 1) > maxMissedPongs {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(ClosePingTimeout, "ping timeout"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.conn.Close()
			continue
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
}

// ConnectionCount returns the number of live connections for a tenant,
// for the /metrics gauge.
func (m *Manager) ConnectionCount(tenantID string) int {
	return len(m.snapshot(tenantID))
}

// TotalConnections returns the live connection count across all
// tenants.
func (m *Manager) TotalConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, conns := range m.byTenant {
		total += len(conns)
	}
	return total
}

// tenantIDs returns the sorted set of tenants with at least one live
// connection, used only by tests.
func (m *Manager) tenantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byTenant))
	for t := range m.byTenant {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
