package realtime

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	v1 "stride/contracts/realtime/v1"
)

// Tracker maintains the live mapping user -> set of realtime connections and
// provides best-effort fan-out plus forced termination.
//
// It is an explicitly constructed, dependency-injected instance; any layer
// that needs to trigger forced disconnects receives it, never a process-wide
// singleton.
//
// Concurrency: both maps are guarded by one mutex and always updated
// together, so they can never disagree. Fan-out never blocks under the lock;
// sends are non-blocking queue handoffs and the per-connection writer
// goroutines do the actual socket writes concurrently, so one slow client
// cannot delay delivery to the rest.
type Tracker struct {
	log *slog.Logger

	mu     sync.Mutex
	byUser map[string]map[string]*Client // userID -> connectionID -> client
	byConn map[string]string             // connectionID -> userID

	// Presence transition hooks. onOnline fires only when a user's set goes
	// from empty to non-empty; onOffline only when it empties. Optional.
	onOnline  func(userID string)
	onOffline func(userID string)
}

// NewTracker constructs a Tracker.
func NewTracker(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:    log,
		byUser: make(map[string]map[string]*Client),
		byConn: make(map[string]string),
	}
}

// SetPresenceHooks installs the online/offline transition side effects.
// Must be called before the first connection registers.
func (t *Tracker) SetPresenceHooks(onOnline, onOffline func(userID string)) {
	t.onOnline = onOnline
	t.onOffline = onOffline
}

// EnablePresenceEvents makes presence transitions visible on the wire: every
// live connection receives a presence:online envelope when a user's first
// connection arrives and presence:offline when their last one goes away.
// Installs the presence hooks, so call it instead of SetPresenceHooks.
func (t *Tracker) EnablePresenceEvents() {
	t.SetPresenceHooks(
		func(userID string) { t.broadcastPresence(v1.TypePresenceOnline, userID) },
		func(userID string) { t.broadcastPresence(v1.TypePresenceOffline, userID) },
	)
}

func (t *Tracker) broadcastPresence(eventType, userID string) {
	payload, _ := json.Marshal(v1.PresencePayload{UserID: userID})
	t.BroadcastAll(eventType, payload)
}

// Connect registers a live connection for its user. The online transition
// fires only when this is the user's first connection.
func (t *Tracker) Connect(c *Client) {
	if c == nil || c.ConnectionID == "" || c.UserID == "" {
		return
	}

	t.mu.Lock()
	set, ok := t.byUser[c.UserID]
	if !ok {
		set = make(map[string]*Client)
		t.byUser[c.UserID] = set
	}
	wasOffline := len(set) == 0
	set[c.ConnectionID] = c
	t.byConn[c.ConnectionID] = c.UserID
	t.mu.Unlock()

	metricConnections.Inc()
	if wasOffline {
		metricOnlineUsers.Inc()
		if t.onOnline != nil {
			t.onOnline(c.UserID)
		}
	}

	t.log.Info("realtime.connect", "connection_id", c.ConnectionID, "user_id", c.UserID, "first", wasOffline)
}

// Disconnect removes the mapping both ways and signals the client to stop.
// The offline transition fires exactly once, when the user's last connection
// goes away.
func (t *Tracker) Disconnect(connectionID string) {
	if connectionID == "" {
		return
	}

	var (
		cl      *Client
		userID  string
		offline bool
	)

	t.mu.Lock()
	userID, ok := t.byConn[connectionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byConn, connectionID)

	set := t.byUser[userID]
	cl = set[connectionID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(t.byUser, userID)
		offline = true
	}
	t.mu.Unlock()

	// Signal client shutdown after removing from the maps. This ordering
	// avoids race windows where a broadcaster still holds a pointer while
	// the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	metricConnections.Dec()
	if offline {
		metricOnlineUsers.Dec()
		if t.onOffline != nil {
			t.onOffline(userID)
		}
	}

	t.log.Info("realtime.disconnect", "connection_id", connectionID, "user_id", userID, "last", offline)
}

// Online reports whether the user has at least one live connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[userID]) > 0
}

// Connections returns the number of live connections for a user.
func (t *Tracker) Connections(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[userID])
}

// SendToUser delivers an event to every live connection of userID, stamped
// with a server timestamp. A user with no connections is a no-op, not an
// error: realtime delivery is best-effort. Returns delivered and dropped
// counts; individual failures are swallowed so one dead socket never aborts
// delivery to the rest.
func (t *Tracker) SendToUser(userID, eventType string, payload json.RawMessage) (delivered, dropped int) {
	env := newEnvelope(eventType, payload, time.Now().UTC())

	t.mu.Lock()
	targets := snapshot(t.byUser[userID])
	t.mu.Unlock()

	for _, c := range targets {
		if enqueue(c, env) {
			delivered++
		} else {
			dropped++
		}
	}

	metricEventsDelivered.WithLabelValues("user").Add(float64(delivered))
	metricEventsDropped.WithLabelValues("user").Add(float64(dropped))
	return delivered, dropped
}

// BroadcastAll delivers an event to every live connection across all users.
func (t *Tracker) BroadcastAll(eventType string, payload json.RawMessage) (delivered, dropped int) {
	env := newEnvelope(eventType, payload, time.Now().UTC())

	t.mu.Lock()
	var targets []*Client
	for _, set := range t.byUser {
		targets = append(targets, snapshot(set)...)
	}
	t.mu.Unlock()

	for _, c := range targets {
		if enqueue(c, env) {
			delivered++
		} else {
			dropped++
		}
	}

	metricEventsDelivered.WithLabelValues("broadcast").Add(float64(delivered))
	metricEventsDropped.WithLabelValues("broadcast").Add(float64(dropped))
	return delivered, dropped
}

// SendToOthers delivers an event to every connection of userID except the
// originating one (room-of-one-user passthrough semantics).
func (t *Tracker) SendToOthers(userID, exceptConnectionID string, env v1.Envelope) (delivered, dropped int) {
	t.mu.Lock()
	targets := snapshot(t.byUser[userID])
	t.mu.Unlock()

	for _, c := range targets {
		if c.ConnectionID == exceptConnectionID {
			continue
		}
		if enqueue(c, env) {
			delivered++
		} else {
			dropped++
		}
	}

	metricEventsDelivered.WithLabelValues("passthrough").Add(float64(delivered))
	metricEventsDropped.WithLabelValues("passthrough").Add(float64(dropped))
	return delivered, dropped
}

// ForceDisconnect terminates every live connection of userID: each receives
// exactly one termination notice carrying reason, then is severed and
// cleaned up. This is how registry revocation becomes real-time-effective.
// Returns the number of connections terminated.
func (t *Tracker) ForceDisconnect(userID, reason string) int {
	payload, _ := json.Marshal(v1.TerminatedPayload{Reason: reason})
	env := newEnvelope(v1.TypeSessionTerminated, payload, time.Now().UTC())

	t.mu.Lock()
	targets := snapshot(t.byUser[userID])
	t.mu.Unlock()

	for _, c := range targets {
		// Terminate is a non-blocking handoff to the per-connection writer;
		// the notice write and socket close happen there, concurrently
		// across connections.
		c.Terminate(env)
		t.Disconnect(c.ConnectionID)
	}

	if n := len(targets); n > 0 {
		metricForceDisconnects.Add(float64(n))
		t.log.Info("realtime.force_disconnect", "user_id", userID, "reason", reason, "connections", n)
	}
	return len(targets)
}

func snapshot(set map[string]*Client) []*Client {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func enqueue(c *Client, env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		// Drop rather than block the whole fan-out.
		return false
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      ts,
		Payload: payload,
	}
}

// NewConnectionID returns a ULID used as the connection id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewConnectionID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
