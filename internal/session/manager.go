// ABOUTME: Manages the lifecycle of session-connector attachments and their live transports.
// ABOUTME: One transport per (session, connector) pair; memory is a cache of the attachment store.

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/toolgate/internal/connector"
	"github.com/2389/toolgate/internal/discovery"
	"github.com/2389/toolgate/internal/store"
)

// DefaultHealthInterval is how often active attachments are pinged.
const DefaultHealthInterval = 60 * time.Second

// DefaultDegradedBackoff is the fixed wait before the single synchronous
// reconnect attempt on a degraded pair.
const DefaultDegradedBackoff = 500 * time.Millisecond

// Dialer opens a live transport for a registered connector. Implemented by
// the connector registry.
type Dialer interface {
	Dial(ctx context.Context, connectorID string) (connector.ToolTransport, error)
}

type pairKey struct {
	sessionID   string
	connectorID string
}

// attachment is the in-memory state of one (session, connector) pair. Its
// mutex guards state transitions only; transport I/O happens with the lock
// released, gated by the Attaching/busy status instead.
type attachment struct {
	mu        sync.Mutex
	status    store.AttachmentStatus
	transport connector.ToolTransport
	tools     []connector.Tool
}

// Manager owns every live attachment. Attachments are persisted so a new
// process instance can transparently reattach; transports are never shared
// across sessions.
type Manager struct {
	mu          sync.Mutex
	attachments map[pairKey]*attachment

	dialer Dialer
	cache  *discovery.Cache
	store  store.AttachmentStore
	logger *slog.Logger

	healthInterval  time.Duration
	degradedBackoff time.Duration
	callTimeout     time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager. Call Start to begin the health loop
// and Close to tear everything down.
func NewManager(dialer Dialer, cache *discovery.Cache, st store.AttachmentStore, logger *slog.Logger) *Manager {
	return &Manager{
		attachments:     make(map[pairKey]*attachment),
		dialer:          dialer,
		cache:           cache,
		store:           st,
		logger:          logger.With("component", "session"),
		healthInterval:  DefaultHealthInterval,
		degradedBackoff: DefaultDegradedBackoff,
		callTimeout:     connector.DefaultCallTimeout,
		done:            make(chan struct{}),
	}
}

// SetHealthInterval overrides the health-check cadence. Must be called before Start.
func (m *Manager) SetHealthInterval(d time.Duration) {
	if d > 0 {
		m.healthInterval = d
	}
}

// SetDegradedBackoff overrides the wait before a degraded pair's reconnect.
func (m *Manager) SetDegradedBackoff(d time.Duration) {
	if d > 0 {
		m.degradedBackoff = d
	}
}

// entry returns the attachment for a pair, creating a detached placeholder if
// none exists.
func (m *Manager) entry(key pairKey) *attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[key]
	if !ok {
		a = &attachment{status: store.StatusDetached}
		m.attachments[key] = a
	}
	return a
}

// lookup returns the attachment for a pair without creating one.
func (m *Manager) lookup(key pairKey) (*attachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[key]
	return a, ok
}

// Attach binds a connector to a session: dial, health-probe, discover tools,
// persist. Attaching an already-Active pair is a no-op; a concurrent attach on
// the same pair gets AttachmentLockBusy. On any failure the pair ends Detached
// and the underlying ConnectError is returned.
func (m *Manager) Attach(ctx context.Context, sessionID, connectorID string) error {
	key := pairKey{sessionID, connectorID}
	a := m.entry(key)

	a.mu.Lock()
	switch a.status {
	case store.StatusActive:
		a.mu.Unlock()
		return nil
	case store.StatusAttaching:
		a.mu.Unlock()
		return &Error{Kind: AttachmentLockBusy, SessionID: sessionID, ConnectorID: connectorID}
	}
	a.status = store.StatusAttaching
	a.mu.Unlock()

	if err := m.connect(ctx, key, a); err != nil {
		return err
	}

	m.logger.Info("connector attached", "session_id", sessionID, "connector_id", connectorID)
	return nil
}

// connect performs the dial/probe/discover sequence for a pair already marked
// Attaching and finalizes its state. No lock is held across transport I/O.
// A failure marks the persisted record detached rather than deleting it;
// only user Detach removes the row, so the binding stays reattachable.
func (m *Manager) connect(ctx context.Context, key pairKey, a *attachment) error {
	fail := func(err error) error {
		a.mu.Lock()
		if a.transport != nil {
			_ = a.transport.Close()
		}
		a.status = store.StatusDetached
		a.transport = nil
		a.tools = nil
		a.mu.Unlock()
		_ = m.store.SaveAttachment(ctx, &store.SessionAttachment{
			SessionID:         key.sessionID,
			ConnectorID:       key.connectorID,
			Status:            store.StatusDetached,
			LastHealthCheckAt: time.Now().UTC(),
		})
		return err
	}

	transport, err := m.dialer.Dial(ctx, key.connectorID)
	if err != nil {
		return fail(err)
	}
	if err := transport.Ping(ctx); err != nil {
		_ = transport.Close()
		return fail(err)
	}

	tools, err := m.cache.GetOrRefresh(ctx, key.connectorID, transport.ListTools)
	if err != nil {
		_ = transport.Close()
		return fail(err)
	}

	a.mu.Lock()
	if a.transport != nil {
		_ = a.transport.Close()
	}
	a.transport = transport
	a.tools = tools
	a.status = store.StatusActive
	a.mu.Unlock()

	return m.store.SaveAttachment(ctx, &store.SessionAttachment{
		SessionID:         key.sessionID,
		ConnectorID:       key.connectorID,
		Status:            store.StatusActive,
		ToolNames:         toolNames(tools),
		LastHealthCheckAt: time.Now().UTC(),
	})
}

// EnsureActive makes the pair usable before a tool call: Active proceeds,
// Degraded gets one synchronous reconnect then fails fast, Detached-in-memory
// but persisted attachments are transparently reattached (restart survival).
func (m *Manager) EnsureActive(ctx context.Context, sessionID, connectorID string) error {
	key := pairKey{sessionID, connectorID}

	a, ok := m.lookup(key)
	if !ok {
		// New process instance: consult the durable record.
		if _, err := m.store.GetAttachment(ctx, sessionID, connectorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
			}
			return err
		}
		return m.Attach(ctx, sessionID, connectorID)
	}

	a.mu.Lock()
	status := a.status
	switch status {
	case store.StatusActive:
		a.mu.Unlock()
		return nil
	case store.StatusAttaching:
		a.mu.Unlock()
		return &Error{Kind: AttachmentLockBusy, SessionID: sessionID, ConnectorID: connectorID}
	case store.StatusDegraded:
		// One reconnect attempt after a fixed backoff, then fail fast.
		a.status = store.StatusAttaching
		a.mu.Unlock()
		select {
		case <-time.After(m.degradedBackoff):
		case <-ctx.Done():
			// connect fails on the dead context and finalizes the state.
		}
		if err := m.connect(ctx, key, a); err != nil {
			m.logger.Warn("degraded reconnect failed",
				"session_id", sessionID, "connector_id", connectorID, "error", err)
			return err
		}
		m.logger.Info("degraded attachment recovered", "session_id", sessionID, "connector_id", connectorID)
		return nil
	default: // Detached
		a.mu.Unlock()
		if _, err := m.store.GetAttachment(ctx, sessionID, connectorID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
			}
			return err
		}
		return m.Attach(ctx, sessionID, connectorID)
	}
}

// Detach closes the transport (killing a stdio subprocess), marks the pair
// Detached, and clears the persisted record. This is the only path that kills
// a subprocess.
func (m *Manager) Detach(ctx context.Context, sessionID, connectorID string) error {
	key := pairKey{sessionID, connectorID}
	a, ok := m.lookup(key)
	if !ok {
		return &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
	}

	a.mu.Lock()
	if a.status == store.StatusDetached {
		a.mu.Unlock()
		return &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
	}
	transport := a.transport
	a.transport = nil
	a.tools = nil
	a.status = store.StatusDetached
	a.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if err := m.store.ClearAttachment(ctx, sessionID, connectorID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	m.logger.Info("connector detached", "session_id", sessionID, "connector_id", connectorID)
	return nil
}

// Resolve returns the session's persisted attachments, the per-message source
// of truth for which connectors a message may use.
func (m *Manager) Resolve(ctx context.Context, sessionID string) ([]*store.SessionAttachment, error) {
	return m.store.LoadActiveAttachments(ctx, sessionID)
}

// Tools returns the discovered tools of an attached pair. Empty when the pair
// is not live in memory.
func (m *Manager) Tools(sessionID, connectorID string) []connector.Tool {
	a, ok := m.lookup(pairKey{sessionID, connectorID})
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tools
}

// CallTool ensures the pair is Active and invokes the tool through its live
// transport with a bounded timeout.
func (m *Manager) CallTool(ctx context.Context, sessionID, connectorID, tool string, args []byte) ([]byte, error) {
	if err := m.EnsureActive(ctx, sessionID, connectorID); err != nil {
		return nil, err
	}

	a, ok := m.lookup(pairKey{sessionID, connectorID})
	if !ok {
		return nil, &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
	}
	a.mu.Lock()
	transport := a.transport
	a.mu.Unlock()
	if transport == nil {
		return nil, &Error{Kind: AlreadyDetached, SessionID: sessionID, ConnectorID: connectorID}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return transport.CallTool(callCtx, tool, args)
}

// Start launches the background health loop. Stop it with Close.
func (m *Manager) Start() {
	go m.healthLoop()
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkHealth(context.Background())
		}
	}
}

// checkHealth pings every Active attachment. A failed ping moves the pair to
// Degraded (the process is not killed) and schedules one async reconnect that
// restores Active or marks Detached.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[pairKey]*attachment, len(m.attachments))
	for k, a := range m.attachments {
		snapshot[k] = a
	}
	m.mu.Unlock()

	for key, a := range snapshot {
		a.mu.Lock()
		transport := a.transport
		active := a.status == store.StatusActive
		a.mu.Unlock()
		if !active || transport == nil {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := transport.Ping(pingCtx)
		cancel()
		if err == nil {
			_ = m.store.SaveAttachment(ctx, &store.SessionAttachment{
				SessionID:         key.sessionID,
				ConnectorID:       key.connectorID,
				Status:            store.StatusActive,
				ToolNames:         toolNames(m.Tools(key.sessionID, key.connectorID)),
				LastHealthCheckAt: time.Now().UTC(),
			})
			continue
		}

		m.logger.Warn("health check failed, degrading attachment",
			"session_id", key.sessionID, "connector_id", key.connectorID, "error", err)

		a.mu.Lock()
		if a.status == store.StatusActive {
			a.status = store.StatusDegraded
		}
		a.mu.Unlock()
		_ = m.store.SaveAttachment(ctx, &store.SessionAttachment{
			SessionID:         key.sessionID,
			ConnectorID:       key.connectorID,
			Status:            store.StatusDegraded,
			ToolNames:         toolNames(m.Tools(key.sessionID, key.connectorID)),
			LastHealthCheckAt: time.Now().UTC(),
		})

		go m.retryDegraded(key, a)
	}
}

// retryDegraded makes one reconnect attempt for a degraded pair.
func (m *Manager) retryDegraded(key pairKey, a *attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.mu.Lock()
	if a.status != store.StatusDegraded {
		a.mu.Unlock()
		return
	}
	old := a.transport
	a.transport = nil
	a.status = store.StatusAttaching
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if err := m.connect(ctx, key, a); err != nil {
		m.logger.Warn("reconnect failed, detaching",
			"session_id", key.sessionID, "connector_id", key.connectorID, "error", err)
		return
	}
	m.logger.Info("attachment recovered", "session_id", key.sessionID, "connector_id", key.connectorID)
}

// Close stops the health loop and closes every live transport. Idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, a := range m.attachments {
			a.mu.Lock()
			if a.transport != nil {
				_ = a.transport.Close()
				a.transport = nil
			}
			a.status = store.StatusDetached
			a.mu.Unlock()
		}
	})
	return nil
}

func toolNames(tools []connector.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
