package chat

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"schooltrack/internal/metrics"
)

// Phase is the current position of the session state machine.
type Phase string

const (
	PhaseUninitialized  Phase = "UNINITIALIZED"
	PhaseAwaitingAuth   Phase = "AWAITING_AUTH"
	PhaseAuthenticating Phase = "AUTHENTICATING"
	PhaseReady          Phase = "READY"
	PhaseAuthFailed     Phase = "AUTH_FAILED"
	PhaseDisconnected   Phase = "DISCONNECTED"
)

const maxHeartbeatFailures = 3

// SessionStatus is the structured state exposed to the HTTP layer.
type SessionStatus struct {
	Phase             Phase             `json:"phase"`
	AuthCodePresent   bool              `json:"authCodePresent"`
	LastError         string            `json:"lastError,omitempty"`
	LastConnectedAt   *time.Time        `json:"lastConnectedAt,omitempty"`
	HeartbeatFailures int               `json:"heartbeatFailures"`
	RecentEvents      []ConnectionEvent `json:"recentEvents"`
	Stats             StatsSnapshot     `json:"messageStats"`
}

// AuthCodeResult carries the current scannable authentication code, or a
// retry hint when one is not yet available.
type AuthCodeResult struct {
	Code        string    `json:"code,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ShouldRetry bool      `json:"shouldRetry,omitempty"`
	RetryAfter  int       `json:"retryAfter,omitempty"`
}

// ResetResult reports the outcome of a full session reset.
type ResetResult struct {
	Success          bool   `json:"success"`
	AuthCodeObtained bool   `json:"authCodeObtained"`
	Error            string `json:"error,omitempty"`
}

// LogoutResult reports the outcome of a logout. Success is always true once
// credential deletion has been attempted; Warning carries any underlying
// error for diagnostics.
type LogoutResult struct {
	Success            bool   `json:"success"`
	CredentialsCleared bool   `json:"credentialsCleared"`
	Warning            string `json:"warning,omitempty"`
}

// Manager owns exactly one logical chat-session client at a time and
// mediates all phase transitions. Every client instance is tagged with a
// generation; asynchronous callbacks capture their generation and no-op once
// a newer instance has been installed, so stale handlers cannot corrupt
// state after a reset.
type Manager struct {
	mu              sync.Mutex
	newClient       func() Client
	client          Client
	generation      uint64
	phase           Phase
	pendingCode     string
	codeIssuedAt    time.Time
	lastError       string
	lastConnectedAt time.Time
	heartbeatFails  int
	resetInFlight   bool

	sessionDir string
	log        zerolog.Logger
	events     *EventLog
	stats      *DeliveryStats
	onAuthCode func(code string)

	retryDelay     time.Duration // delay before automatic recovery attempts
	graceWait      time.Duration // wait after reset for an auth code to appear
	heartbeatEvery time.Duration
	opTimeout      time.Duration // bound on individual transport calls
	codeTTL        time.Duration // max age before a pending code is considered stale

	now   func() time.Time
	after func(d time.Duration, f func())
	stop  chan struct{}
}

// NewManager creates a manager that builds session clients with newClient
// and stores credentials under sessionDir.
func NewManager(newClient func() Client, sessionDir string, stats *DeliveryStats, log zerolog.Logger) *Manager {
	return &Manager{
		newClient:      newClient,
		sessionDir:     sessionDir,
		phase:          PhaseUninitialized,
		log:            log,
		events:         NewEventLog(),
		stats:          stats,
		retryDelay:     5 * time.Second,
		graceWait:      3 * time.Second,
		heartbeatEvery: 30 * time.Second,
		opTimeout:      5 * time.Second,
		codeTTL:        30 * time.Second,
		now:            time.Now,
		after:          func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		stop:           make(chan struct{}),
	}
}

// SetTimings overrides the heartbeat interval, per-call transport timeout,
// and recovery retry delay. Must be called before Start.
func (m *Manager) SetTimings(heartbeat, opTimeout, retryDelay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if heartbeat > 0 {
		m.heartbeatEvery = heartbeat
	}
	if opTimeout > 0 {
		m.opTimeout = opTimeout
	}
	if retryDelay > 0 {
		m.retryDelay = retryDelay
	}
}

// SetAuthCodeCallback registers a callback invoked whenever a fresh
// authentication code arrives.
func (m *Manager) SetAuthCodeCallback(cb func(code string)) {
	m.mu.Lock()
	m.onAuthCode = cb
	m.mu.Unlock()
}

// Start builds the initial client, begins consuming its events, and starts
// the heartbeat loop. Initialization errors are logged, not fatal: the
// heartbeat and recovery paths converge the session later.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	c, _ := m.spawnClientLocked()
	m.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Initialize(initCtx); err != nil {
		m.log.Error().Err(err).Msg("chat client initialization failed")
		m.events.Add("Initialization error: "+err.Error(), SeverityError)
	}

	go m.heartbeatLoop()
}

// Stop halts the heartbeat loop. Used on shutdown and in tests.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// spawnClientLocked installs a fresh client under a new generation and
// starts its event pump. Caller holds m.mu.
func (m *Manager) spawnClientLocked() (Client, uint64) {
	m.generation++
	gen := m.generation
	c := m.newClient()
	m.client = c
	go m.pump(c, gen)
	return c, gen
}

// pump dispatches one client instance's events until its channel closes.
// Events from a superseded generation are dropped by handleEvent.
func (m *Manager) pump(c Client, gen uint64) {
	for ev := range c.Events() {
		m.handleEvent(gen, ev)
	}
}

func (m *Manager) handleEvent(gen uint64, ev ClientEvent) {
	m.mu.Lock()
	if gen != m.generation {
		// Stale handler firing after a reset already replaced the client.
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventAuthCode:
		m.phase = PhaseAwaitingAuth
		m.pendingCode = ev.Code
		m.codeIssuedAt = m.now()
		m.events.Add("Auth code generated", SeverityInfo)
		m.log.Info().Msg("new auth code generated")
		cb := m.onAuthCode
		m.mu.Unlock()
		if cb != nil {
			cb(ev.Code)
		}
		return

	case EventAuthenticated:
		m.phase = PhaseAuthenticating
		m.pendingCode = ""
		m.events.Add("Authenticated", SeveritySuccess)
		m.log.Info().Msg("chat session authenticated")

	case EventReady:
		m.phase = PhaseReady
		m.pendingCode = ""
		m.lastError = ""
		m.lastConnectedAt = m.now()
		m.heartbeatFails = 0
		m.events.Add("Connected", SeveritySuccess)
		m.log.Info().Msg("chat session ready")

	case EventAuthFailure:
		m.phase = PhaseAuthFailed
		m.pendingCode = ""
		m.lastError = ev.Reason
		m.events.Add("Authentication failed: "+ev.Reason, SeverityError)
		m.log.Error().Str("reason", ev.Reason).Msg("chat authentication failed")
		old := m.client
		m.mu.Unlock()
		m.destroyBestEffort(old)
		m.after(m.retryDelay, func() {
			m.log.Info().Msg("reinitializing chat client after auth failure")
			m.Reset(context.Background())
		})
		return

	case EventDisconnected:
		m.phase = PhaseDisconnected
		m.pendingCode = ""
		m.events.Add("Disconnected: "+ev.Reason, SeverityWarning)
		m.log.Warn().Str("reason", ev.Reason).Msg("chat session disconnected")
		m.mu.Unlock()
		m.after(m.retryDelay, func() { m.reconnect() })
		return

	case EventLoading:
		m.log.Debug().Str("detail", ev.Reason).Msg("chat session loading")
	}
	m.mu.Unlock()
}

// reconnect handles recovery after a disconnect: tear down, rebuild through
// a full reset, and fall back to a raw client recreation if the reset
// itself fails.
func (m *Manager) reconnect() {
	m.log.Info().Msg("attempting chat reconnect after disconnect")
	m.mu.Lock()
	old := m.client
	m.mu.Unlock()
	m.destroyBestEffort(old)

	res := m.Reset(context.Background())
	if res.Success {
		m.events.Add("Auto reconnect initiated", SeverityInfo)
		return
	}

	m.events.Add("Auto reconnect failed: "+res.Error, SeverityError)
	m.log.Error().Str("error", res.Error).Msg("reset during reconnect failed, recreating client")

	m.mu.Lock()
	c, _ := m.spawnClientLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		m.log.Error().Err(err).Msg("fallback client initialization failed")
	}
}

// Reset performs a full session reset: mark not ready, destroy the current
// client, delete on-disk credentials, build a fresh client, reinitialize,
// and report whether an auth code was obtained within the grace period.
// Overlapping resets are serialized with an in-flight flag.
func (m *Manager) Reset(ctx context.Context) ResetResult {
	m.mu.Lock()
	if m.resetInFlight {
		m.mu.Unlock()
		return ResetResult{Success: false, Error: "reset already in progress"}
	}
	m.resetInFlight = true
	m.phase = PhaseUninitialized
	m.pendingCode = ""
	old := m.client
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.resetInFlight = false
		m.mu.Unlock()
	}()

	m.events.Add("Resetting chat session", SeverityInfo)
	m.log.Info().Msg("performing full chat session reset")
	metrics.SessionResets.Inc()

	m.destroyBestEffort(old)
	m.clearSessionStorage()

	m.mu.Lock()
	c, _ := m.spawnClientLocked()
	m.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := c.Initialize(initCtx)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("client initialization during reset failed")
		m.events.Add("Reset initialization error: "+err.Error(), SeverityError)
	}

	if m.graceWait > 0 {
		select {
		case <-time.After(m.graceWait):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	obtained := m.pendingCode != ""
	m.mu.Unlock()
	return ResetResult{Success: true, AuthCodeObtained: obtained}
}

// Logout is stronger than Reset: it additionally attempts a graceful
// protocol-level logout before teardown. Credential deletion is the
// authoritative source of truth for "logged out", so the result reports
// success even when graceful logout or teardown errored.
func (m *Manager) Logout(ctx context.Context) LogoutResult {
	m.mu.Lock()
	m.phase = PhaseUninitialized
	m.pendingCode = ""
	m.lastError = ""
	old := m.client
	m.mu.Unlock()

	m.events.Add("Logging out", SeverityWarning)
	m.log.Info().Msg("chat logout requested")

	var warning string

	logoutCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	if err := old.Logout(logoutCtx); err != nil {
		warning = err.Error()
		m.log.Warn().Err(err).Msg("graceful logout failed, forcing disconnection")
	}
	cancel()

	m.destroyBestEffort(old)

	cleared := true
	if err := os.RemoveAll(m.sessionDir); err != nil {
		cleared = false
		if warning == "" {
			warning = err.Error()
		}
		m.log.Warn().Err(err).Msg("session credential cleanup failed")
	}

	m.mu.Lock()
	c, _ := m.spawnClientLocked()
	m.mu.Unlock()

	initCtx, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	if err := c.Initialize(initCtx); err != nil {
		m.log.Warn().Err(err).Msg("client initialization after logout failed")
	}
	cancel2()

	m.events.Add("Logged out", SeveritySuccess)
	return LogoutResult{Success: true, CredentialsCleared: cleared, Warning: warning}
}

// clearSessionStorage removes the credential directory wholesale.
// Best-effort: partial file-lock failures are expected while the external
// browser process shuts down.
func (m *Manager) clearSessionStorage() {
	if m.sessionDir == "" {
		return
	}
	if err := os.RemoveAll(m.sessionDir); err != nil {
		m.log.Warn().Err(err).Str("dir", m.sessionDir).Msg("session storage cleanup failed")
	}
}

// destroyBestEffort tears down a client instance, tolerating failure: the
// transport is expected to error intermittently and an orphaned teardown
// must never block a future attempt.
func (m *Manager) destroyBestEffort(c Client) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := c.Destroy(ctx); err != nil {
		m.log.Warn().Err(err).Msg("client destroy failed")
	}
}

// heartbeatLoop probes the transport while the session is READY. Three
// consecutive failures trigger exactly one full reset.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.heartbeatCheck(context.Background())
		}
	}
}

// heartbeatCheck runs a single liveness probe. Exported-in-package so tests
// can drive the three-strikes policy without waiting on the ticker.
func (m *Manager) heartbeatCheck(ctx context.Context) {
	m.mu.Lock()
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return
	}
	c := m.client
	gen := m.generation
	m.mu.Unlock()

	stateCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	state, err := c.GetState(stateCtx)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if err == nil && state == StateConnected {
		m.heartbeatFails = 0
		m.mu.Unlock()
		return
	}

	m.heartbeatFails++
	fails := m.heartbeatFails
	m.log.Warn().Int("failures", fails).Int("max", maxHeartbeatFailures).Err(err).Msg("chat heartbeat failed")
	metrics.HeartbeatFailures.Inc()

	if fails < maxHeartbeatFailures {
		m.mu.Unlock()
		return
	}

	m.phase = PhaseDisconnected
	m.lastError = "connection lost after repeated failed heartbeats"
	m.heartbeatFails = 0
	m.mu.Unlock()

	m.events.Add("Heartbeat failed repeatedly, resetting client", SeverityError)
	m.log.Error().Msg("chat connection appears broken, resetting client")
	m.Reset(ctx)
}

// VerifyConnection performs the deep connectivity check used by status
// queries: transport state first, then a protocol version probe. Failure
// substrings that indicate a remote-side logout force the phase to
// AUTH_FAILED immediately.
func (m *Manager) VerifyConnection(ctx context.Context) (bool, string) {
	m.mu.Lock()
	c := m.client
	gen := m.generation
	m.mu.Unlock()
	if c == nil {
		return false, "client not initialized"
	}

	stateCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	state, err := c.GetState(stateCtx)
	cancel()
	if err != nil {
		m.noteRemoteLogout(gen, err.Error())
		return false, "connection check error: " + err.Error()
	}
	if state != StateConnected {
		return false, "invalid state: " + state
	}

	verCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	_, err = c.Version(verCtx)
	cancel()
	if err != nil {
		return false, "version check failed: " + err.Error()
	}
	return true, ""
}

// noteRemoteLogout recognizes failure messages that mean the remote side
// revoked the session and forces the phase accordingly.
func (m *Manager) noteRemoteLogout(gen uint64, msg string) {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "disconnected") &&
		!strings.Contains(lower, "not logged in") &&
		!strings.Contains(lower, "authentication") {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.phase = PhaseAuthFailed
	m.lastError = "logged out from device: " + msg
	m.events.Add("Remote logout detected", SeverityError)
}

// Ready reports whether the session phase is READY.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastConnectedAt returns the time of the most recent READY entry.
func (m *Manager) LastConnectedAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnectedAt, !m.lastConnectedAt.IsZero()
}

// Send delivers body to a canonical chat address through the current client.
func (m *Manager) Send(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	c := m.client
	ready := m.phase == PhaseReady
	m.mu.Unlock()
	if !ready || c == nil {
		return "", ErrNotReady
	}
	return c.SendMessage(ctx, to, body)
}

// Status returns the structured session state for the HTTP layer. When the
// cached phase claims READY it is verified against the live transport; a
// broken connection downgrades the report and kicks off a reset so the
// caller can re-authenticate.
func (m *Manager) Status(ctx context.Context) SessionStatus {
	if m.Ready() {
		if ok, reason := m.VerifyConnection(ctx); !ok {
			m.log.Warn().Str("reason", reason).Msg("status check found broken connection")
			m.mu.Lock()
			if m.phase == PhaseReady {
				m.phase = PhaseDisconnected
			}
			m.lastError = "chat disconnected: " + reason
			m.mu.Unlock()
			m.Reset(ctx)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := SessionStatus{
		Phase:             m.phase,
		AuthCodePresent:   m.pendingCode != "",
		LastError:         m.lastError,
		HeartbeatFailures: m.heartbeatFails,
		RecentEvents:      m.events.Recent(10),
	}
	if m.stats != nil {
		st.Stats = m.stats.Snapshot()
	}
	if !m.lastConnectedAt.IsZero() {
		t := m.lastConnectedAt
		st.LastConnectedAt = &t
	}
	return st
}

// CurrentAuthCode returns the pending authentication code. A stale code
// (older than codeTTL) is never handed out as if valid: it forces a reset
// and the caller gets either the fresh code or a retry hint.
func (m *Manager) CurrentAuthCode(ctx context.Context) AuthCodeResult {
	m.mu.Lock()
	code := m.pendingCode
	issued := m.codeIssuedAt
	fresh := code != "" && m.now().Sub(issued) <= m.codeTTL
	m.mu.Unlock()

	if fresh {
		return AuthCodeResult{Code: code, IssuedAt: issued}
	}

	m.log.Info().Msg("no valid auth code available, forcing reset")
	m.Reset(ctx)

	m.mu.Lock()
	code = m.pendingCode
	issued = m.codeIssuedAt
	m.mu.Unlock()
	if code == "" {
		return AuthCodeResult{ShouldRetry: true, RetryAfter: 5}
	}
	return AuthCodeResult{Code: code, IssuedAt: issued}
}
