// Package relay implements the role-aware routing core: it tracks device
// connections, groups them into role-based sessions, and forwards encrypted
// payloads between executors, controllers, and viewers without ever
// inspecting plaintext.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSendBuffer      = 32
	defaultIdleTimeout     = 15 * time.Minute
	defaultHousekeepTick   = time.Minute
	defaultMaxFramePayload = 1 << 20
)

// Role is a connection's function within a session.
type Role string

const (
	RoleExecutor   Role = "executor"
	RoleController Role = "controller"
	RoleViewer     Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleExecutor, RoleController, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Permission gates whether a session participant may route input back to the
// executor. Only view_only is actually restrictive; interact and full_control
// both pass the routing gate.
type Permission string

const (
	PermissionViewOnly    Permission = "view_only"
	PermissionInteract    Permission = "interact"
	PermissionFullControl Permission = "full_control"
)

// ParsePermission validates a permission string; empty defaults to view_only.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermissionViewOnly, PermissionInteract, PermissionFullControl:
		return Permission(s), nil
	case "":
		return PermissionViewOnly, nil
	default:
		return "", fmt.Errorf("unknown permission %q", s)
	}
}

// RouteError maps frame validation and routing failures to ERROR frames.
// Fatal errors terminate the connection after the frame is sent.
type RouteError struct {
	Code  string
	Msg   string
	Fatal bool
}

func (e *RouteError) Error() string {
	return e.Msg
}

// Authenticator verifies AUTH frame credentials.
type Authenticator interface {
	Verify(deviceID, token string) error
}

// TrustChecker answers whether a device currently holds a valid trust grant.
// The identity trust store satisfies this.
type TrustChecker interface {
	ValidFor(deviceID string, now time.Time) bool
}

// Options configures a Manager.
type Options struct {
	Metrics              *relayMetrics
	Authenticator        Authenticator
	Trust                TrustChecker
	SendBuffer           int
	SessionIdleTimeout   time.Duration
	HousekeepingInterval time.Duration
}

// Manager owns all connection and session state for one relay process.
// Construct one per server; there is no package-level instance.
type Manager struct {
	log     *zap.Logger
	metrics *relayMetrics
	auth    Authenticator
	trust   TrustChecker

	mu       sync.Mutex
	conns    map[string]*Conn
	sessions map[string]*roleSession
	accounts map[string]map[string]*Conn

	houseOnce sync.Once

	sendBuffer           int
	sessionIdleTimeout   time.Duration
	housekeepingInterval time.Duration
}

// NewManager builds a routing manager.
func NewManager(log *zap.Logger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:                  log,
		metrics:              opts.Metrics,
		auth:                 opts.Authenticator,
		trust:                opts.Trust,
		conns:                make(map[string]*Conn),
		sessions:             make(map[string]*roleSession),
		accounts:             make(map[string]map[string]*Conn),
		sendBuffer:           opts.SendBuffer,
		sessionIdleTimeout:   opts.SessionIdleTimeout,
		housekeepingInterval: opts.HousekeepingInterval,
	}
	if m.sendBuffer <= 0 {
		m.sendBuffer = defaultSendBuffer
	}
	if m.sessionIdleTimeout <= 0 {
		m.sessionIdleTimeout = defaultIdleTimeout
	}
	if m.housekeepingInterval <= 0 {
		m.housekeepingInterval = defaultHousekeepTick
	}
	return m
}

// Conn tracks one connected device. Outbound frames go through sendCh; the
// transport owns the single goroutine draining it.
type Conn struct {
	id           string
	deviceID     string
	role         Role
	accountID    string
	capabilities []string
	authed       bool

	sendCh chan *Frame
	ctx    context.Context
	cancel context.CancelFunc

	connectedAt time.Time
	lastSeen    time.Time
}

// ID returns the connection identifier assigned at AddConnection.
func (c *Conn) ID() string { return c.id }

// DeviceID returns the authenticated device ID, empty before AUTH.
func (c *Conn) DeviceID() string {
	return c.deviceID
}

// Role returns the registered role, empty before REGISTER_ROLE.
func (c *Conn) Role() Role { return c.role }

// Send returns the channel the transport drains to deliver frames.
func (c *Conn) Send() <-chan *Frame { return c.sendCh }

// Done is closed when the connection is cancelled.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// AddConnection registers a new, unauthenticated connection.
func (m *Manager) AddConnection(parentCtx context.Context) (*Conn, error) {
	id, err := generateConnID()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	now := time.Now()
	conn := &Conn{
		id:          id,
		sendCh:      make(chan *Frame, m.sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		lastSeen:    now,
	}

	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()
	m.metrics.incConnection()

	m.log.Info("device connected", zap.String("conn_id", id))
	return conn, nil
}

// HandleFrame dispatches one inbound frame. RouteError results should be
// reported to the sender as ERROR frames; fatal ones terminate the
// connection.
func (m *Manager) HandleFrame(conn *Conn, frame *Frame) error {
	start := time.Now()
	m.touch(conn)

	var err error
	switch frame.Type {
	case FrameAuth:
		err = m.handleAuth(conn, frame)
	case FrameRegisterRole:
		err = m.handleRegisterRole(conn, frame)
	case FrameJoinSession:
		err = m.handleJoinSession(conn, frame)
	case FrameLeaveSession:
		err = m.handleLeaveSession(conn, frame)
	case FrameSessionMessage:
		err = m.handleSessionMessage(conn, frame)
	default:
		err = &RouteError{Code: CodeInvalidFrame, Msg: fmt.Sprintf("unsupported frame type %q", frame.Type)}
	}

	m.observe(metricOp(frame.Type), start, err)
	return err
}

func (m *Manager) handleAuth(conn *Conn, frame *Frame) error {
	if frame.DeviceID == "" {
		return &RouteError{Code: CodeInvalidFrame, Msg: "device id required", Fatal: true}
	}
	m.mu.Lock()
	already := conn.authed
	m.mu.Unlock()
	// Authentication is one-way: a connection that needs different
	// credentials must reconnect.
	if already {
		return &RouteError{Code: CodeAlreadyAuthenticated, Msg: "connection is already authenticated; reconnect to change credentials", Fatal: true}
	}
	if m.auth != nil {
		if err := m.auth.Verify(frame.DeviceID, frame.Token); err != nil {
			m.log.Warn("auth rejected", zap.String("conn_id", conn.id), zap.Error(err))
			return &RouteError{Code: CodeAuthFailed, Msg: "authentication failed", Fatal: true}
		}
	}
	if m.trust != nil && !m.trust.ValidFor(frame.DeviceID, time.Now()) {
		m.log.Warn("untrusted device rejected",
			zap.String("conn_id", conn.id), zap.String("device_id", frame.DeviceID))
		return &RouteError{Code: CodeNotTrusted, Msg: "device has no valid trust grant", Fatal: true}
	}

	m.mu.Lock()
	conn.deviceID = frame.DeviceID
	conn.authed = true
	m.mu.Unlock()

	m.log.Info("device authenticated",
		zap.String("conn_id", conn.id), zap.String("device_id", frame.DeviceID))
	return m.pushFrame(conn, &Frame{Type: FrameAuthAck, DeviceID: frame.DeviceID})
}

// Authenticate marks the connection authenticated for the device without the
// wire handshake. Used by in-process callers and tests.
func (m *Manager) Authenticate(conn *Conn, deviceID string) error {
	return m.handleAuth(conn, &Frame{Type: FrameAuth, DeviceID: deviceID})
}

func (m *Manager) handleRegisterRole(conn *Conn, frame *Frame) error {
	role, err := ParseRole(frame.Role)
	if err != nil {
		return &RouteError{Code: CodeInvalidFrame, Msg: err.Error()}
	}

	if !m.RegisterRole(conn, role, frame.AccountID, frame.Capabilities) {
		return m.registerRefusal(conn)
	}
	return m.pushFrame(conn, AckFrame(FrameRegisterRole, ""))
}

// RegisterRole assigns the connection's role and capabilities, indexing the
// device under its account for cross-device discovery. Returns false when
// the connection has not authenticated or its trust grant is no longer
// valid; re-registering replaces the prior role and account binding.
func (m *Manager) RegisterRole(conn *Conn, role Role, accountID string, capabilities []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !conn.authed {
		return false
	}
	// Trust is re-checked at every registration so a grant revoked after
	// AUTH loses its standing without waiting for a disconnect.
	if m.trust != nil && !m.trust.ValidFor(conn.deviceID, time.Now()) {
		m.log.Warn("role registration rejected for untrusted device",
			zap.String("conn_id", conn.id), zap.String("device_id", conn.deviceID))
		return false
	}
	if conn.accountID != "" && conn.accountID != accountID {
		m.unindexAccountLocked(conn)
	}
	conn.role = role
	conn.accountID = accountID
	conn.capabilities = append([]string(nil), capabilities...)
	if accountID != "" {
		devices, ok := m.accounts[accountID]
		if !ok {
			devices = make(map[string]*Conn)
			m.accounts[accountID] = devices
		}
		devices[conn.id] = conn
	}
	m.log.Info("role registered",
		zap.String("conn_id", conn.id),
		zap.String("device_id", conn.deviceID),
		zap.String("role", string(role)),
		zap.String("account_id", accountID))
	return true
}

// registerRefusal explains a failed role registration. An authenticated
// connection can only be refused because its trust grant lapsed.
func (m *Manager) registerRefusal(conn *Conn) *RouteError {
	m.mu.Lock()
	authed := conn.authed
	m.mu.Unlock()
	if authed {
		return &RouteError{Code: CodeNotTrusted, Msg: "device trust grant is no longer valid", Fatal: true}
	}
	return &RouteError{Code: CodeNotAuthenticated, Msg: "authenticate before registering a role"}
}

// DevicesForAccount lists the device IDs currently registered under an
// account, sorted for determinism.
func (m *Manager) DevicesForAccount(accountID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := m.accounts[accountID]
	out := make([]string, 0, len(devices))
	for _, conn := range devices {
		out = append(out, conn.deviceID)
	}
	sort.Strings(out)
	return out
}

// unindexAccountLocked must be called with the manager mutex held.
func (m *Manager) unindexAccountLocked(conn *Conn) {
	if conn.accountID == "" {
		return
	}
	if devices, ok := m.accounts[conn.accountID]; ok {
		delete(devices, conn.id)
		if len(devices) == 0 {
			delete(m.accounts, conn.accountID)
		}
	}
}

func (m *Manager) handleJoinSession(conn *Conn, frame *Frame) error {
	if frame.SessionID == "" {
		return &RouteError{Code: CodeInvalidFrame, Msg: "session id required"}
	}
	perm, err := ParsePermission(frame.Permission)
	if err != nil {
		return &RouteError{Code: CodeInvalidFrame, Msg: err.Error()}
	}
	// A role on the join frame re-registers the connection before joining.
	if frame.Role != "" {
		role, err := ParseRole(frame.Role)
		if err != nil {
			return &RouteError{Code: CodeInvalidFrame, Msg: err.Error()}
		}
		if !m.RegisterRole(conn, role, conn.accountID, conn.capabilities) {
			return m.registerRefusal(conn)
		}
	}
	if err := m.JoinSession(conn, frame.SessionID, perm); err != nil {
		return err
	}
	return m.pushFrame(conn, AckFrame(FrameJoinSession, frame.SessionID))
}

// JoinSession places the connection into the session under its registered
// role, creating the session on first join. Re-joining replaces the prior
// role atomically. A second executor replaces the first: the newest
// connection wins the slot and the displaced one is dropped from the
// session.
func (m *Manager) JoinSession(conn *Conn, sessionID string, perm Permission) error {
	var replaced *Conn

	m.mu.Lock()
	if !conn.authed {
		m.mu.Unlock()
		return &RouteError{Code: CodeNotAuthenticated, Msg: "authenticate before joining a session"}
	}
	if conn.role == "" {
		m.mu.Unlock()
		return &RouteError{Code: CodeNoRole, Msg: "register a role before joining a session"}
	}

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = newRoleSession(sessionID)
		m.sessions[sessionID] = sess
		m.metrics.incSession()
	}

	sess.remove(conn.id)
	switch conn.role {
	case RoleExecutor:
		if sess.executor != nil && sess.executor.id != conn.id {
			replaced = sess.executor
			sess.remove(replaced.id)
		}
		sess.executor = conn
	case RoleController:
		sess.controllers[conn.id] = conn
	case RoleViewer:
		sess.viewers[conn.id] = conn
	}
	sess.perms[conn.id] = perm
	sess.markActive()
	m.mu.Unlock()

	if replaced != nil {
		m.metrics.recordExecutorReplacement()
		m.log.Warn("executor replaced",
			zap.String("session_id", sessionID),
			zap.String("old_conn_id", replaced.id),
			zap.String("new_conn_id", conn.id))
		_ = m.pushFrame(replaced, &Frame{
			Type:      FrameLeaveSession,
			SessionID: sessionID,
			Message:   "replaced",
		})
	}

	m.log.Info("session joined",
		zap.String("session_id", sessionID),
		zap.String("conn_id", conn.id),
		zap.String("role", string(conn.role)))
	return nil
}

func (m *Manager) handleLeaveSession(conn *Conn, frame *Frame) error {
	if frame.SessionID == "" {
		return &RouteError{Code: CodeInvalidFrame, Msg: "session id required"}
	}
	if err := m.LeaveSession(conn, frame.SessionID); err != nil {
		return err
	}
	return m.pushFrame(conn, AckFrame(FrameLeaveSession, frame.SessionID))
}

// LeaveSession removes the connection from the session, deleting the session
// once its last member leaves.
func (m *Manager) LeaveSession(conn *Conn, sessionID string) error {
	var emptied bool

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || !sess.has(conn.id) {
		m.mu.Unlock()
		return &RouteError{Code: CodeSessionNotFound, Msg: "not a member of this session"}
	}
	sess.remove(conn.id)
	sess.markActive()
	if sess.empty() {
		delete(m.sessions, sessionID)
		emptied = true
	}
	m.mu.Unlock()

	if emptied {
		m.metrics.decSession()
	}
	m.log.Info("session left",
		zap.String("session_id", sessionID), zap.String("conn_id", conn.id))
	return nil
}

func (m *Manager) handleSessionMessage(conn *Conn, frame *Frame) error {
	if frame.SessionID == "" {
		return &RouteError{Code: CodeInvalidFrame, Msg: "session id required"}
	}
	if len(frame.Payload) == 0 {
		return &RouteError{Code: CodeInvalidFrame, Msg: "payload required"}
	}
	if len(frame.Payload) > defaultMaxFramePayload {
		return &RouteError{Code: CodeInvalidFrame, Msg: "payload too large"}
	}

	switch conn.role {
	case RoleExecutor:
		_, err := m.RouteExecutorToViewers(conn, frame)
		return err
	case RoleController:
		return m.RouteControllerToExecutor(conn, frame)
	case RoleViewer:
		return m.RouteViewerToExecutor(conn, frame)
	default:
		return &RouteError{Code: CodeNoRole, Msg: "register a role before sending"}
	}
}

// RouteExecutorToViewers fans an executor frame out to every viewer and
// controller in the session. Returns the number of recipients reached.
func (m *Manager) RouteExecutorToViewers(conn *Conn, frame *Frame) (int, error) {
	m.mu.Lock()
	sess, ok := m.sessions[frame.SessionID]
	if !ok || sess.executor == nil || sess.executor.id != conn.id {
		m.mu.Unlock()
		return 0, &RouteError{Code: CodeSessionNotFound, Msg: "not the executor of this session"}
	}
	targets := make([]*Conn, 0, len(sess.viewers)+len(sess.controllers))
	for _, v := range sess.viewers {
		targets = append(targets, v)
	}
	for _, c := range sess.controllers {
		targets = append(targets, c)
	}
	sess.markActive()
	m.mu.Unlock()

	delivered := 0
	for _, target := range targets {
		if err := m.pushFrame(target, copyMessageFrame(conn, frame)); err == nil {
			delivered++
		}
	}
	m.metrics.recordRouted(RoleExecutor)
	return delivered, nil
}

// RouteControllerToExecutor forwards a controller frame to the session's
// executor.
func (m *Manager) RouteControllerToExecutor(conn *Conn, frame *Frame) error {
	return m.routeToExecutor(conn, frame, RoleController, func(s *roleSession, id string) bool {
		_, ok := s.controllers[id]
		return ok
	})
}

// RouteViewerToExecutor forwards a viewer frame to the executor. Viewers
// that joined view_only are refused; this is the only path viewer input
// reaches the executor.
func (m *Manager) RouteViewerToExecutor(conn *Conn, frame *Frame) error {
	return m.routeToExecutor(conn, frame, RoleViewer, func(s *roleSession, id string) bool {
		_, ok := s.viewers[id]
		return ok
	})
}

func (m *Manager) routeToExecutor(conn *Conn, frame *Frame, role Role, member func(*roleSession, string) bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[frame.SessionID]
	if !ok || !member(sess, conn.id) {
		m.mu.Unlock()
		return &RouteError{Code: CodeSessionNotFound, Msg: "not a member of this session"}
	}
	if role == RoleViewer && sess.perms[conn.id] == PermissionViewOnly {
		m.mu.Unlock()
		return &RouteError{Code: CodePermissionDenied, Msg: "view-only viewers cannot send"}
	}
	executor := sess.executor
	sess.markActive()
	m.mu.Unlock()

	if executor == nil {
		return &RouteError{Code: CodeNoExecutor, Msg: "session has no executor"}
	}
	if err := m.pushFrame(executor, copyMessageFrame(conn, frame)); err != nil {
		return err
	}
	m.metrics.recordRouted(role)
	return nil
}

// RemoveConnection tears the connection down: it leaves every session,
// deletes sessions it emptied, and cancels the connection context. The send
// channel is never closed; the transport writer exits via Done, so routers
// still holding the connection cannot be tripped into sending on a closed
// channel. Safe to call more than once.
func (m *Manager) RemoveConnection(conn *Conn) {
	conn.cancel()

	var emptiedSessions int
	var wasTracked bool

	m.mu.Lock()
	if _, ok := m.conns[conn.id]; ok {
		wasTracked = true
		delete(m.conns, conn.id)
		m.unindexAccountLocked(conn)
		for sessionID, sess := range m.sessions {
			if sess.has(conn.id) {
				sess.remove(conn.id)
				if sess.empty() {
					delete(m.sessions, sessionID)
					emptiedSessions++
				}
			}
		}
	}
	m.mu.Unlock()

	if !wasTracked {
		return
	}
	m.metrics.decConnection()
	for i := 0; i < emptiedSessions; i++ {
		m.metrics.decSession()
	}
	m.log.Info("device disconnected",
		zap.String("conn_id", conn.id), zap.String("device_id", conn.deviceID))
}

// StartHousekeeping launches periodic cleanup of idle sessions. Subsequent
// calls are no-ops.
func (m *Manager) StartHousekeeping(ctx context.Context) {
	m.houseOnce.Do(func() {
		ticker := time.NewTicker(m.housekeepingInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.expireIdleSessions(time.Now())
				}
			}
		}()
	})
}

func (m *Manager) expireIdleSessions(now time.Time) {
	type expiring struct {
		id      string
		members []*Conn
	}
	var expired []expiring

	m.mu.Lock()
	for sessionID, sess := range m.sessions {
		if now.Sub(sess.lastActivity) > m.sessionIdleTimeout {
			expired = append(expired, expiring{id: sessionID, members: sess.members()})
			delete(m.sessions, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.metrics.decSession()
		m.metrics.recordSessionExpiry()
		for _, member := range sess.members {
			_ = m.pushFrame(member, &Frame{
				Type:      FrameLeaveSession,
				SessionID: sess.id,
				Message:   "expired",
			})
		}
		m.log.Info("expired idle session", zap.String("session_id", sess.id))
	}
}

// pushFrame enqueues a frame without blocking. A full buffer cancels the
// connection: a receiver that cannot drain its queue is disconnected rather
// than allowed to stall the router. Pushes racing teardown may land in the
// buffer of a cancelled connection; the frame is simply never delivered.
func (m *Manager) pushFrame(conn *Conn, frame *Frame) error {
	select {
	case <-conn.ctx.Done():
		return conn.ctx.Err()
	default:
	}
	select {
	case conn.sendCh <- frame:
		return nil
	default:
		conn.cancel()
		m.metrics.recordError(CodeBackpressure)
		return &RouteError{Code: CodeBackpressure, Msg: "connection send buffer full", Fatal: true}
	}
}

// Push enqueues a frame for delivery to the connection, subject to the same
// backpressure rules as routed traffic.
func (m *Manager) Push(conn *Conn, frame *Frame) error {
	return m.pushFrame(conn, frame)
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ConnectionCount reports the number of tracked connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) touch(conn *Conn) {
	m.mu.Lock()
	conn.lastSeen = time.Now()
	m.mu.Unlock()
}

func (m *Manager) observe(op string, start time.Time, err error) {
	m.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *RouteError
		if errors.As(err, &rerr) && rerr.Code != "" {
			code = rerr.Code
		}
		m.metrics.recordError(code)
	}
}

func metricOp(frameType string) string {
	switch frameType {
	case FrameAuth:
		return "auth"
	case FrameRegisterRole:
		return "register_role"
	case FrameJoinSession:
		return "join_session"
	case FrameLeaveSession:
		return "leave_session"
	case FrameSessionMessage:
		return "session_message"
	default:
		return "unknown"
	}
}

// copyMessageFrame builds the routed copy of a session message, stamped with
// the sending device so recipients can attribute it.
func copyMessageFrame(sender *Conn, frame *Frame) *Frame {
	return &Frame{
		Type:      FrameSessionMessage,
		DeviceID:  sender.deviceID,
		SessionID: frame.SessionID,
		Payload:   append([]byte(nil), frame.Payload...),
	}
}

func generateConnID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// roleSession groups connections by role for one session ID. perms records
// each participant's routing permission, granted at join time.
type roleSession struct {
	id           string
	executor     *Conn
	controllers  map[string]*Conn
	viewers      map[string]*Conn
	perms        map[string]Permission
	lastActivity time.Time
}

func newRoleSession(id string) *roleSession {
	return &roleSession{
		id:           id,
		controllers:  make(map[string]*Conn),
		viewers:      make(map[string]*Conn),
		perms:        make(map[string]Permission),
		lastActivity: time.Now(),
	}
}

func (s *roleSession) has(connID string) bool {
	if s.executor != nil && s.executor.id == connID {
		return true
	}
	if _, ok := s.controllers[connID]; ok {
		return true
	}
	_, ok := s.viewers[connID]
	return ok
}

func (s *roleSession) remove(connID string) {
	if s.executor != nil && s.executor.id == connID {
		s.executor = nil
	}
	delete(s.controllers, connID)
	delete(s.viewers, connID)
	delete(s.perms, connID)
}

func (s *roleSession) empty() bool {
	return s.executor == nil && len(s.controllers) == 0 && len(s.viewers) == 0
}

func (s *roleSession) members() []*Conn {
	out := make([]*Conn, 0, 1+len(s.controllers)+len(s.viewers))
	if s.executor != nil {
		out = append(out, s.executor)
	}
	for _, c := range s.controllers {
		out = append(out, c)
	}
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

// markActive must be called with the manager mutex held.
func (s *roleSession) markActive() {
	s.lastActivity = time.Now()
}
