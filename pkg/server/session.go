package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomcast/pkg/protocol"
)

var (
	ErrRoomExists    = errors.New("room already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotRegistered = errors.New("session not registered")
)

// Session represents one client connection. The read loop owns reader; the
// sender loop is the only goroutine that writes to Conn once it has started.
type Session struct {
	ID          uint64
	Conn        net.Conn
	ConnType    string // "tcp", "ssh" or "websocket"
	ConnectedAt time.Time

	reader     *bufio.Reader
	outbound   chan *protocol.Frame
	done       chan struct{}
	senderDone chan struct{}
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	limiter    *rateLimiter

	mu          sync.RWMutex // Protects the fields below
	identity    string
	room        string
	isAdmin     bool
	registered  bool
	closeReason string
	flushReason string
}

func newSession(id uint64, conn net.Conn, connType string, queueSize, ratePerMinute int) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	var limiter *rateLimiter
	if ratePerMinute > 0 {
		limiter = newRateLimiter(ratePerMinute, time.Minute)
	}
	return &Session{
		ID:          id,
		Conn:        conn,
		ConnType:    connType,
		ConnectedAt: time.Now(),
		reader:      bufio.NewReaderSize(conn, 64*1024),
		outbound:    make(chan *protocol.Frame, queueSize),
		done:        make(chan struct{}),
		senderDone:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		limiter:     limiter,
	}
}

// Identity returns the registered identity, empty before the handshake completes
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Room returns the session's current room
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// IsAdmin reports whether the session holds the admin role
func (s *Session) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAdmin
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason returns the reason given to the first Close call
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// Close tears down the connection. Only the first call has any effect; the
// read loop notices the closed connection and runs cleanup.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		s.Conn.Close()
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// allowChat consumes one token from the chat rate limit
func (s *Session) allowChat() bool {
	return s.limiter == nil || s.limiter.allow()
}

// room is one named room: its members and its recent chat lines
type room struct {
	members map[*Session]struct{}
	history *historyRing
}

// SessionManager is the session registry: identity → session, room → members,
// and the admin role. All membership changes happen under mu.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session // by identity
	rooms       map[string]*room
	admin       *Session
	defaultRoom string
	historySize int

	nextID         atomic.Uint64
	enqueueTimeout time.Duration
	metrics        *Metrics
}

// NewSessionManager creates a registry whose default room exists from the start
func NewSessionManager(defaultRoom string, historySize int, enqueueTimeout time.Duration) *SessionManager {
	if defaultRoom == "" {
		defaultRoom = "Main"
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = 3 * time.Second
	}
	sm := &SessionManager{
		sessions:       make(map[string]*Session),
		rooms:          make(map[string]*room),
		defaultRoom:    defaultRoom,
		historySize:    historySize,
		enqueueTimeout: enqueueTimeout,
	}
	sm.rooms[defaultRoom] = sm.newRoom()
	return sm
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

func (sm *SessionManager) newRoom() *room {
	return &room{
		members: make(map[*Session]struct{}),
		history: newHistoryRing(sm.historySize),
	}
}

// DefaultRoom returns the name of the root room
func (sm *SessionManager) DefaultRoom() string {
	return sm.defaultRoom
}

// NewSession wraps a connection in an unregistered session
func (sm *SessionManager) NewSession(conn net.Conn, connType string, queueSize, ratePerMinute int) *Session {
	return newSession(sm.nextID.Add(1), conn, connType, queueSize, ratePerMinute)
}

// Register adds sess under requested, or under requested-N with the smallest
// free N ≥ 2 when requested is taken. The session joins the default room and
// becomes admin if nobody holds the role. WELCOME is queued before the session
// becomes visible to broadcasts so it is always the first queued frame.
func (sm *SessionManager) Register(sess *Session, requested string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess.isClosed() {
		return "", ErrSessionClosed
	}

	identity := requested
	for n := 2; ; n++ {
		if _, taken := sm.sessions[identity]; !taken {
			break
		}
		identity = requested + "-" + strconv.Itoa(n)
	}

	isAdmin := sm.admin == nil

	welcome, err := protocol.MessageFrame(protocol.TypeWelcome, &protocol.WelcomeMessage{
		Identity: identity,
		Room:     sm.defaultRoom,
		IsAdmin:  isAdmin,
	})
	if err != nil {
		return "", err
	}
	if err := sess.tryEnqueue(welcome); err != nil {
		return "", err
	}

	sess.mu.Lock()
	sess.identity = identity
	sess.room = sm.defaultRoom
	sess.isAdmin = isAdmin
	sess.registered = true
	sess.mu.Unlock()

	sm.sessions[identity] = sess
	sm.rooms[sm.defaultRoom].members[sess] = struct{}{}
	if isAdmin {
		sm.admin = sess
	}

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(len(sm.sessions))
		sm.metrics.RecordSessionCreated()
	}
	return identity, nil
}

// Departure describes a session that left the registry
type Departure struct {
	Identity string
	Room     string
	WasAdmin bool
	NewAdmin *Session // nil when the admin role did not move or nobody is left
}

// Unregister removes sess from the registry and its room. When sess was the
// admin, the role passes to the remaining session with the smallest identity.
func (sm *SessionManager) Unregister(sess *Session) (Departure, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess.mu.Lock()
	identity, roomName, registered := sess.identity, sess.room, sess.registered
	sess.registered = false
	sess.isAdmin = false
	sess.mu.Unlock()

	if !registered || sm.sessions[identity] != sess {
		return Departure{}, false
	}

	delete(sm.sessions, identity)
	if r, ok := sm.rooms[roomName]; ok {
		delete(r.members, sess)
	}

	dep := Departure{Identity: identity, Room: roomName}
	if sm.admin == sess {
		dep.WasAdmin = true
		sm.admin = nil

		var next *Session
		var nextID string
		for id, candidate := range sm.sessions {
			if next == nil || id < nextID {
				next, nextID = candidate, id
			}
		}
		if next != nil {
			next.mu.Lock()
			next.isAdmin = true
			next.mu.Unlock()
			sm.admin = next
			dep.NewAdmin = next
		}
	}

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(len(sm.sessions))
	}
	return dep, true
}

// Lookup returns the registered session for identity
func (sm *SessionManager) Lookup(identity string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[identity]
	return sess, ok
}

// Admin returns the current admin identity, empty when nobody is registered
func (sm *SessionManager) Admin() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.admin == nil {
		return ""
	}
	return sm.admin.Identity()
}

// CreateRoom creates an empty room
func (sm *SessionManager) CreateRoom(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.rooms[name]; ok {
		return ErrRoomExists
	}
	sm.rooms[name] = sm.newRoom()
	return nil
}

// MoveToRoom moves sess into an existing room and returns the room it left.
// Removal from the old room, insertion into the new one and the session's
// room field change in one critical section.
func (sm *SessionManager) MoveToRoom(sess *Session, name string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	target, ok := sm.rooms[name]
	if !ok {
		return "", ErrRoomNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.registered {
		return "", ErrNotRegistered
	}

	old := sess.room
	if old == name {
		return old, nil
	}
	if r, ok := sm.rooms[old]; ok {
		delete(r.members, sess)
	}
	target.members[sess] = struct{}{}
	sess.room = name
	return old, nil
}

// RoomMembers returns a snapshot of the sessions in a room
func (sm *SessionManager) RoomMembers(name string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	r, ok := sm.rooms[name]
	if !ok {
		return nil
	}
	members := make([]*Session, 0, len(r.members))
	for sess := range r.members {
		members = append(members, sess)
	}
	return members
}

// AllSessions returns a snapshot of every registered session
func (sm *SessionManager) AllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Rooms lists every room with its member count, sorted by name
func (sm *SessionManager) Rooms() []protocol.RoomInfo {
	sm.mu.RLock()
	rooms := make([]protocol.RoomInfo, 0, len(sm.rooms))
	for name, r := range sm.rooms {
		rooms = append(rooms, protocol.RoomInfo{Name: name, Members: uint32(len(r.members))})
	}
	sm.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// Users lists every registered session, sorted by identity
func (sm *SessionManager) Users() []protocol.UserInfo {
	sm.mu.RLock()
	users := make([]protocol.UserInfo, 0, len(sm.sessions))
	for identity, sess := range sm.sessions {
		sess.mu.RLock()
		users = append(users, protocol.UserInfo{Identity: identity, Room: sess.room, IsAdmin: sess.isAdmin})
		sess.mu.RUnlock()
	}
	sm.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Identity < users[j].Identity })
	return users
}

// CountOnlineUsers returns the number of registered sessions
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// History returns the ring of a room
func (sm *SessionManager) History(name string) (*historyRing, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	r, ok := sm.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return r.history, nil
}

// CloseAll closes every registered session; their read loops run cleanup
func (sm *SessionManager) CloseAll(reason string) {
	for _, sess := range sm.AllSessions() {
		sess.Close(reason)
	}
}
