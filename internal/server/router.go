// Package server coordinates chat routing between user and doctor
// connections via the Router type: category rosters, pending-request queues,
// chat sessions, cached profiles, and the rooms their traffic fans out to.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is the live binding between at most one user connection and one
// doctor connection under a shared chat ID. A session whose slots are both
// empty is deleted; IDs are never reused.
type session struct {
	category string
	user     *Client
	doctor   *Client
}

// Router owns all routing state. Every operation runs to completion under a
// single lock, so handlers are atomic with respect to each other and none of
// the maps needs finer-grained protection. The router also tracks connected
// clients for graceful shutdown.
type Router struct {
	mu sync.Mutex

	rooms    *roomSet
	doctors  map[string]map[*Client]struct{} // category -> roster
	pending  map[string][]PendingRequest     // category -> queue, oldest first
	sessions map[string]*session             // chatID -> participants
	profiles map[string][]byte               // chatID -> marshaled ProfileEvent

	clients      map[*Client]struct{}
	wg           sync.WaitGroup
	shuttingDown bool

	maxFileBytes int64
}

// NewRouter creates a Router ready to accept connections.
func NewRouter(cfg *Config) *Router {
	return &Router{
		rooms:        newRoomSet(),
		doctors:      make(map[string]map[*Client]struct{}),
		pending:      make(map[string][]PendingRequest),
		sessions:     make(map[string]*session),
		profiles:     make(map[string][]byte),
		clients:      make(map[*Client]struct{}),
		maxFileBytes: cfg.MaxFileBytes,
	}
}

// newChatID generates a short-lived chat token: "chat_" plus eight hex
// characters of a v4 UUID. Unguessable enough for a session identifier that
// never outlives the process.
func newChatID() string {
	return "chat_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ensureCategory lazily creates bookkeeping for a category the first time it
// is referenced. Unknown categories are never an error.
func (r *Router) ensureCategory(category string) {
	if _, ok := r.doctors[category]; !ok {
		r.doctors[category] = make(map[*Client]struct{})
	}
	if _, ok := r.pending[category]; !ok {
		r.pending[category] = []PendingRequest{}
	}
}

// sendTo marshals v and enqueues it to a single connection.
func (r *Router) sendTo(c *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error marshaling reply for %s: %v", c.addr, err)
		return
	}
	if !c.deliver(payload) {
		log.Printf("Dropping reply to %s: send buffer full or closed", c.addr)
	}
}

// pendingList builds the pending_list event for a category.
func (r *Router) pendingList(category string) PendingListEvent {
	list := r.pending[category]
	if list == nil {
		list = []PendingRequest{}
	}
	return PendingListEvent{Type: TypePendingList, Category: category, List: list}
}

// removePending drops any entry for chatID from the category queue and
// reports whether one was removed.
func (r *Router) removePending(category, chatID string) bool {
	queue, ok := r.pending[category]
	if !ok {
		return false
	}
	filtered := queue[:0]
	removed := false
	for _, entry := range queue {
		if entry.ChatID == chatID {
			removed = true
			continue
		}
		filtered = append(filtered, entry)
	}
	r.pending[category] = filtered
	return removed
}

// Attach registers an upgraded connection and starts its pump goroutines.
func (r *Router) Attach(c *Client) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		return
	}
	r.clients[c] = struct{}{}
	total := len(r.clients)
	r.wg.Add(2)
	r.mu.Unlock()

	log.Printf("Client connected from %s. Total clients: %d", c.addr, total)

	go func() {
		defer r.wg.Done()
		c.writePump()
	}()
	go func() {
		defer r.wg.Done()
		c.readPump()
	}()
}

// Register identifies a connection. Doctors go on duty for a category: they
// join its lobby, appear in its roster, and immediately receive the current
// pending list so a fresh subscriber starts consistent. Users just record
// their identity for later chat requests.
func (r *Router) Register(c *Client, p RegisterPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Role {
	case RoleDoctor:
		r.ensureCategory(p.Category)
		r.doctors[p.Category][c] = struct{}{}
		r.rooms.join(lobbyRoom(p.Category), c)
		r.sendTo(c, r.pendingList(p.Category))
	case RoleUser:
		c.userID = p.UserID
		c.profileHint = p.ProfileHint
	default:
		log.Printf("Register from %s with unknown role %q; ignoring", c.addr, p.Role)
	}
}

// StartChat queues a chat request for a category, or rebinds the caller to
// their existing pending request so a reconnecting user does not create
// duplicate queue entries. New requests are announced to the category lobby.
func (r *Router) StartChat(c *Client, p StartChatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCategory(p.Category)

	for _, entry := range r.pending[p.Category] {
		if entry.UserID != p.UserID {
			continue
		}
		sess, ok := r.sessions[entry.ChatID]
		if !ok {
			break
		}
		sess.user = c
		r.rooms.join(chatRoom(entry.ChatID), c)
		r.sendTo(c, ChatStartedEvent{Type: TypeChatStarted, ChatID: entry.ChatID, Reused: true})
		return
	}

	chatID := newChatID()
	r.sessions[chatID] = &session{category: p.Category, user: c}
	entry := PendingRequest{ChatID: chatID, UserID: p.UserID, ProfileHint: p.ProfileHint, Category: p.Category}
	r.pending[p.Category] = append(r.pending[p.Category], entry)
	r.rooms.broadcast(lobbyRoom(p.Category), NewRequestEvent{Type: TypeNewRequest, PendingRequest: entry})
	r.rooms.join(chatRoom(chatID), c)
	r.sendTo(c, ChatStartedEvent{Type: TypeChatStarted, ChatID: chatID, Reused: false})

	log.Printf("Queued chat %s for user %s in category %s", chatID, p.UserID, p.Category)
}

// AcceptChat binds the calling doctor to a session. The matching pending
// entry is removed and the updated list rebroadcast so every lobby stays in
// sync; first accept wins in practice because later doctors no longer see
// the entry. A cached profile is replayed to the room so the doctor is not
// missing context sent before they joined. Accepting an unknown chat is the
// one stale-reference case that reports an explicit error, because the
// doctor UI has to react to a request that was already taken down.
func (r *Router) AcceptChat(c *Client, p AcceptChatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCategory(p.Category)

	sess, ok := r.sessions[p.ChatID]
	if !ok {
		r.sendTo(c, AcceptResultEvent{Type: TypeAcceptResult, OK: false, Error: "chat not found"})
		return
	}

	sess.doctor = c
	r.rooms.join(chatRoom(p.ChatID), c)

	r.removePending(p.Category, p.ChatID)
	r.rooms.broadcast(lobbyRoom(p.Category), r.pendingList(p.Category))

	r.rooms.broadcast(chatRoom(p.ChatID), DoctorJoinedEvent{Type: TypeDoctorJoined, ChatID: p.ChatID, DoctorID: p.DoctorID})

	if cached, ok := r.profiles[p.ChatID]; ok {
		r.rooms.broadcastRaw(chatRoom(p.ChatID), cached)
	}

	r.sendTo(c, AcceptResultEvent{Type: TypeAcceptResult, OK: true, ChatID: p.ChatID})

	log.Printf("Doctor %s accepted chat %s in category %s", p.DoctorID, p.ChatID, p.Category)
}

// RelayMessage forwards a text message to everyone in the chat room,
// including the sender. Messages for dead chats are stale and silently dropped.
func (r *Router) RelayMessage(p ChatMessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[p.ChatID]; !ok {
		return
	}
	r.rooms.broadcast(chatRoom(p.ChatID), MessageEvent{
		Type:      TypeChatMessage,
		ChatID:    p.ChatID,
		From:      p.From,
		Text:      p.Text,
		Timestamp: p.Timestamp,
	})
}

// RelayFile forwards an inline file attachment to the chat room under the
// same contract as RelayMessage, additionally dropping attachments whose
// encoded payload exceeds the configured bound.
func (r *Router) RelayFile(p ChatFilePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[p.ChatID]; !ok {
		return
	}
	if int64(len(p.File.Data)) > r.maxFileBytes {
		log.Printf("Dropping file %q for chat %s: encoded payload %d exceeds limit %d",
			p.File.Name, p.ChatID, len(p.File.Data), r.maxFileBytes)
		return
	}
	r.rooms.broadcast(chatRoom(p.ChatID), FileEvent{
		Type:   TypeChatFile,
		ChatID: p.ChatID,
		From:   p.From,
		File:   p.File,
	})
}

// CacheAndRelayProfile stores the rich profile for a chat, overwriting any
// previous value, and forwards it to the room. The cache lets a doctor who
// accepts later still receive a profile sent before they joined.
func (r *Router) CacheAndRelayProfile(p ChatProfilePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[p.ChatID]; !ok {
		return
	}

	event := ProfileEvent{Type: TypeChatProfile, ChatID: p.ChatID, Profile: p.Profile}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling profile for chat %s: %v", p.ChatID, err)
		return
	}
	r.profiles[p.ChatID] = payload
	r.rooms.broadcastRaw(chatRoom(p.ChatID), payload)
}

// SubscribeCategory joins the caller to a category lobby and re-sends the
// current pending list, supporting doctor UIs that pre-subscribe to every
// category for badge updates.
func (r *Router) SubscribeCategory(c *Client, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCategory(category)
	r.rooms.join(lobbyRoom(category), c)
	r.sendTo(c, r.pendingList(category))
}

// UnsubscribeCategory removes the caller from a category lobby.
func (r *Router) UnsubscribeCategory(c *Client, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureCategory(category)
	r.rooms.leave(lobbyRoom(category), c)
}

// EndChat detaches one side of a chat. The first end only clears that slot
// and notifies the room; the session survives until the other side also ends
// or disconnects, at which point it is fully terminated.
func (r *Router) EndChat(p EndChatPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[p.ChatID]
	if !ok {
		return
	}

	leaver := RoleUser
	partner := RoleDoctor
	if p.By == RoleDoctor {
		leaver, partner = RoleDoctor, RoleUser
	}

	r.rooms.broadcast(chatRoom(p.ChatID), PartnerLeftEvent{
		Type:    TypePartnerLeft,
		ChatID:  p.ChatID,
		Who:     leaver,
		Message: fmt.Sprintf("%s left the chat. %s may now end chat.", leaver, partner),
	})

	if leaver == RoleDoctor {
		sess.doctor = nil
	} else {
		sess.user = nil
	}

	if sess.user == nil && sess.doctor == nil {
		r.terminate(p.ChatID, sess)
	}
}

// terminate fully destroys a session: chat:ended to the room, members
// evicted, session plus cached profile deleted, any residual pending entry
// removed, and the updated pending list rebroadcast to the category lobby.
// Callers hold the lock.
func (r *Router) terminate(chatID string, sess *session) {
	r.rooms.broadcast(chatRoom(chatID), ChatEndedEvent{Type: TypeChatEnded, ChatID: chatID})
	r.rooms.evict(chatRoom(chatID))
	delete(r.sessions, chatID)
	delete(r.profiles, chatID)

	r.removePending(sess.category, chatID)
	r.rooms.broadcast(lobbyRoom(sess.category), r.pendingList(sess.category))

	log.Printf("Chat %s ended in category %s", chatID, sess.category)
}

// Disconnect cleans up after a connection drops: roster presence removed,
// room memberships dropped, and every session the connection occupied is
// terminated immediately. Unlike a voluntary end this is single-phase; a
// disconnected peer cannot participate in a graceful handoff.
func (r *Router) Disconnect(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
	} else if c.closed {
		return
	}
	c.closed = true
	close(c.send)

	for _, roster := range r.doctors {
		delete(roster, c)
	}
	r.rooms.leaveAll(c)

	for chatID, sess := range r.sessions {
		if sess.user == c || sess.doctor == c {
			r.terminate(chatID, sess)
		}
	}

	log.Printf("Client disconnected from %s. Total clients: %d", c.addr, len(r.clients))
}

// Shutdown closes every connection and waits for pump goroutines to finish,
// or gives up after the timeout.
func (r *Router) Shutdown(timeout time.Duration) error {
	log.Println("Initiating router shutdown...")

	r.mu.Lock()
	r.shuttingDown = true
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				log.Printf("Error closing client connection from %s: %v", c.addr, err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Router shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Router shutdown timeout reached, some goroutines may still be running")
		return errShutdownTimeout
	}
}

var errShutdownTimeout = fmt.Errorf("router shutdown timed out")
