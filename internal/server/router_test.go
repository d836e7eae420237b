package server

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestRouter() *Router {
	return NewRouter(DefaultConfig())
}

func newTestClient(r *Router, addr string) *Client {
	return NewClient(nil, r, addr, DefaultConfig())
}

// nextEvent pops the next queued frame for a client. Router sends complete
// before the operation returns, so an empty channel means no event was sent.
func nextEvent(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case payload := <-c.send:
		var event map[string]any
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("Invalid event payload %q: %v", payload, err)
		}
		return event
	default:
		t.Fatal("Expected a queued event but found none")
		return nil
	}
}

func expectEvent(t *testing.T, c *Client, eventType string) map[string]any {
	t.Helper()
	event := nextEvent(t, c)
	if event["type"] != eventType {
		t.Fatalf("Expected event type %q, got %q (%v)", eventType, event["type"], event)
	}
	return event
}

func drainEvents(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func startChat(t *testing.T, r *Router, user *Client, category, userID string) string {
	t.Helper()
	r.StartChat(user, StartChatPayload{Category: category, UserID: userID, ProfileHint: "hint"})
	event := expectEvent(t, user, TypeChatStarted)
	chatID, _ := event["chatId"].(string)
	if chatID == "" {
		t.Fatal("start chat ack carried no chatId")
	}
	return chatID
}

func TestRegisterDoctorCreatesCategoryLazily(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Pediatrics"})

	event := expectEvent(t, doctor, TypePendingList)
	if event["category"] != "Pediatrics" {
		t.Errorf("Expected category Pediatrics, got %v", event["category"])
	}
	list, ok := event["list"].([]any)
	if !ok || len(list) != 0 {
		t.Errorf("Expected empty pending list for a fresh category, got %v", event["list"])
	}
}

func TestRegisterUserStoresIdentity(t *testing.T) {
	r := newTestRouter()
	user := newTestClient(r, "user:1")

	r.Register(user, RegisterPayload{Role: RoleUser, UserID: "u1", ProfileHint: "adult male"})

	if user.userID != "u1" || user.profileHint != "adult male" {
		t.Errorf("User identity not recorded: %q %q", user.userID, user.profileHint)
	}
	select {
	case payload := <-user.send:
		t.Errorf("Expected no event on user register, got %s", payload)
	default:
	}
}

func TestStartChatGeneratesToken(t *testing.T) {
	r := newTestRouter()
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")
	if !strings.HasPrefix(chatID, "chat_") || len(chatID) != len("chat_")+8 {
		t.Errorf("Unexpected chat ID shape: %q", chatID)
	}
}

func TestStartChatReusesPendingEntry(t *testing.T) {
	r := newTestRouter()
	first := newTestClient(r, "user:1")
	second := newTestClient(r, "user:1b")

	chatID := startChat(t, r, first, "Heart", "u1")

	// Same user re-requests, e.g. after re-navigating: same chat, no new entry.
	r.StartChat(second, StartChatPayload{Category: "Heart", UserID: "u1", ProfileHint: "hint"})
	event := expectEvent(t, second, TypeChatStarted)
	if event["chatId"] != chatID {
		t.Errorf("Expected reused chat ID %q, got %v", chatID, event["chatId"])
	}
	if event["reused"] != true {
		t.Errorf("Expected reused=true, got %v", event["reused"])
	}

	if got := len(r.pending["Heart"]); got != 1 {
		t.Errorf("Expected exactly one pending entry, got %d", got)
	}
	if sess := r.sessions[chatID]; sess == nil || sess.user != second {
		t.Error("Session user slot was not rebound to the new connection")
	}
}

func TestStartChatNotifiesLobby(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	drainEvents(doctor)

	chatID := startChat(t, r, user, "Heart", "u1")

	event := expectEvent(t, doctor, TypeNewRequest)
	if event["chatId"] != chatID || event["userId"] != "u1" || event["category"] != "Heart" {
		t.Errorf("Unexpected new_request payload: %v", event)
	}
}

func TestAcceptChatRemovesPendingAndNotifies(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	other := newTestClient(r, "doc:2")
	user := newTestClient(r, "user:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	r.SubscribeCategory(other, "Heart")
	drainEvents(doctor)
	drainEvents(other)

	chatID := startChat(t, r, user, "Heart", "u1")
	drainEvents(doctor)
	drainEvents(other)

	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})

	// Every subscribed doctor sees the updated, now-empty pending list.
	for _, c := range []*Client{doctor, other} {
		event := expectEvent(t, c, TypePendingList)
		if list, ok := event["list"].([]any); !ok || len(list) != 0 {
			t.Errorf("Expected empty pending list after accept, got %v", event["list"])
		}
	}

	// Both participants learn the doctor joined.
	expectEvent(t, doctor, TypeDoctorJoined)
	joined := expectEvent(t, user, TypeDoctorJoined)
	if joined["doctorId"] != "d1" {
		t.Errorf("Expected doctorId d1, got %v", joined["doctorId"])
	}

	ack := expectEvent(t, doctor, TypeAcceptResult)
	if ack["ok"] != true || ack["chatId"] != chatID {
		t.Errorf("Unexpected accept ack: %v", ack)
	}
}

func TestAcceptUnknownChatReportsError(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")

	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: "chat_missing", DoctorID: "d1"})

	ack := expectEvent(t, doctor, TypeAcceptResult)
	if ack["ok"] != false || ack["error"] != "chat not found" {
		t.Errorf("Expected chat-not-found error ack, got %v", ack)
	}
}

func TestSecondAcceptWinsSilently(t *testing.T) {
	r := newTestRouter()
	first := newTestClient(r, "doc:1")
	second := newTestClient(r, "doc:2")
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")

	r.AcceptChat(first, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})
	drainEvents(first)
	r.AcceptChat(second, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d2"})

	drainEvents(second)
	if sess := r.sessions[chatID]; sess == nil || sess.doctor != second {
		t.Error("Expected the later accept to hold the doctor slot")
	}
}

func TestProfileReplayOnAccept(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")

	profile := json.RawMessage(`{"name":"Pat","age":41}`)
	r.CacheAndRelayProfile(ChatProfilePayload{ChatID: chatID, Profile: profile})
	expectEvent(t, user, TypeChatProfile)

	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})

	expectEvent(t, doctor, TypeDoctorJoined)
	replay := expectEvent(t, doctor, TypeChatProfile)
	got, _ := json.Marshal(replay["profile"])
	if string(got) != `{"age":41,"name":"Pat"}` && string(got) != `{"name":"Pat","age":41}` {
		t.Errorf("Expected cached profile replayed to the doctor, got %s", got)
	}
}

func TestRelayMessageToWholeRoom(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")
	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})
	drainEvents(doctor)
	drainEvents(user)

	r.RelayMessage(ChatMessagePayload{ChatID: chatID, From: RoleUser, Text: "hello", Timestamp: 1700000000000})

	// Delivered to every room member, sender included.
	for _, c := range []*Client{user, doctor} {
		event := expectEvent(t, c, TypeChatMessage)
		if event["from"] != RoleUser || event["text"] != "hello" {
			t.Errorf("Unexpected message payload: %v", event)
		}
	}
}

func TestRelayMessageStaleChatIsNoop(t *testing.T) {
	r := newTestRouter()
	user := newTestClient(r, "user:1")

	r.RelayMessage(ChatMessagePayload{ChatID: "chat_gone", From: RoleUser, Text: "hello"})

	select {
	case payload := <-user.send:
		t.Errorf("Expected no delivery for a stale chat, got %s", payload)
	default:
	}
}

func TestRelayFileEnforcesSizeBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileBytes = 16
	r := NewRouter(cfg)
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")

	r.RelayFile(ChatFilePayload{ChatID: chatID, From: RoleUser, File: FileMeta{
		Name: "scan.png", Type: "image/png", Size: 64, Data: strings.Repeat("A", 64),
	}})
	select {
	case payload := <-user.send:
		t.Errorf("Expected oversize file to be dropped, got %s", payload)
	default:
	}

	r.RelayFile(ChatFilePayload{ChatID: chatID, From: RoleUser, File: FileMeta{
		Name: "note.txt", Type: "text/plain", Size: 4, Data: "QUJDRA==",
	}})
	event := expectEvent(t, user, TypeChatFile)
	file, ok := event["file"].(map[string]any)
	if !ok || file["name"] != "note.txt" {
		t.Errorf("Unexpected file payload: %v", event)
	}
}

func TestEndChatIsTwoPhase(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	chatID := startChat(t, r, user, "Heart", "u1")
	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})
	drainEvents(doctor)
	drainEvents(user)

	r.EndChat(EndChatPayload{ChatID: chatID, By: RoleDoctor})

	left := expectEvent(t, user, TypePartnerLeft)
	if left["who"] != RoleDoctor {
		t.Errorf("Expected who=doctor, got %v", left["who"])
	}
	drainEvents(doctor)

	// Session survives the first end: relays still work.
	r.RelayMessage(ChatMessagePayload{ChatID: chatID, From: RoleUser, Text: "still here"})
	expectEvent(t, user, TypeChatMessage)
	drainEvents(doctor)

	r.EndChat(EndChatPayload{ChatID: chatID, By: RoleUser})
	expectEvent(t, user, TypePartnerLeft)
	expectEvent(t, user, TypeChatEnded)

	if _, ok := r.sessions[chatID]; ok {
		t.Error("Session should be deleted after both sides end")
	}
	r.RelayMessage(ChatMessagePayload{ChatID: chatID, From: RoleUser, Text: "too late"})
	select {
	case payload := <-user.send:
		t.Errorf("Expected relay after termination to be a no-op, got %s", payload)
	default:
	}
}

func TestEndChatRemovesResidualPending(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	drainEvents(doctor)

	chatID := startChat(t, r, user, "Heart", "u1")
	drainEvents(doctor)

	// User gives up before any doctor accepts: single end empties the session.
	r.EndChat(EndChatPayload{ChatID: chatID, By: RoleUser})

	if len(r.pending["Heart"]) != 0 {
		t.Errorf("Expected pending queue cleared, got %v", r.pending["Heart"])
	}
	expectEvent(t, doctor, TypePendingList)
}

func TestDisconnectTerminatesImmediately(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	drainEvents(doctor)

	chatID := startChat(t, r, user, "Heart", "u1")
	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})
	r.CacheAndRelayProfile(ChatProfilePayload{ChatID: chatID, Profile: json.RawMessage(`{"a":1}`)})
	drainEvents(doctor)
	drainEvents(user)

	r.Disconnect(user)

	// No partner_left phase: the chat ends outright.
	expectEvent(t, doctor, TypeChatEnded)
	expectEvent(t, doctor, TypePendingList)

	if _, ok := r.sessions[chatID]; ok {
		t.Error("Session should be gone after participant disconnect")
	}
	if _, ok := r.profiles[chatID]; ok {
		t.Error("Cached profile should be gone after participant disconnect")
	}
	if len(r.pending["Heart"]) != 0 {
		t.Errorf("Pending queue should be empty, got %v", r.pending["Heart"])
	}
}

func TestDisconnectClearsRosterPresence(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	r.SubscribeCategory(doctor, "Neurology")
	drainEvents(doctor)

	r.Disconnect(doctor)

	if _, ok := r.doctors["Heart"][doctor]; ok {
		t.Error("Doctor should be removed from the Heart roster on disconnect")
	}
	for key, members := range r.rooms.rooms {
		if _, ok := members[doctor]; ok {
			t.Errorf("Doctor still member of room %s after disconnect", key)
		}
	}
}

func TestUnsubscribeLeavesLobby(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	r.SubscribeCategory(doctor, "Heart")
	expectEvent(t, doctor, TypePendingList)

	r.UnsubscribeCategory(doctor, "Heart")

	startChat(t, r, user, "Heart", "u1")
	select {
	case payload := <-doctor.send:
		t.Errorf("Unsubscribed doctor received %s", payload)
	default:
	}
}

// Mirrors the full consult flow: request, lobby notification, accept,
// message exchange, and the two-phase close.
func TestConsultLifecycle(t *testing.T) {
	r := newTestRouter()
	doctor := newTestClient(r, "doc:1")
	user := newTestClient(r, "user:1")

	r.Register(doctor, RegisterPayload{Role: RoleDoctor, Category: "Heart"})
	drainEvents(doctor)

	chatID := startChat(t, r, user, "Heart", "u1")
	request := expectEvent(t, doctor, TypeNewRequest)
	if request["chatId"] != chatID {
		t.Fatalf("Lobby saw chat %v, expected %s", request["chatId"], chatID)
	}

	r.AcceptChat(doctor, AcceptChatPayload{Category: "Heart", ChatID: chatID, DoctorID: "d1"})
	expectEvent(t, user, TypeDoctorJoined)
	drainEvents(doctor)

	r.RelayMessage(ChatMessagePayload{ChatID: chatID, From: RoleUser, Text: "hello"})
	message := expectEvent(t, doctor, TypeChatMessage)
	if message["from"] != RoleUser || message["text"] != "hello" {
		t.Errorf("Doctor received unexpected message: %v", message)
	}
	drainEvents(user)

	r.EndChat(EndChatPayload{ChatID: chatID, By: RoleDoctor})
	left := expectEvent(t, user, TypePartnerLeft)
	if left["who"] != RoleDoctor {
		t.Errorf("Expected doctor to be the leaver, got %v", left["who"])
	}
	drainEvents(doctor)

	r.EndChat(EndChatPayload{ChatID: chatID, By: RoleUser})
	expectEvent(t, user, TypePartnerLeft)
	expectEvent(t, user, TypeChatEnded)

	r.RelayMessage(ChatMessagePayload{ChatID: chatID, From: RoleUser, Text: "gone"})
	select {
	case payload := <-user.send:
		t.Errorf("Relay on ended chat delivered %s", payload)
	default:
	}
}
