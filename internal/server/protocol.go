// Package server defines the wire protocol exchanged with user and doctor
// clients. Every frame is a JSON object whose "type" field selects one of the
// payload shapes below; inbound frames are decoded twice, once for the type
// and once for the typed payload.
package server

import "encoding/json"

// Participant roles.
const (
	RoleUser   = "user"
	RoleDoctor = "doctor"
)

// Inbound message types.
const (
	TypeRegister            = "register"
	TypeStartChat           = "user:start_chat"
	TypeAcceptChat          = "doctor:accept_chat"
	TypeChatMessage         = "chat:message"
	TypeChatProfile         = "chat:profile"
	TypeChatFile            = "chat:file"
	TypeSubscribeCategory   = "doctor:subscribe_category"
	TypeUnsubscribeCategory = "doctor:unsubscribe_category"
	TypeEndChat             = "chat:end"
)

// Outbound message types. ChatStarted and AcceptResult are directed replies
// to the caller; the rest are room or lobby broadcasts.
const (
	TypeChatStarted  = "user:chat_started"
	TypeAcceptResult = "doctor:accept_result"
	TypePendingList  = "doctor:pending_list"
	TypeNewRequest   = "doctor:new_request"
	TypeDoctorJoined = "system:doctor_joined"
	TypePartnerLeft  = "system:partner_left"
	TypeChatEnded    = "chat:ended"
)

// envelope is the minimal decode used to select a handler for an inbound frame.
type envelope struct {
	Type string `json:"type"`
}

// RegisterPayload identifies a connection as a user or a doctor. Doctors name
// the category lobby they come on duty for; users carry their identity and a
// lightweight profile hint for later chat requests.
type RegisterPayload struct {
	Role        string `json:"role"`
	Category    string `json:"category,omitempty"`
	UserID      string `json:"userId,omitempty"`
	ProfileHint string `json:"profileHint,omitempty"`
}

// StartChatPayload asks the router for a chat in a category, reusing the
// user's existing pending request if one is still queued.
type StartChatPayload struct {
	Category    string `json:"category"`
	UserID      string `json:"userId"`
	ProfileHint string `json:"profileHint"`
}

// AcceptChatPayload is a doctor claiming a pending request.
type AcceptChatPayload struct {
	Category string `json:"category"`
	ChatID   string `json:"chatId"`
	DoctorID string `json:"doctorId"`
}

// ChatMessagePayload is a text message relayed verbatim to the chat room.
// Timestamp is whatever the sending client stamped, in milliseconds.
type ChatMessagePayload struct {
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// FileMeta describes an inline file attachment. Data carries the encoded
// bytes; Size is the sender's claim about the decoded length.
type FileMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// ChatFilePayload is a file attachment relayed to the chat room.
type ChatFilePayload struct {
	ChatID string   `json:"chatId"`
	From   string   `json:"from"`
	File   FileMeta `json:"file"`
}

// ChatProfilePayload carries the rich patient profile for a chat. The profile
// is opaque to the router; it is cached and replayed as-is.
type ChatProfilePayload struct {
	ChatID  string          `json:"chatId"`
	Profile json.RawMessage `json:"profile"`
}

// CategoryPayload names a category lobby to subscribe to or leave.
type CategoryPayload struct {
	Category string `json:"category"`
}

// EndChatPayload detaches one side of a chat. By names the leaving role.
type EndChatPayload struct {
	ChatID string `json:"chatId"`
	By     string `json:"by"`
}

// PendingRequest is a user's unmatched chat request awaiting a doctor.
type PendingRequest struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	ProfileHint string `json:"profileHint"`
	Category    string `json:"category"`
}

// ChatStartedEvent acknowledges user:start_chat to the caller only.
type ChatStartedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Reused bool   `json:"reused"`
}

// AcceptResultEvent acknowledges doctor:accept_chat to the caller only.
type AcceptResultEvent struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	ChatID string `json:"chatId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PendingListEvent carries the full pending queue for a category.
type PendingListEvent struct {
	Type     string           `json:"type"`
	Category string           `json:"category"`
	List     []PendingRequest `json:"list"`
}

// NewRequestEvent announces a freshly queued request to a category lobby.
type NewRequestEvent struct {
	Type string `json:"type"`
	PendingRequest
}

// DoctorJoinedEvent tells both chat participants a doctor accepted.
type DoctorJoinedEvent struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	DoctorID string `json:"doctorId"`
}

// ProfileEvent delivers the cached or freshly sent patient profile.
type ProfileEvent struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId"`
	Profile json.RawMessage `json:"profile"`
}

// MessageEvent is the outbound form of a relayed text message.
type MessageEvent struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// FileEvent is the outbound form of a relayed file attachment.
type FileEvent struct {
	Type   string   `json:"type"`
	ChatID string   `json:"chatId"`
	From   string   `json:"from"`
	File   FileMeta `json:"file"`
}

// PartnerLeftEvent notifies the remaining participant that the other side
// detached during a two-phase close.
type PartnerLeftEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Who     string `json:"who"`
	Message string `json:"message"`
}

// ChatEndedEvent announces full termination of a chat.
type ChatEndedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}
