package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names carried in the "event" field of every realtime frame.
const (
	EventOnlineUsers         = "getOnlineUsers"
	EventJoinGroups          = "joinGroups"
	EventJoinGroup           = "joinGroup"
	EventLeaveGroup          = "leaveGroup"
	EventGroupNotification   = "groupNotification"
	EventNewMessage          = "newMessage"
	EventReceiveGroupMessage = "receiveGroupMessage"
	EventSendMessage         = "sendMessage"
	EventGroupMessage        = "groupMessage"
	EventError               = "error"
)

var (
	// ErrEmptyMessage is returned when a message carries neither text nor a media reference.
	ErrEmptyMessage = errors.New("message must contain text or an image")
	// ErrHubClosed is returned by hub operations submitted after shutdown.
	ErrHubClosed = errors.New("hub is closed")
	// ErrNotActive is returned when a session operation requires the Active state.
	ErrNotActive = errors.New("session is not active")
	// ErrNoIdentity is returned when a handshake carries no user identity.
	ErrNoIdentity = errors.New("handshake carries no user identity")
)

// Frame is the JSON envelope exchanged in both directions over a connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals data and wraps it in a Frame for the given event.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Kind distinguishes direct messages from group messages.
type Kind int

const (
	KindDirect Kind = iota
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Message is the object delivered to clients in newMessage and
// receiveGroupMessage events. It mirrors the stored message.
type Message struct {
	ID         string    `json:"_id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Kind reports whether m targets a group or a single user.
func (m Message) Kind() Kind {
	if m.GroupID != "" {
		return KindGroup
	}
	return KindDirect
}

// Validate rejects messages with neither text nor a media reference.
func (m Message) Validate() error {
	return ValidatePayload(m.Text, m.Image)
}

// ValidatePayload reports ErrEmptyMessage when both text and image are blank.
func ValidatePayload(text, image string) error {
	if strings.TrimSpace(text) == "" && strings.TrimSpace(image) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// GroupNotification is the payload of a groupNotification event.
type GroupNotification struct {
	Message string `json:"message"`
	GroupID string `json:"groupId"`
}

// ErrorNotice is the payload of an error event sent back to a single connection.
type ErrorNotice struct {
	Message string `json:"message"`
}
