// ABOUTME: Wire event types exchanged between the relay and host/guest clients
// ABOUTME: Inbound JSON decodes into closed per-role variants, outbound events are typed structs

package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when an inbound frame cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Role is the side of a channel a client connects as.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParseRole validates a role string from the connect parameters.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleGuest:
		return Role(s), nil
	case "":
		return "", ErrMissingRole
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// GuestRecord is one entry in a host's allowed or pending list.
type GuestRecord struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// OfflineMessage is a guest message held for a host that was away.
type OfflineMessage struct {
	From    string          `json:"from"`
	Content json.RawMessage `json:"content,omitempty"`
	Time    json.RawMessage `json:"time,omitempty"`
}

// Inbound event type names.
const (
	typeMessage       = "message"
	typeVerifyRequest = "verifyRequest"
	typeAllowGuest    = "allowGuest"
	typeRejectGuest   = "rejectGuest"
	typeRemoveGuest   = "removeGuest"
)

// GuestEvent is an event a guest may send. The set of variants is closed.
type GuestEvent interface {
	guestEvent()
}

// GuestMessage is a chat message from a guest to a host.
type GuestMessage struct {
	To      string
	From    string
	Content json.RawMessage
	Time    json.RawMessage
	GuestID string
}

// VerifyRequest asks a host to approve a guest.
type VerifyRequest struct {
	To      string
	From    string
	Content json.RawMessage
	Time    json.RawMessage
	GuestID string
}

func (GuestMessage) guestEvent()  {}
func (VerifyRequest) guestEvent() {}

// HostEvent is an event a host may send. The set of variants is closed.
type HostEvent interface {
	hostEvent()
}

// AllowGuest moves a guest to the allowed list.
type AllowGuest struct {
	GuestID  string
	Nickname string
}

// RejectGuest drops a guest from the pending list.
type RejectGuest struct {
	GuestID string
}

// RemoveGuest drops a guest from the allowed list.
type RemoveGuest struct {
	GuestID string
}

// HostMessage is a reply to one guest, or a broadcast when To is empty.
type HostMessage struct {
	To      string
	Content json.RawMessage
	Time    json.RawMessage
}

func (AllowGuest) hostEvent()  {}
func (RejectGuest) hostEvent() {}
func (RemoveGuest) hostEvent() {}
func (HostMessage) hostEvent() {}

// envelope is the union of every inbound field.
type envelope struct {
	Type     string          `json:"type"`
	To       string          `json:"to"`
	From     string          `json:"from"`
	Content  json.RawMessage `json:"content"`
	Time     json.RawMessage `json:"time"`
	GuestID  string          `json:"guestId"`
	Nickname string          `json:"nickname"`
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	env.Content = normalizeRaw(env.Content)
	env.Time = normalizeRaw(env.Time)
	return &env, nil
}

// DecodeGuestEvent parses a frame sent by a guest.
// Types a guest may not send decode to nil with no error.
func DecodeGuestEvent(data []byte) (GuestEvent, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case typeMessage, typeVerifyRequest:
	default:
		return nil, nil
	}

	if env.To == "" {
		return nil, fmt.Errorf("%w: %s without to", ErrMalformedEvent, env.Type)
	}
	if env.GuestID == "" {
		return nil, fmt.Errorf("%w: %s without guestId", ErrMalformedEvent, env.Type)
	}

	if env.Type == typeVerifyRequest {
		return VerifyRequest{To: env.To, From: env.From, Content: env.Content, Time: env.Time, GuestID: env.GuestID}, nil
	}
	return GuestMessage{To: env.To, From: env.From, Content: env.Content, Time: env.Time, GuestID: env.GuestID}, nil
}

// DecodeHostEvent parses a frame sent by a host.
// Types a host may not send decode to nil with no error.
func DecodeHostEvent(data []byte) (HostEvent, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case typeMessage:
		return HostMessage{To: env.To, Content: env.Content, Time: env.Time}, nil
	case typeAllowGuest, typeRejectGuest, typeRemoveGuest:
		if env.GuestID == "" {
			return nil, fmt.Errorf("%w: %s without guestId", ErrMalformedEvent, env.Type)
		}
	default:
		return nil, nil
	}

	switch env.Type {
	case typeAllowGuest:
		return AllowGuest{GuestID: env.GuestID, Nickname: env.Nickname}, nil
	case typeRejectGuest:
		return RejectGuest{GuestID: env.GuestID}, nil
	default:
		return RemoveGuest{GuestID: env.GuestID}, nil
	}
}

// normalizeRaw treats an explicit JSON null as an absent field.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

// Event is anything the relay sends down a channel.
type Event interface {
	EventType() string
}

// Outbound event type names.
const (
	EventLoginFail       = "loginFail"
	EventOfflineMessages = "offlineMessages"
	EventPermissionsList = "permissionsList"
	EventMessage         = "message"
	EventVerifyPass      = "verifyPass"
	EventVerifyReject    = "verifyReject"
	EventError           = "error"
)

// LoginFail tells a host its password did not match.
type LoginFail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// OfflineMessages delivers a host's drained queue.
type OfflineMessages struct {
	Type     string           `json:"type"`
	Messages []OfflineMessage `json:"messages"`
}

// PermissionsList is a host's current allowed and pending lists.
type PermissionsList struct {
	Type    string        `json:"type"`
	Allowed []GuestRecord `json:"allowed"`
	Pending []GuestRecord `json:"pending"`
}

// Message is a chat message delivered live.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Content json.RawMessage `json:"content,omitempty"`
	Time    json.RawMessage `json:"time,omitempty"`
}

// VerifyPass tells a guest it was approved.
type VerifyPass struct {
	Type string `json:"type"`
}

// VerifyReject tells a guest it was turned down.
type VerifyReject struct {
	Type string `json:"type"`
}

// ErrorEvent reports a failed inbound event. The message never carries detail.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (LoginFail) EventType() string       { return EventLoginFail }
func (OfflineMessages) EventType() string { return EventOfflineMessages }
func (PermissionsList) EventType() string { return EventPermissionsList }
func (Message) EventType() string         { return EventMessage }
func (VerifyPass) EventType() string      { return EventVerifyPass }
func (VerifyReject) EventType() string    { return EventVerifyReject }
func (ErrorEvent) EventType() string      { return EventError }

// LoginFailReason is sent to a host whose password did not match.
const LoginFailReason = "invalid password"

// ErrorMessage is the fixed text of every error event.
const ErrorMessage = "message processing failed"

// HostSender is the from field on messages a host sends to guests.
const HostSender = "host"

func newLoginFail() LoginFail {
	return LoginFail{Type: EventLoginFail, Reason: LoginFailReason}
}

func newOfflineMessages(msgs []OfflineMessage) OfflineMessages {
	if msgs == nil {
		msgs = []OfflineMessage{}
	}
	return OfflineMessages{Type: EventOfflineMessages, Messages: msgs}
}

func newPermissionsList(p Permissions) PermissionsList {
	return PermissionsList{Type: EventPermissionsList, Allowed: nonNil(p.Allowed), Pending: nonNil(p.Pending)}
}

func newMessage(from string, content, t json.RawMessage) Message {
	return Message{Type: EventMessage, From: from, Content: content, Time: t}
}

func newVerifyPass() VerifyPass     { return VerifyPass{Type: EventVerifyPass} }
func newVerifyReject() VerifyReject { return VerifyReject{Type: EventVerifyReject} }
func newErrorEvent() ErrorEvent     { return ErrorEvent{Type: EventError, Message: ErrorMessage} }

func nonNil(records []GuestRecord) []GuestRecord {
	if records == nil {
		return []GuestRecord{}
	}
	return records
}
