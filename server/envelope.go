package server

import "encoding/json"

// Envelope is the wire format for every client and server originated
// real-time message. Exactly one of the message pointers is set, mirroring
// a protobuf oneof in plain JSON.
type Envelope struct {
	// Cid correlates a client request with its response, when the client
	// supplies one.
	Cid string `json:"cid,omitempty"`

	// Client-originated control messages.
	SwitchRoom     *SwitchRoom     `json:"switch_room,omitempty"`
	UpdateAppState *UpdateAppState `json:"update_app_state,omitempty"`
	JoinRTC        *JoinRTC        `json:"join_rtc,omitempty"`
	LeaveRTC       *LeaveRTC       `json:"leave_rtc,omitempty"`

	// Server-originated messages.
	Error        *ErrorMessage   `json:"error,omitempty"`
	AppState     *AppStateSync   `json:"app_state,omitempty"`
	Activity     *Activity       `json:"activity,omitempty"`
	UserJoined   *UserPresence   `json:"user_joined,omitempty"`
	UserLeft     *UserPresence   `json:"user_left,omitempty"`
	ChannelEvent *ChannelEvent   `json:"channel_event,omitempty"`
	RTCJoined    *RTCParticipant `json:"rtc_joined,omitempty"`
	RTCLeft      *RTCParticipant `json:"rtc_left,omitempty"`
}

// SwitchRoom asks the server to make (DomainID, ChannelID) the viewer's
// current room. Empty ids mean "no current room".
type SwitchRoom struct {
	DomainID  string `json:"domain_id"`
	ChannelID string `json:"channel_id"`
}

// UpdateAppState carries a partial update of per-identity UI preferences.
type UpdateAppState struct {
	Data json.RawMessage `json:"data"`
}

type JoinRTC struct {
	RoomID string `json:"room_id"`
}

type LeaveRTC struct {
	RoomID string `json:"room_id"`
}

type ErrorMessage struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// AppStateSync is pushed once after connect with the identity's restored
// application state.
type AppStateSync struct {
	CurrentDomain  string          `json:"current_domain"`
	CurrentChannel string          `json:"current_channel"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Activity tells a caught-up but not-viewing client that its view of the
// channel went stale. MarkUnseen is false for coalesced aggregates that do
// not count as channel activity.
type Activity struct {
	DomainID   string `json:"domain_id"`
	ChannelID  string `json:"channel_id"`
	MarkUnseen bool   `json:"mark_unseen"`
}

type UserPresence struct {
	Identity string `json:"identity"`
	DomainID string `json:"domain_id"`
	Username string `json:"username,omitempty"`
}

// ChannelEvent is a full business event payload delivered to active viewers
// of a channel. Kind names the business event (message, edit-message,
// delete-message, reactions, ...).
type ChannelEvent struct {
	Kind      string          `json:"kind"`
	DomainID  string          `json:"domain_id"`
	ChannelID string          `json:"channel_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RTCParticipant struct {
	RoomID   string `json:"room_id"`
	DomainID string `json:"domain_id,omitempty"`
	Identity string `json:"identity"`
}
