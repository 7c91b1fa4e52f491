package model

import "encoding/json"

// Message types exchanged between clients and the signaling server.
const (
	TypeJoinRoom      = "join-room"
	TypeLeaveRoom     = "leave-room"
	TypeRoomJoined    = "room-joined"
	TypeMemberJoined  = "member-joined"
	TypeMemberLeft    = "member-left"
	TypeFloorClaim    = "floor-claim"
	TypeFloorClaimed  = "floor-claimed"
	TypeFloorRelease  = "floor-release"
	TypeFloorReleased = "floor-released"
	TypeNegotiate     = "negotiate"
	TypeError         = "error"
)

// Negotiation payload kinds relayed between a peer pair.
const (
	KindOffer          = "offer"
	KindAnswer         = "answer"
	KindRouteCandidate = "route-candidate"
)

// Error codes carried by TypeError messages.
const (
	CodeAccessDenied = "access-denied"
	CodeRoomNotFound = "room-not-found"
	CodeBadRequest   = "bad-request"
	CodeRateLimited  = "rate-limited"
)

type Message struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on connection identity
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message of the given type with a marshalled payload.
func New(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: b}, nil
}

// Decode unmarshalls the message payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type MemberInfo struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type JoinRoom struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	Secret      string `json:"secret,omitempty"`
}

// RoomJoined is sent to the joining member only. Identity is the
// receiver's own server-assigned identity; Members excludes it.
type RoomJoined struct {
	RoomID   string       `json:"roomId"`
	Identity string       `json:"identity"`
	Members  []MemberInfo `json:"members"`
}

type MemberLeft struct {
	Identity string `json:"identity"`
}

type Floor struct {
	Identity string `json:"identity"`
}

// Negotiate carries one step of a peer-pair negotiation. Clients set
// To; the server rewrites the envelope with From before relaying.
// Payload stays opaque end to end.
type Negotiate struct {
	To      string          `json:"toIdentity,omitempty"`
	From    string          `json:"fromIdentity,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Wire is a bidirectional message channel pair bound to one connected
// identity. RX carries client-to-server traffic, TX server-to-client.
type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}
