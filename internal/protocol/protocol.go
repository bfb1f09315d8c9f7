// Package protocol is the wire contract between the broadcaster and its
// clients. Every websocket message is an Envelope whose payload type is
// named by T.
package protocol

import (
	"encoding/json"

	"orbit-server/internal/spatial"
)

// Server -> client.
const (
	MsgWelcome  = "welcome"
	MsgFrame    = "frame"
	MsgRejected = "rejected"
)

// Client -> server.
const (
	MsgJoin   = "join"
	MsgLeave  = "leave"
	MsgDock   = "dock"
	MsgUndock = "undock"
	MsgMove   = "move"
)

type Envelope struct {
	T string          `json:"t"`
	P json.RawMessage `json:"p"`
}

type EventType string

const (
	EventPositionUpdate  EventType = "positionUpdate"
	EventBodyUpdate      EventType = "bodyUpdate"
	EventBodyCreated     EventType = "bodyCreated"
	EventBodyRemoved     EventType = "bodyRemoved"
	EventBodyReinserted  EventType = "bodyReinserted"
	EventEntityJoined    EventType = "entityJoined"
	EventEntityLeft      EventType = "entityLeft"
	EventEntityDocked    EventType = "entityDocked"
	EventEntityUndocked  EventType = "entityUndocked"
	EventCommandRejected EventType = "commandRejected"
)

// Event is a single change at a tick. Only the fields meaningful for Type
// are set.
type Event struct {
	Type              EventType     `json:"type"`
	Tick              uint64        `json:"tick"`
	EntityID          string        `json:"entityId,omitempty"`
	BodyID            string        `json:"bodyId,omitempty"`
	Name              string        `json:"name,omitempty"`
	Position          *spatial.Vec3 `json:"position,omitempty"`
	Velocity          *spatial.Vec3 `json:"velocity,omitempty"`
	UniversalPosition *spatial.Vec3 `json:"universalPosition,omitempty"`
	Command           string        `json:"command,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

// Frame carries every event of one tick. Clients apply or discard a frame
// as a unit.
type Frame struct {
	Tick   uint64  `json:"tick"`
	Events []Event `json:"events"`
}

type Welcome struct {
	ConnectionID string `json:"connectionId"`
	Tick         uint64 `json:"tick"`
	EntityID     string `json:"entityId,omitempty"`
}

type JoinCommand struct {
	EntityID string       `json:"entityId"`
	Name     string       `json:"name"`
	Position spatial.Vec3 `json:"position"`
}

type LeaveCommand struct {
	EntityID string `json:"entityId"`
}

type DockCommand struct {
	EntityID string `json:"entityId"`
	BodyID   string `json:"bodyId"`
}

type UndockCommand struct {
	EntityID string `json:"entityId"`
}

type MoveCommand struct {
	EntityID string       `json:"entityId"`
	Velocity spatial.Vec3 `json:"velocity"`
}

func Vec(v spatial.Vec3) *spatial.Vec3 {
	return &v
}
