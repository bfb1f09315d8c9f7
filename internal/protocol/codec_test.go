package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit-server/internal/spatial"
)

func TestFrameWireShape(t *testing.T) {
	b, err := Encode(MsgFrame, Frame{
		Tick: 7,
		Events: []Event{
			{Type: EventBodyUpdate, Tick: 7, BodyID: "g1", UniversalPosition: Vec(spatial.Vec3{1, 2, 3})},
			{Type: EventEntityDocked, Tick: 7, EntityID: "e1", BodyID: "p1"},
			{Type: EventPositionUpdate, Tick: 7, EntityID: "e1", Position: Vec(spatial.Vec3{4, 5, 6}), Velocity: Vec(spatial.Vec3{0, 1, 0})},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"frame","p":{"tick":7,"events":[
		{"type":"bodyUpdate","tick":7,"bodyId":"g1","universalPosition":[1,2,3]},
		{"type":"entityDocked","tick":7,"entityId":"e1","bodyId":"p1"},
		{"type":"positionUpdate","tick":7,"entityId":"e1","position":[4,5,6],"velocity":[0,1,0]}
	]}}`, string(b))

	env, err := DecodeEnvelope(b)
	require.NoError(t, err)
	frame, err := DecodePayload[Frame](env)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), frame.Tick)
	require.Len(t, frame.Events, 3)
	assert.Equal(t, spatial.Vec3{1, 2, 3}, *frame.Events[0].UniversalPosition)
	assert.Equal(t, spatial.Vec3{4, 5, 6}, *frame.Events[2].Position)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := DecodeEnvelope(nil)
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"p":{}}`))
	assert.Error(t, err)

	_, err = DecodePayload[DockCommand](Envelope{T: MsgDock})
	assert.Error(t, err)

	_, err = Encode("", DockCommand{})
	assert.Error(t, err)
	_, err = Encode(MsgDock, nil)
	assert.Error(t, err)
}
