package event_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/aptpod/qpath-go/event"
)

func TestChannel_Emit(t *testing.T) {
	c := NewChannel(1)
	c.Emit(PathValidated{})
	c.Emit(PathValidated{})
	assert.Equal(t, uint64(1), c.Dropped())

	e := <-c.C()
	assert.Equal(t, "PathValidated", e.Name())
}

func TestMulti(t *testing.T) {
	r1 := NewRecorder()
	r2 := NewRecorder()
	var names []string
	s := Multi(r1, nil, SinkFunc(func(e Event) { names = append(names, e.Name()) }), r2)

	s.Emit(DatagramDropped{Reason: DropReasonRejectedConnectionMigration, Deny: DenyBlockedPort})
	s.Emit(ActivePathUpdated{Remote: netip.MustParseAddrPort("127.0.0.1:1")})

	assert.Len(t, r1.Events(), 2)
	assert.Equal(t, r1.Events(), r2.Events())
	assert.Equal(t, []string{"DatagramDropped", "ActivePathUpdated"}, names)
}

func TestFilter(t *testing.T) {
	r := NewRecorder()
	r.Emit(PathCreated{})
	r.Emit(DatagramDropped{Reason: DropReasonInvalidAddress})
	r.Emit(PathCreated{})

	drops := Filter[DatagramDropped](r.Events())
	require.Len(t, drops, 1)
	assert.Equal(t, DropReasonInvalidAddress, drops[0].Reason)
	assert.Len(t, Filter[PathCreated](r.Events()), 2)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestReasons_String(t *testing.T) {
	assert.Equal(t, "RejectedConnectionMigration", DropReasonRejectedConnectionMigration.String())
	assert.Equal(t, "BlockedPort", DenyBlockedPort.String())
	assert.Equal(t, "ValidationTimeout", AbandonReasonValidationTimeout.String())
	assert.Equal(t, "UnknownDropReason(99)", DropReason(99).String())
}
