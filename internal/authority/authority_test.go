package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewd/pkg/types"
)

func reg(id string, kind types.SessionKind) Registration {
	return Registration{SessionID: id, Kind: kind, CameraID: "cam-" + id}
}

func TestRegister_CeilingThenRetryAfterUnregister(t *testing.T) {
	a := New(Config{Ceilings: map[types.SessionKind]int{types.KindLiveGrid: 2}})

	require.True(t, a.Register(reg("s1", types.KindLiveGrid)))
	require.True(t, a.Register(reg("s2", types.KindLiveGrid)))
	assert.False(t, a.Register(reg("s3", types.KindLiveGrid)), "third grid session must be denied")
	assert.Equal(t, 2, a.Active(types.KindLiveGrid))

	a.Unregister("s1")
	assert.True(t, a.Register(reg("s4", types.KindLiveGrid)), "slot freed by unregister")
	assert.Equal(t, 2, a.Active(types.KindLiveGrid))
}

func TestRegister_KindsAreIndependent(t *testing.T) {
	a := New(Config{Ceilings: map[types.SessionKind]int{
		types.KindLiveGrid: 1,
		types.KindLiveFull: 1,
	}})
	require.True(t, a.Register(reg("g1", types.KindLiveGrid)))
	require.False(t, a.Register(reg("g2", types.KindLiveGrid)))
	assert.True(t, a.Register(reg("f1", types.KindLiveFull)), "grid denial must not block a full view")
	assert.False(t, a.Register(reg("f2", types.KindLiveFull)))
	assert.True(t, a.Register(reg("p1", types.KindPlayback)), "playback keeps its default ceiling")
}

func TestRegister_ZeroCeilingDisablesKind(t *testing.T) {
	a := New(Config{Ceilings: map[types.SessionKind]int{types.KindPlayback: 0}})
	assert.False(t, a.Register(reg("p1", types.KindPlayback)))
	assert.Equal(t, 0, a.Ceiling(types.KindPlayback))
	assert.Equal(t, defaultLiveFullCeiling, a.Ceiling(types.KindLiveFull))
}

func TestRegister_SameIDIsIdempotent(t *testing.T) {
	a := New(Config{Ceilings: map[types.SessionKind]int{types.KindLiveFull: 1}})
	require.True(t, a.Register(reg("f1", types.KindLiveFull)))
	assert.True(t, a.Register(reg("f1", types.KindLiveFull)))
	assert.Equal(t, 1, a.Active(types.KindLiveFull))
}

func TestUnregister_UnknownIsNoop(t *testing.T) {
	a := New(Config{})
	var got []Event
	dispose := a.Subscribe(func(e Event) { got = append(got, e) })
	defer dispose()

	a.Unregister("missing")
	require.True(t, a.Register(reg("s1", types.KindPlayback)))
	a.Unregister("s1")
	a.Unregister("s1")

	require.Len(t, got, 2)
	assert.Equal(t, EventRegistered, got[0].Name)
	assert.Equal(t, EventUnregistered, got[1].Name)
	assert.Equal(t, "s1", got[1].SessionID)
	assert.False(t, a.IsRegistered("s1"))
}

func TestSubscribe_DisposeStopsDelivery(t *testing.T) {
	a := New(Config{Ceilings: map[types.SessionKind]int{types.KindLiveGrid: 1}})
	var names []EventName
	dispose := a.Subscribe(func(e Event) { names = append(names, e.Name) })

	a.Register(reg("s1", types.KindLiveGrid))
	a.Register(reg("s2", types.KindLiveGrid))
	dispose()
	dispose()
	a.Unregister("s1")

	assert.Equal(t, []EventName{EventRegistered, EventDenied}, names)
}

func TestSessions_OrderedByRegistration(t *testing.T) {
	a := New(Config{})
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, a.Register(reg(id, types.KindPlayback)))
	}
	out := a.Sessions()
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].SessionID)
	assert.Equal(t, "c", out[2].SessionID)
}
