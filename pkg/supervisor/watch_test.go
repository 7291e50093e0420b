package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

func TestDeriveCondition(t *testing.T) {
	cases := []struct {
		name      string
		forced    string
		degraded  bool
		streaming bool
		gameUp    bool
		want      string
	}{
		{name: "nothing up", want: ConditionStandby},
		{name: "game only", gameUp: true, want: ConditionGame},
		{name: "stream only", streaming: true, want: ConditionRestricted},
		{name: "stream beats game", streaming: true, gameUp: true, want: ConditionRestricted},
		{name: "degraded beats stream", degraded: true, streaming: true, gameUp: true, want: ConditionDegraded},
		{name: "force beats everything", forced: "GAME", degraded: true, streaming: true, want: "GAME"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveCondition(tc.forced, tc.degraded, tc.streaming, tc.gameUp)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWatch_TransitionJournaledOnce(t *testing.T) {
	f := newFixture(t, Config{EDProcessName: "ed.exe"})
	wt := newWatchTask(f.sup)
	ctx := context.Background()

	// Boot establishes the condition once.
	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionStandby, f.st.GetString("system.watch_condition"))
	assert.Len(t, f.eventsOfType(t, store.EventWatchCondition), 1)
	assert.Len(t, f.eventsOfType(t, store.EventHandoverNote), 1)

	// Steady state is silent.
	require.NoError(t, wt.run(ctx))
	require.NoError(t, wt.run(ctx))
	assert.Len(t, f.eventsOfType(t, store.EventWatchCondition), 1)

	setRawState(t, f.st, "ed.running", "true")
	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionGame, f.st.GetString("system.watch_condition"))

	evts := f.eventsOfType(t, store.EventWatchCondition)
	require.Len(t, evts, 2)
	assert.Contains(t, string(evts[0].Payload), `"to":"GAME"`)
	assert.Contains(t, string(evts[0].Payload), `"from":"STANDBY"`)

	notes := f.eventsOfType(t, store.EventHandoverNote)
	require.Len(t, notes, 2)
	assert.Contains(t, string(notes[0].Payload), "STANDBY -> GAME")
}

func TestWatch_StreamingRestricts(t *testing.T) {
	f := newFixture(t, Config{EDProcessName: "ed.exe",
		WatchProcesses: map[string]string{"obs": "obs64.exe"}})
	wt := newWatchTask(f.sup)
	ctx := context.Background()

	setRawState(t, f.st, "ed.running", "true")
	setRawState(t, f.st, "app.obs.running", "true")
	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionRestricted, f.st.GetString("system.watch_condition"))

	notes := f.eventsOfType(t, store.EventHandoverNote)
	require.Len(t, notes, 1)
	assert.Contains(t, string(notes[0].Payload), `"apps":["obs"]`)
}

func TestWatch_ForceConditionWins(t *testing.T) {
	f := newFixture(t, Config{EDProcessName: "ed.exe"})
	wt := newWatchTask(f.sup)
	ctx := context.Background()

	setRawState(t, f.st, "ed.running", "true")
	setRawState(t, f.st, "policy.force_condition", `"restricted"`)
	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionRestricted, f.st.GetString("system.watch_condition"))

	// Clearing the pin hands derivation back to the inputs.
	setRawState(t, f.st, "policy.force_condition", `""`)
	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionGame, f.st.GetString("system.watch_condition"))
}

func TestWatch_DegradedPlantWins(t *testing.T) {
	f := newFixture(t, Config{EDProcessName: "ed.exe"})
	wt := newWatchTask(f.sup)
	ctx := context.Background()

	setRawState(t, f.st, "ed.running", "true")
	_, err := f.st.SetCapability("bridge", store.CapUnavailable, "down")
	require.NoError(t, err)
	_, err = f.st.SetCapability("parser", store.CapDegraded, "flapping")
	require.NoError(t, err)

	require.NoError(t, wt.run(ctx))
	assert.Equal(t, ConditionDegraded, f.st.GetString("system.watch_condition"))
}
