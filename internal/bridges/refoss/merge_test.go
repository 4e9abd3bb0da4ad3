package refoss

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
)

func TestParseMergeGroups(t *testing.T) {
	m, _ := Resolve(ModelEM06P)

	groups, err := parseMergeGroups(json.RawMessage(`[
		{"mergeName":"A","channels":[1,2]},
		{"mergeName":"","channels":[3]},
		{"mergeName":"B","channels":[4,"x",7,0,5.5,6]},
		"garbage"
	]`), m, noopLogger{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, MergeGroup{Name: "A", Channels: []int{1, 2}}, groups[0])
	assert.Equal(t, MergeGroup{Name: "B", Channels: []int{4, 6}}, groups[1])

	_, err = parseMergeGroups(json.RawMessage(`{"mergeName":"A"}`), m, noopLogger{})
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
}

func TestMergeChannelID(t *testing.T) {
	assert.Equal(t, "dev.Total-A", MergeChannelID("dev", "A"))
	assert.Equal(t, "dev.Total-Solar_roof", MergeChannelID("dev", "Solar roof"))
}

func TestSession_MergeAggregates(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	ctx := context.Background()
	f.telemetry.set(NamespaceChannelMerge, `[{"mergeName":"A","channels":[1,2]}]`)
	f.telemetry.set(NamespaceElectricity, `[{"channel":1,"power":100000},{"channel":2,"power":50000}]`)

	f.session.PollOnce(ctx)

	v, ok := f.store.value(testDeviceID + ".Total-A.Power")
	require.True(t, ok)
	assert.InDelta(t, 150.0, v, 1e-9)

	// Quantities without readings aggregate to zero.
	v, _ = f.store.value(testDeviceID + ".Total-A.Current")
	assert.InDelta(t, 0.0, v, 1e-9)

	assert.False(t, f.store.has(testDeviceID+".Total-A.Voltage"))
	assert.False(t, f.store.has(testDeviceID+".Total-A.PowerFactor"))
	assert.Equal(t, 8, f.store.countKind(testDeviceID+".Total-A.", datapoint.KindState))

	obj, err := f.store.GetObject(ctx, testDeviceID+".Total-A.Power")
	require.NoError(t, err)
	assert.Equal(t, "A Power", obj.Common.Name)
	assert.Equal(t, "W", obj.Common.Unit)

	assert.Equal(t, []MergeGroup{{Name: "A", Channels: []int{1, 2}}}, f.session.MergeGroups())

	msgs := f.mqtt.messages(StateTopic(testDeviceID))
	require.Len(t, msgs, 2, "channel values and merge totals")
	var msg StateMessage
	require.NoError(t, json.Unmarshal(msgs[1].payload, &msg))
	assert.InDelta(t, 150.0, msg.State["Total-A.Power"], 1e-9)
}

func TestSession_MergeDatapointsCreatedOnce(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	ctx := context.Background()
	f.telemetry.set(NamespaceChannelMerge, `[{"mergeName":"A","channels":[1,2]}]`)
	f.telemetry.set(NamespaceElectricity, `[{"channel":1,"power":100000},{"channel":2,"power":50000}]`)
	f.session.PollOnce(ctx)

	obj, _ := f.store.GetObject(ctx, testDeviceID+".Total-A.Power")
	obj.Common.Name = "Heat pump"
	f.store.put(*obj)

	f.session.PollOnce(ctx)

	obj, _ = f.store.GetObject(ctx, testDeviceID+".Total-A.Power")
	assert.Equal(t, "Heat pump", obj.Common.Name, "existing merge datapoint untouched")
}

func TestSession_NoMergeGroups(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	f.telemetry.set(NamespaceChannelMerge, `[]`)
	f.telemetry.set(NamespaceElectricity, powerReply())

	f.session.PollOnce(context.Background())

	assert.Equal(t, 0, f.store.countKind(testDeviceID+".Total-", datapoint.KindState))
	assert.Empty(t, f.session.MergeGroups())
}

func TestSession_MergeSkippedWhenElectricityFails(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	ctx := context.Background()
	f.telemetry.set(NamespaceChannelMerge, `[{"mergeName":"A","channels":[1,2]}]`)
	f.telemetry.set(NamespaceElectricity, `[{"channel":1,"power":100000},{"channel":2,"power":50000}]`)
	f.session.PollOnce(ctx)

	f.telemetry.fail(NamespaceElectricity)
	f.session.PollOnce(ctx)

	v, _ := f.store.value(testDeviceID + ".Total-A.Power")
	assert.InDelta(t, 150.0, v, 1e-9, "aggregate not recomputed from a stale snapshot")
}

func TestSession_MergeConfigFailureSkipsMerge(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	f.telemetry.fail(NamespaceChannelMerge)
	f.telemetry.set(NamespaceElectricity, powerReply())

	f.session.PollOnce(context.Background())

	v, ok := f.store.value(testDeviceID + ".A1.Power")
	require.True(t, ok, "channel values still written")
	assert.InDelta(t, 10.0, v, 1e-9)
	assert.Equal(t, 0, f.store.countKind(testDeviceID+".Total-", datapoint.KindState))
}

func TestSession_LegacyMergeStateMigrated(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	legacy := testDeviceID + ".Total-A"
	f.store.put(datapoint.Object{
		ID:     legacy,
		Kind:   datapoint.KindState,
		Common: datapoint.Common{Name: "Total-A", Type: datapoint.TypeNumber},
	})
	f.telemetry.set(NamespaceChannelMerge, `[{"mergeName":"A","channels":[1,2]}]`)
	f.telemetry.set(NamespaceElectricity, `[{"channel":1,"power":100000},{"channel":2,"power":50000}]`)

	f.session.PollOnce(context.Background())

	assert.False(t, f.store.has(legacy))
	assert.Contains(t, f.store.deleted, legacy)
	assert.True(t, f.store.has(legacy+".Power"))
}

func TestSession_MergeCommitFailureIsNotFatal(t *testing.T) {
	f := newSessionFixture(t, ModelEM06P)
	ctx := context.Background()
	require.NoError(t, f.session.Register(ctx))

	f.store.mu.Lock()
	f.store.commitErr = assert.AnError
	f.store.mu.Unlock()

	f.telemetry.set(NamespaceChannelMerge, `[{"mergeName":"A","channels":[1,2]}]`)
	f.telemetry.set(NamespaceElectricity, `[{"channel":1,"power":100000},{"channel":2,"power":50000}]`)
	f.session.PollOnce(ctx)

	v, ok := f.store.value(testDeviceID + ".A1.Power")
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)
	assert.False(t, f.store.has(testDeviceID+".Total-A.Power"))
}
