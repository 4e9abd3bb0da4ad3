package refoss

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{0, 0},
		{1000, 1},
		{230512, 230.51},
		{-5000, -5},
		{1, 0},
		{9, 0.01},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Normalize(tt.raw), 1e-9, "raw %v", tt.raw)
	}
}

func TestCompute(t *testing.T) {
	em06p, _ := Resolve(ModelEM06P)
	power, _ := em06p.Quantity(QuantityPower)
	factor, _ := em06p.Quantity(QuantityPowerFactor)
	voltage, _ := em06p.Quantity(QuantityVoltage)

	snap := Snapshot{
		{"power": 100000.0, "factor": 0.87, "voltage": 229870.0},
		{"power": "n/a"},
	}

	v, ok := Compute(power, 1, snap)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)

	v, ok = Compute(factor, 1, snap)
	require.True(t, ok)
	assert.InDelta(t, 0.87, v, 1e-9, "power factor is passed through raw")

	v, ok = Compute(voltage, 1, snap)
	require.True(t, ok)
	assert.InDelta(t, 229.87, v, 1e-9)

	_, ok = Compute(power, 2, snap)
	assert.False(t, ok, "non-numeric field")

	_, ok = Compute(power, 3, snap)
	assert.False(t, ok, "channel without record")

	_, ok = Compute(voltage, 2, snap)
	assert.False(t, ok, "missing field")
}

func TestCompute_SignSplit(t *testing.T) {
	em06, _ := Resolve(ModelEM06)
	imp, _ := em06.Quantity(QuantityMonthEnergy)
	exp, _ := em06.Quantity(QuantityMonthEnergyReturned)

	tests := []struct {
		name    string
		raw     float64
		wantImp float64
		wantExp float64
	}{
		{"negative is export", -5000, 0, 5},
		{"positive is import", 12340, 12.34, 0},
		{"zero", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{{"mConsume": tt.raw}}

			v, ok := Compute(imp, 1, snap)
			require.True(t, ok)
			assert.InDelta(t, tt.wantImp, v, 1e-9)

			v, ok = Compute(exp, 1, snap)
			require.True(t, ok)
			assert.InDelta(t, tt.wantExp, v, 1e-9)
		})
	}
}

func TestCompute_NoSplitForPairedCounters(t *testing.T) {
	em06p, _ := Resolve(ModelEM06P)
	month, _ := em06p.Quantity(QuantityMonthEnergy)

	v, ok := Compute(month, 1, Snapshot{{"mConsume": -5000.0}})
	require.True(t, ok)
	assert.InDelta(t, -5.0, v, 1e-9)
}

func TestAggregate(t *testing.T) {
	em06p, _ := Resolve(ModelEM06P)
	power, _ := em06p.Quantity(QuantityPower)
	factor, _ := em06p.Quantity(QuantityPowerFactor)

	snap := Snapshot{
		{"power": 100000.0, "factor": 0.9},
		{"power": 50000.0, "factor": 0.7},
		{"power": 12340.0, "factor": "bad"},
	}

	assert.InDelta(t, 150.0, Aggregate(power, []int{1, 2}, snap), 1e-9)
	assert.InDelta(t, 162.34, Aggregate(power, []int{1, 2, 3}, snap), 1e-9)
	assert.InDelta(t, 0.0, Aggregate(power, nil, snap), 1e-9, "no members")
	assert.InDelta(t, 100.0, Aggregate(power, []int{1, 9}, snap), 1e-9, "missing channel skipped")

	assert.InDelta(t, 0.8, Aggregate(factor, []int{1, 2, 3}, snap), 1e-9, "mean of raw values")
	assert.InDelta(t, 0.0, Aggregate(factor, []int{3}, snap), 1e-9, "no numeric members")
	assert.InDelta(t, 0.0, Aggregate(factor, nil, snap), 1e-9)
}

func TestSnapshotChannel(t *testing.T) {
	snap := Snapshot{{"power": 1.0}, nil}

	_, ok := snap.Channel(1)
	assert.True(t, ok)
	_, ok = snap.Channel(2)
	assert.False(t, ok, "null record")
	_, ok = snap.Channel(0)
	assert.False(t, ok)
	_, ok = snap.Channel(3)
	assert.False(t, ok)
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := decodeSnapshot(json.RawMessage(`[{"channel":1,"power":1500},{"channel":2,"power":0}]`))
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, 1500.0, snap[0]["power"])

	_, err = decodeSnapshot(json.RawMessage(`{"channel":1}`))
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{float32(2), 2, true},
		{3, 3, true},
		{int64(4), 4, true},
		{json.Number("5.5"), 5.5, true},
		{json.Number("x"), 0, false},
		{"6", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := numeric(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, "%#v", tt.in)
	}
}
