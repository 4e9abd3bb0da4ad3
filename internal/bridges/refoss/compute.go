package refoss

import (
	"encoding/json"
	"fmt"
	"math"
)

// Record is the raw field set of one channel in a telemetry reply.
type Record map[string]any

// Snapshot is one electricity reply. Element i holds physical channel i+1.
// A snapshot lives for one polling cycle and is never merged with another.
type Snapshot []Record

// Channel returns the record for a 1-based channel index.
func (s Snapshot) Channel(index int) (Record, bool) {
	if index < 1 || index > len(s) {
		return nil, false
	}
	rec := s[index-1]
	return rec, rec != nil
}

// decodeSnapshot parses the ack array of an electricity reply.
func decodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding electricity: %w", ErrTelemetryUnavailable, err)
	}
	return snap, nil
}

// Normalize converts a raw milli-unit reading to engineering units,
// rounded to two decimals.
func Normalize(raw float64) float64 {
	return math.Round(raw/1000*100) / 100
}

// Compute returns the value of quantity q for a channel, or false when the
// snapshot has no numeric reading for it. Power factor is returned raw;
// every other quantity is normalised and then sign-split if configured.
func Compute(q Quantity, channel int, snap Snapshot) (float64, bool) {
	rec, ok := snap.Channel(channel)
	if !ok {
		return 0, false
	}
	raw, ok := numeric(rec[q.Field])
	if !ok {
		return 0, false
	}

	if q.Key == QuantityPowerFactor {
		return raw, true
	}

	v := Normalize(raw)
	switch q.Split {
	case SplitImport:
		if v < 0 {
			return 0, true
		}
	case SplitExport:
		if v < 0 {
			return -v, true
		}
		return 0, true
	}
	return v, true
}

// Aggregate combines quantity q across member channels of a merge group.
// Power factor is the mean of raw readings; everything else is the sum of
// computed values. Channels without a reading are skipped, and a group with
// no contributing channel yields 0.
//
// Merge datapoints are never created for power factor, so that branch is
// only reached by direct callers.
func Aggregate(q Quantity, channels []int, snap Snapshot) float64 {
	if q.Key == QuantityPowerFactor {
		var sum float64
		var n int
		for _, ch := range channels {
			rec, ok := snap.Channel(ch)
			if !ok {
				continue
			}
			if v, ok := numeric(rec[q.Field]); ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}

	var sum float64
	for _, ch := range channels {
		if v, ok := Compute(q, ch, snap); ok {
			sum += v
		}
	}
	// Keep the two-decimal form of the members.
	return math.Round(sum*100) / 100
}

// numeric extracts a finite float from a decoded JSON value.
func numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
