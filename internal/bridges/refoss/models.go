package refoss

import (
	"fmt"
	"slices"
	"strings"
)

// QuantityKey identifies a measurable field of a channel.
type QuantityKey string

// Quantity keys shared by all models.
const (
	QuantityCurrent             QuantityKey = "current"
	QuantityPower               QuantityKey = "power"
	QuantityPowerFactor         QuantityKey = "power-factor"
	QuantityVoltage             QuantityKey = "voltage"
	QuantityTodayEnergy         QuantityKey = "today-energy"
	QuantityTodayEnergyReturned QuantityKey = "today-energy-returned"
	QuantityWeekEnergy          QuantityKey = "week-energy"
	QuantityWeekEnergyReturned  QuantityKey = "week-energy-returned"
	QuantityMonthEnergy         QuantityKey = "month-energy"
	QuantityMonthEnergyReturned QuantityKey = "month-energy-returned"
)

// SignSplit selects how a signed energy counter is turned into a
// non-negative value.
type SignSplit int

const (
	// SplitNone uses the counter as reported.
	SplitNone SignSplit = iota

	// SplitImport keeps positive values and reports 0 for negative ones.
	SplitImport

	// SplitExport reports |value| for negative values and 0 otherwise.
	SplitExport
)

// Quantity describes one measurable field per channel.
type Quantity struct {
	Key QuantityKey

	// Name is the display name used for object metadata.
	Name string

	// StateKey is the last segment of the datapoint ID ("Power").
	StateKey string

	// Unit is empty for dimensionless quantities.
	Unit string

	// Role classifies the datapoint in the object store.
	Role string

	// Field is the key of the raw value in a telemetry record.
	Field string

	Split SignSplit
}

// Mergeable reports whether aggregate datapoints are created for the
// quantity in channel merge groups. Voltage and power factor are excluded.
func (q Quantity) Mergeable() bool {
	return q.Key != QuantityVoltage && q.Key != QuantityPowerFactor
}

// Channel is one physical measuring channel of a meter.
type Channel struct {
	// Label is the name printed on the meter ("A1", "B3").
	Label string

	// Index is the 1-based channel number used on the wire.
	Index int
}

// DeviceModel is the immutable descriptor of a supported meter model.
type DeviceModel struct {
	Tag         string
	Description string
	Channels    []Channel
	Quantities  []Quantity
}

// ChannelCount returns the number of physical channels.
func (m *DeviceModel) ChannelCount() int {
	return len(m.Channels)
}

// Channel returns the channel with the given 1-based index.
func (m *DeviceModel) Channel(index int) (Channel, bool) {
	for _, ch := range m.Channels {
		if ch.Index == index {
			return ch, true
		}
	}
	return Channel{}, false
}

// Quantity returns the quantity with the given key.
func (m *DeviceModel) Quantity(key QuantityKey) (Quantity, bool) {
	for _, q := range m.Quantities {
		if q.Key == key {
			return q, true
		}
	}
	return Quantity{}, false
}

// MergeQuantities returns the quantities that get merge-group aggregates.
func (m *DeviceModel) MergeQuantities() []Quantity {
	out := make([]Quantity, 0, len(m.Quantities))
	for _, q := range m.Quantities {
		if q.Mergeable() {
			out = append(out, q)
		}
	}
	return out
}

// Model tags recognised in discovery announcements.
const (
	ModelEM06  = "em06"
	ModelEM06P = "em06p"
	ModelEM16P = "em16p"
)

var (
	quantityCurrent = Quantity{
		Key: QuantityCurrent, Name: "Current", StateKey: "Current",
		Unit: "A", Role: "value.current", Field: "current",
	}
	quantityPower = Quantity{
		Key: QuantityPower, Name: "Power", StateKey: "Power",
		Unit: "W", Role: "value.power", Field: "power",
	}
	quantityPowerFactor = Quantity{
		Key: QuantityPowerFactor, Name: "Power factor", StateKey: "PowerFactor",
		Role: "value.power.factor", Field: "factor",
	}
	quantityVoltage = Quantity{
		Key: QuantityVoltage, Name: "Voltage", StateKey: "Voltage",
		Unit: "V", Role: "value.voltage", Field: "voltage",
	}
)

// energyQuantity builds a kWh counter quantity.
func energyQuantity(key QuantityKey, name, stateKey, field string, split SignSplit) Quantity {
	role := "value.energy.consumed"
	if strings.HasSuffix(string(key), "-returned") {
		role = "value.energy.produced"
	}
	return Quantity{
		Key: key, Name: name, StateKey: stateKey,
		Unit: "kWh", Role: role, Field: field, Split: split,
	}
}

// extendedQuantities is the quantity set of the meters with separate
// returned-energy counters. monthReturned names the month export field,
// which differs between models.
func extendedQuantities(monthReturned string) []Quantity {
	return []Quantity{
		quantityCurrent,
		quantityPower,
		quantityPowerFactor,
		quantityVoltage,
		energyQuantity(QuantityTodayEnergy, "Today energy", "TodayEnergy", "today", SplitNone),
		energyQuantity(QuantityTodayEnergyReturned, "Today energy returned", "TodayEnergyReturned", "todayX", SplitNone),
		energyQuantity(QuantityWeekEnergy, "Week energy", "WeekEnergy", "week", SplitNone),
		energyQuantity(QuantityWeekEnergyReturned, "Week energy returned", "WeekEnergyReturned", "weekX", SplitNone),
		energyQuantity(QuantityMonthEnergy, "This month energy", "ThisMonthEnergy", "mConsume", SplitNone),
		energyQuantity(QuantityMonthEnergyReturned, "This month energy returned", "ThisMonthEnergyReturned", monthReturned, SplitNone),
	}
}

// sixChannels is the A1,B1,C1,A2,B2,C2 layout of the six-channel meters.
func sixChannels() []Channel {
	return []Channel{
		{Label: "A1", Index: 1},
		{Label: "B1", Index: 2},
		{Label: "C1", Index: 3},
		{Label: "A2", Index: 4},
		{Label: "B2", Index: 5},
		{Label: "C2", Index: 6},
	}
}

// bankedChannels returns three banks (A, B, C) of six channels each.
func bankedChannels() []Channel {
	channels := make([]Channel, 0, 18)
	for bank, letter := range []string{"A", "B", "C"} {
		for n := 1; n <= 6; n++ {
			channels = append(channels, Channel{
				Label: fmt.Sprintf("%s%d", letter, n),
				Index: bank*6 + n,
			})
		}
	}
	return channels
}

var models = map[string]*DeviceModel{
	ModelEM06: {
		Tag:         ModelEM06,
		Description: "6-channel energy meter",
		Channels:    sixChannels(),
		Quantities: []Quantity{
			quantityCurrent,
			quantityPower,
			quantityPowerFactor,
			quantityVoltage,
			// One signed month counter; positive is import, negative export.
			energyQuantity(QuantityMonthEnergy, "This month energy", "ThisMonthEnergy", "mConsume", SplitImport),
			energyQuantity(QuantityMonthEnergyReturned, "This month energy returned", "ThisMonthEnergyReturned", "mConsume", SplitExport),
		},
	},
	ModelEM06P: {
		Tag:         ModelEM06P,
		Description: "6-channel energy meter with daily and weekly counters",
		Channels:    sixChannels(),
		Quantities:  extendedQuantities("mConsumeRe"),
	},
	ModelEM16P: {
		Tag:         ModelEM16P,
		Description: "18-channel energy meter with daily and weekly counters",
		Channels:    bankedChannels(),
		Quantities:  extendedQuantities("mConsumeX"),
	},
}

// Resolve returns the descriptor for a model tag. The returned model is
// shared and must not be modified.
func Resolve(tag string) (*DeviceModel, bool) {
	m, ok := models[tag]
	return m, ok
}

// IsSupported reports whether a model tag has a descriptor.
func IsSupported(tag string) bool {
	_, ok := models[tag]
	return ok
}

// SupportedModels returns the recognised model tags in sorted order.
func SupportedModels() []string {
	tags := make([]string, 0, len(models))
	for tag := range models {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
