package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeterMeasurement is the measurement every meter reading is written to.
const MeterMeasurement = "energy_meter"

// WriteMeterReading records one datapoint value of an energy meter.
// Channel is the channel label ("A1") or merge path ("Total-A"); quantity is
// the datapoint key ("Power", "ThisMonthEnergy").
//
//	client.WriteMeterReading("refossem06p-c4e7ae0a1b2c", "A1", "Power", 230.5, "W")
func (c *Client) WriteMeterReading(deviceID, channel, quantity string, value float64, unit string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(newMeterPoint(deviceID, channel, quantity, value, unit, time.Now()))
}

func newMeterPoint(deviceID, channel, quantity string, value float64, unit string, ts time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"channel":   channel,
		"quantity":  quantity,
	}
	if unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(MeterMeasurement, tags, map[string]any{"value": value}, ts)
}
