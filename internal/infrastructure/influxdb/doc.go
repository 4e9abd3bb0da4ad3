// Package influxdb writes meter reading history to InfluxDB v2.
//
// Every numeric datapoint the Refoss bridge updates is written as one point
// of the energy_meter measurement, tagged by device, channel and quantity.
// Writes are batched and non-blocking, so a slow or unreachable InfluxDB
// never delays a polling cycle.
//
//	influxdb:
//	  enabled: true
//	  url: "http://localhost:8086"
//	  org: "graylogic"
//	  bucket: "energy"
//
// The token should come from GRAYLOGIC_INFLUXDB_TOKEN.
package influxdb
