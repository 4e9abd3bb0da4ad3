// Package refoss implements the Refoss energy meter bridge for Gray Logic.
//
// The bridge finds meters on the local network, keeps one polling session
// per meter and writes normalised readings into the datapoint tree.
//
// # Architecture
//
//	┌────────────┐  UDP 9988 probe   ┌──────────────┐
//	│ Broadcaster│──────────────────►│              │
//	└────────────┘                   │ Refoss meter │
//	┌────────────┐  UDP 9989 answer  │  (em06,      │
//	│  Listener  │◄──────────────────│  em06p,      │
//	└─────┬──────┘                   │  em16p)      │
//	      │ register                 │              │
//	┌─────▼──────┐  HTTP POST /config│              │
//	│  Session   │◄─────────────────►│              │
//	└─────┬──────┘                   └──────────────┘
//	      │ SetValue / Publish
//	┌─────▼──────────────────────────────┐
//	│ datapoint.Registry  MQTT  InfluxDB │
//	└────────────────────────────────────┘
//
// # Datapoints
//
// Every supported meter model has a fixed channel set and quantity set.
// A session creates one state per (channel, quantity) pair under
// "{deviceID}.{channel}.{quantity}", for example
// "refossem06p-c4e7ae0a1b2c.A1.Power". Channel merge groups configured
// on the meter get aggregate states under "{deviceID}.Total-{name}".
//
// # Liveness
//
// A Tracker probes each meter's HTTP port on a fixed interval. Sessions
// only poll meters the tracker reports reachable, and a meter coming back
// triggers an immediate poll.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package refoss
