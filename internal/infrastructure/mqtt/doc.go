// Package mqtt provides the MQTT client the Refoss bridge uses to talk to
// the Gray Logic message bus.
//
//	Refoss meters → bridge → MQTT broker → Gray Logic Core
//
// The client reconnects automatically with exponential backoff, restores
// subscriptions after a reconnect, and registers the bridge's Last Will so
// Core sees the bridge go offline if it crashes.
//
// Topics follow graylogic/{category}/{protocol}/{id}; use Topics to build
// them rather than formatting strings by hand.
//
// TLS (cfg.Broker.TLS) should be enabled wherever the broker is not on
// the same host.
package mqtt
