package mqtt

import "fmt"

// TopicPrefix is the root of every Gray Logic topic. Bridge topics use the
// flat scheme graylogic/{category}/{protocol}/{address_or_id}.
const TopicPrefix = "graylogic"

// Topics provides builders for the bridge's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeState("refoss", "refossem06p-c4e7ae0a1b2c")
//	// "graylogic/state/refoss/refossem06p-c4e7ae0a1b2c"
type Topics struct{}

// BridgeState returns the topic for device state published by a bridge.
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, address)
}

// BridgeHealth returns the topic for bridge health status.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// BridgeDiscovery returns the topic a bridge announces new devices on.
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, protocol)
}

// BridgeRequest returns the topic for a request to a bridge.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeResponse returns the topic a bridge answers a request on.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, protocol, requestID)
}

// AllBridgeRequests returns the wildcard for every request to one bridge.
func (Topics) AllBridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, protocol)
}
