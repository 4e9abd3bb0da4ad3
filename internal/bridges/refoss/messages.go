package refoss

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/mqtt"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "refoss"

// StateMessage is sent from Bridge to Core after a polling cycle updates
// a meter's datapoints.
// Topic: graylogic/state/refoss/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the meter's device identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when the values were read (UTC).
	Timestamp time.Time `json:"timestamp"`

	// State maps "{channel}.{quantity}" to the normalised value, e.g.
	//   {"A1.Power": 230.5, "Total-A.Power": 412.0}
	State map[string]any `json:"state"`

	// Protocol is always "refoss".
	Protocol string `json:"protocol"`

	// Address is the meter's IP address.
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is running with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/refoss
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// DevicesManaged is the number of meters with a session.
	DevicesManaged int `json:"devices_managed"`

	// DevicesOnline is the number of meters the liveness probe reaches.
	DevicesOnline int `json:"devices_online"`

	Reason string `json:"reason,omitempty"`
}

// DiscoveryMessage announces a newly registered meter.
// Topic: graylogic/discovery/refoss
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice describes one meter in a DiscoveryMessage.
type DiscoveredDevice struct {
	DeviceID string `json:"device_id"`
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	UUID     string `json:"uuid"`
	Model    string `json:"model"`
	Channels int    `json:"channels"`
}

// Request actions understood by the bridge.
const (
	ActionDiscover = "discover"
	ActionPoll     = "poll"
	ActionList     = "list"
)

// RequestMessage is sent from Core to Bridge.
// Topic: graylogic/request/refoss/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of "discover", "poll" or "list".
	Action string `json:"action"`

	// DeviceID limits "poll" to one meter. Empty polls all.
	DeviceID string `json:"device_id,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/refoss/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for failed requests.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeUnknownDevice  = "UNKNOWN_DEVICE"
)

// NewStateMessage creates a state message for a meter.
func NewStateMessage(deviceID, address string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   address,
	}
}

// LWTPayload returns the encoded Last Will and Testament to register when
// connecting to the broker.
func LWTPayload(bridgeID string) ([]byte, error) {
	return json.Marshal(NewLWTMessage(bridgeID))
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// NewResponse creates a successful response.
func NewResponse(requestID string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(requestID, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

var topics = mqtt.Topics{}

// StateTopic returns the state topic of a meter.
// Example: graylogic/state/refoss/refossem06p-c4e7ae0a1b2c
func StateTopic(deviceID string) string {
	return topics.BridgeState(Protocol, deviceID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return topics.BridgeHealth(Protocol)
}

// DiscoveryTopic returns the topic new meters are announced on.
func DiscoveryTopic() string {
	return topics.BridgeDiscovery(Protocol)
}

// RequestSubscribeTopic returns the subscription pattern for requests.
func RequestSubscribeTopic() string {
	return topics.AllBridgeRequests(Protocol)
}

// ResponseTopic returns the topic a request is answered on.
func ResponseTopic(requestID string) string {
	return topics.BridgeResponse(Protocol, requestID)
}
