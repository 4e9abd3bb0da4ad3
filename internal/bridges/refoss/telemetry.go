package refoss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Telemetry exchange constants.
const (
	// DefaultRequestTimeout bounds one HTTP exchange with a meter.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultTriggerSource is sent in triggerSrc when none is configured.
	DefaultTriggerSource = "GrayLogic"

	// maxReplyBytes caps the size of a telemetry reply.
	maxReplyBytes = 1 << 20
)

// Namespace is one request type of the meter's /config endpoint. Datapoints
// sharing a namespace are filled from a single exchange.
type Namespace struct {
	Name    string
	Payload json.RawMessage

	// AckKey is the key of the result array in the reply payload.
	AckKey string
}

// Namespaces used by the bridge.
var (
	// NamespaceElectricity returns readings for all channels (0xffff).
	NamespaceElectricity = Namespace{
		Name:    "Appliance.Control.ElectricityX",
		Payload: json.RawMessage(`{"electricity":[{"channel":65535}]}`),
		AckKey:  "electricity",
	}

	// NamespaceChannelMerge returns the meter's channel merge groups.
	NamespaceChannelMerge = Namespace{
		Name:    "Appliance.Control.ChannelMerge",
		Payload: json.RawMessage(`{"control":[{"channels":[]}]}`),
		AckKey:  "control",
	}
)

// TelemetryClient performs one request/response exchange with a meter.
type TelemetryClient interface {
	// Request returns the ack array of the reply for ns. Every failure is
	// reported as ErrTelemetryUnavailable.
	Request(ctx context.Context, address, deviceUUID string, ns Namespace) (json.RawMessage, error)
}

// requestHeader is the envelope header the meter firmware expects.
type requestHeader struct {
	From           string `json:"from"`
	MessageID      string `json:"messageId"`
	Method         string `json:"method"`
	Namespace      string `json:"namespace"`
	PayloadVersion int    `json:"payloadVersion"`
	Sign           string `json:"sign"`
	Timestamp      int64  `json:"timestamp"`
	TriggerSrc     string `json:"triggerSrc"`
	UUID           string `json:"uuid"`
}

type requestEnvelope struct {
	Header  requestHeader   `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type replyEnvelope struct {
	Payload map[string]json.RawMessage `json:"payload"`
}

// HTTPClient talks to meters over their local HTTP API.
type HTTPClient struct {
	client        *http.Client
	triggerSource string
	now           func() time.Time
}

// NewHTTPClient creates a telemetry client. Zero values select
// DefaultRequestTimeout and DefaultTriggerSource.
func NewHTTPClient(timeout time.Duration, triggerSource string) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if triggerSource == "" {
		triggerSource = DefaultTriggerSource
	}
	return &HTTPClient{
		client:        &http.Client{Timeout: timeout},
		triggerSource: triggerSource,
		now:           time.Now,
	}
}

// Request posts a GET envelope for ns to http://{address}/config.
func (c *HTTPClient) Request(ctx context.Context, address, deviceUUID string, ns Namespace) (json.RawMessage, error) {
	body, err := json.Marshal(c.envelope(deviceUUID, ns))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrTelemetryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/config", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTelemetryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTelemetryUnavailable, address, ns.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrTelemetryUnavailable, address, ns.Name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %w", ErrTelemetryUnavailable, err)
	}

	var reply replyEnvelope
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s %s: decoding reply: %w", ErrTelemetryUnavailable, address, ns.Name, err)
	}
	ack, ok := reply.Payload[ns.AckKey]
	if !ok || len(ack) == 0 || string(ack) == "null" {
		return nil, fmt.Errorf("%w: %s %s: reply has no %q", ErrTelemetryUnavailable, address, ns.Name, ns.AckKey)
	}
	return ack, nil
}

func (c *HTTPClient) envelope(deviceUUID string, ns Namespace) requestEnvelope {
	return requestEnvelope{
		Header: requestHeader{
			From:           "/graylogic/" + randomHex()[:16] + "/sub",
			MessageID:      randomHex(),
			Method:         "GET",
			Namespace:      ns.Name,
			PayloadVersion: 1,
			Sign:           randomHex(),
			Timestamp:      c.now().Unix(),
			TriggerSrc:     c.triggerSource,
			UUID:           deviceUUID,
		},
		Payload: ns.Payload,
	}
}

// randomHex returns 32 random lowercase hex characters.
func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
