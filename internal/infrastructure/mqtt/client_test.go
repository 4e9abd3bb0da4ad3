package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-refoss-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// newUnconnectedClient builds a Client around a paho client that never
// connected, for exercising validation paths without a broker.
func newUnconnectedClient() *Client {
	return &Client{
		client:        pahomqtt.NewClient(buildClientOptions(testConfig())),
		cfg:           testConfig(),
		subscriptions: make(map[string]subscription),
	}
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		tls        bool
		wantScheme string
	}{
		{"plain", false, "tcp"},
		{"tls", true, "ssl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Broker.TLS = tt.tls
			cfg.Auth.Username = "bridge"
			cfg.Auth.Password = "secret"

			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 || opts.Servers[0].Scheme != tt.wantScheme {
				t.Fatalf("Servers = %v, want scheme %s", opts.Servers, tt.wantScheme)
			}
			if opts.Servers[0].Host != "127.0.0.1:1883" {
				t.Errorf("host = %s", opts.Servers[0].Host)
			}
			if opts.ClientID != "graylogic-refoss-test" {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
			if opts.Username != "bridge" || opts.Password != "secret" {
				t.Error("credentials not applied")
			}
			if !opts.AutoReconnect || !opts.CleanSession {
				t.Error("expected auto-reconnect and clean session")
			}
			if tt.tls && opts.TLSConfig == nil {
				t.Error("TLS config missing")
			}
		})
	}
}

func TestPublishValidation(t *testing.T) {
	c := newUnconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("{}"), 1, ErrInvalidTopic},
		{"invalid qos", "graylogic/state/refoss/x", []byte("{}"), 3, ErrInvalidQoS},
		{"oversized payload", "graylogic/state/refoss/x", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "graylogic/state/refoss/x", []byte("{}"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, true)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newUnconnectedClient()
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("a/b", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("failed subscriptions were tracked")
	}
}

func TestHealthCheck(t *testing.T) {
	c := newUnconnectedClient()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
	if c.IsConnected() {
		t.Error("zero client reports connected")
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	c := newUnconnectedClient()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "t", nil)

	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors = %v", logger.errors)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v", logger.warns)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", topics.BridgeState("refoss", "refossem06p-c4e7ae0a1b2c"), "graylogic/state/refoss/refossem06p-c4e7ae0a1b2c"},
		{"health", topics.BridgeHealth("refoss"), "graylogic/health/refoss"},
		{"discovery", topics.BridgeDiscovery("refoss"), "graylogic/discovery/refoss"},
		{"request", topics.BridgeRequest("refoss", "req-1"), "graylogic/request/refoss/req-1"},
		{"response", topics.BridgeResponse("refoss", "req-1"), "graylogic/response/refoss/req-1"},
		{"all requests", topics.AllBridgeRequests("refoss"), "graylogic/request/refoss/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
