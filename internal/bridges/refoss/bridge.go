package refoss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/mqtt"
)

// DefaultBridgeID identifies the bridge in health and discovery messages.
const DefaultBridgeID = "refoss"

// sessionStopTimeout bounds how long Stop waits for in-flight polls.
var sessionStopTimeout = 5 * time.Second

// MQTTClient is the subset of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// ObjectLister lists persisted objects. *datapoint.Registry satisfies it.
type ObjectLister interface {
	ListObjects(kind datapoint.Kind) []datapoint.Object
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the refoss section of the loaded configuration.
	Config config.RefossConfig

	// BridgeID defaults to DefaultBridgeID.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Store is the datapoint tree. Required.
	Store ObjectStore

	// Objects lists known devices for restore at startup. Optional.
	Objects ObjectLister

	// MQTT is optional. Without it no bus messages are sent.
	MQTT MQTTClient

	// Metrics is optional. Without it no history is written.
	Metrics MetricsWriter

	// Telemetry defaults to an HTTPClient built from Config.
	Telemetry TelemetryClient

	// Prober defaults to a TCPProber built from Config.
	Prober Prober

	Logger Logger
}

// Bridge discovers Refoss meters and runs one session per meter.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       config.RefossConfig
	bridgeID  string
	store     ObjectStore
	objects   ObjectLister
	mqtt      MQTTClient
	metrics   MetricsWriter
	telemetry TelemetryClient
	logger    Logger

	tracker     *Tracker
	health      *HealthReporter
	broadcaster *Broadcaster
	listener    *Listener

	// sessions is keyed by meter UUID.
	mu       sync.RWMutex
	sessions map[string]*Session
	ctx      context.Context
	started  bool

	stopOnce sync.Once
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}

	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = DefaultBridgeID
	}

	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = NewHTTPClient(cfg.GetRequestTimeout(), cfg.TriggerSource)
	}
	prober := opts.Prober
	if prober == nil {
		prober = TCPProber{Timeout: cfg.GetLivenessTimeout()}
	}

	b := &Bridge{
		cfg:       cfg,
		bridgeID:  bridgeID,
		store:     opts.Store,
		objects:   opts.Objects,
		mqtt:      opts.MQTT,
		metrics:   opts.Metrics,
		telemetry: telemetry,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}

	b.tracker = NewTracker(TrackerOptions{
		Prober:   prober,
		Store:    opts.Store,
		Port:     cfg.LivenessPort,
		Interval: cfg.GetLivenessInterval(),
		Logger:   logger,
	})

	var publisher StatePublisher
	if opts.MQTT != nil {
		publisher = opts.MQTT
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  cfg.GetHealthInterval(),
		Publisher: publisher,
		Counter:   b,
	})
	b.health.SetLogger(logger)

	var err error
	b.broadcaster, err = NewBroadcaster(BroadcasterOptions{
		ListenAddr: fmt.Sprintf(":%d", cfg.DiscoveryPort),
		Target:     fmt.Sprintf("%s:%d", cfg.BroadcastAddress, cfg.DiscoveryPort),
		Interval:   cfg.GetBroadcastInterval(),
		BurstCount: cfg.BurstCount,
		Stagger:    cfg.GetBurstStagger(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	b.listener, err = NewListener(ListenerOptions{
		ListenAddr: fmt.Sprintf(":%d", cfg.ListenPort),
		Registrar:  b,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return b, nil
}

// Start restores known meters, seeds their liveness and starts discovery.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	b.store.UpsertObject(connectionObject(), preserveKeys, false)
	if err := b.store.CommitBatch(ctx); err != nil {
		return fmt.Errorf("creating connection state: %w", err)
	}

	b.restoreDevices(ctx)
	b.tracker.ProbeAll(ctx)

	b.mu.Lock()
	b.ctx = ctx
	b.started = true
	for _, s := range b.sessions {
		s.Start(ctx)
	}
	count := len(b.sessions)
	b.mu.Unlock()

	b.tracker.Start(ctx)

	if err := b.listener.Start(ctx); err != nil {
		return err
	}
	if err := b.broadcaster.Start(ctx); err != nil {
		b.listener.Stop()
		return err
	}

	if b.mqtt != nil {
		if err := b.mqtt.Subscribe(RequestSubscribeTopic(), 1, b.handleRequest); err != nil {
			b.logger.Warn("request subscription failed", "topic", RequestSubscribeTopic(), "error", err)
		}
	}
	b.health.Start(ctx)

	b.logger.Info("refoss bridge started",
		"devices", count,
		"online", b.tracker.OnlineCount(),
		"models", strings.Join(SupportedModels(), ","),
	)
	return nil
}

// Stop shuts down discovery, liveness and every session. It waits up to
// sessionStopTimeout for sessions to finish their current exchange.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.broadcaster.Stop()
		b.listener.Stop()
		b.tracker.Stop()

		b.mu.Lock()
		sessions := make([]*Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			s.Stop()
			sessions = append(sessions, s)
		}
		b.started = false
		b.mu.Unlock()

		b.waitSessions(sessions, sessionStopTimeout)

		b.health.Stop()
		b.logger.Info("refoss bridge stopped")
	})
}

// waitSessions blocks until every session's polling loop has exited or
// timeout elapses, whichever comes first.
func (b *Bridge) waitSessions(sessions []*Session, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-timer.C:
			b.logger.Warn("refoss sessions still polling after stop", "timeout", timeout)
			return
		}
	}
}

// restoreDevices creates sessions for meters persisted by earlier runs.
func (b *Bridge) restoreDevices(ctx context.Context) {
	if b.objects == nil {
		return
	}
	for _, obj := range b.objects.ListObjects(datapoint.KindDevice) {
		a, ok := AnnouncementFromNative(obj.Native)
		if !ok {
			b.logger.Warn("refoss device object without announcement", "id", obj.ID)
			continue
		}
		if _, err := b.addDevice(ctx, a); err != nil && !errors.Is(err, ErrAlreadyRegistered) {
			b.logger.Warn("refoss device not restored", "id", obj.ID, "error", err)
			continue
		}
		b.logger.Debug("refoss known device restored", "id", obj.ID, "address", a.IP)
	}
}

// RegisterDevice creates a session for a newly announced meter, probes it
// and starts polling.
func (b *Bridge) RegisterDevice(ctx context.Context, a Announcement) error {
	s, err := b.addDevice(ctx, a)
	if err != nil {
		return err
	}

	b.mu.RLock()
	started, runCtx := b.started, b.ctx
	b.mu.RUnlock()

	if started {
		b.tracker.ProbeDevice(ctx, s.ID())
		s.Start(runCtx)
	}
	b.publishDiscovery(s)
	return nil
}

// addDevice reserves the UUID, creates the session and registers its
// datapoints. The session is not started.
func (b *Bridge) addDevice(ctx context.Context, a Announcement) (*Session, error) {
	if !IsSupported(a.DevName) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, a.DevName)
	}

	var publisher StatePublisher
	if b.mqtt != nil {
		publisher = b.mqtt
	}
	s, err := NewSession(SessionOptions{
		Announcement: a,
		Store:        b.store,
		Telemetry:    b.telemetry,
		Liveness:     b.tracker,
		Publisher:    publisher,
		Metrics:      b.metrics,
		Logger:       b.logger,
		PollInterval: b.cfg.GetPollInterval(),
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if _, exists := b.sessions[a.UUID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.UUID)
	}
	b.sessions[a.UUID] = s
	b.mu.Unlock()

	if err := s.Register(ctx); err != nil {
		// The session retries at the start of its next cycle.
		b.logger.Error("refoss registration failed", "device", s.ID(), "error", err)
	}
	b.tracker.Add(s.ID(), a.IP, s.TriggerPoll)
	return s, nil
}

// DeviceCount returns the number of sessions.
func (b *Bridge) DeviceCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// OnlineCount returns the number of reachable meters.
func (b *Bridge) OnlineCount() int {
	return b.tracker.OnlineCount()
}

// Devices returns the runtime view of every session, sorted by ID.
func (b *Bridge) Devices() []DeviceInfo {
	b.mu.RLock()
	out := make([]DeviceInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Device())
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(x, y DeviceInfo) int { return strings.Compare(x.ID, y.ID) })
	return out
}

// Session returns the session of a device ID.
func (b *Bridge) Session(deviceID string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.ID() == deviceID {
			return s, true
		}
	}
	return nil, false
}

// Discover sends an extra discovery burst.
func (b *Bridge) Discover() {
	b.broadcaster.TriggerBurst()
}

// Poll triggers an immediate cycle for one device, or all when deviceID is
// empty. It returns the number of sessions triggered.
func (b *Bridge) Poll(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.sessions {
		if deviceID == "" || s.ID() == deviceID {
			s.TriggerPoll()
			n++
		}
	}
	return n
}

func (b *Bridge) publishDiscovery(s *Session) {
	if b.mqtt == nil || !b.mqtt.IsConnected() {
		return
	}
	info := s.Device()
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.bridgeID,
		Devices: []DiscoveredDevice{{
			DeviceID: info.ID,
			Protocol: Protocol,
			Address:  info.Address,
			UUID:     info.UUID,
			Model:    info.Model,
			Channels: s.Model().ChannelCount(),
		}},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("discovery encode failed", "error", err)
		return
	}
	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.logger.Warn("discovery publish failed", "device", info.ID, "error", err)
	}
}

// handleRequest answers a request from Core.
func (b *Bridge) handleRequest(topic string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding request on %s: %w", topic, err)
	}
	if req.RequestID == "" {
		req.RequestID = topic[strings.LastIndex(topic, "/")+1:]
	}

	var resp ResponseMessage
	switch req.Action {
	case ActionDiscover:
		b.Discover()
		resp = NewResponse(req.RequestID, nil)
	case ActionPoll:
		n := b.Poll(req.DeviceID)
		if req.DeviceID != "" && n == 0 {
			resp = NewErrorResponse(req.RequestID, ErrCodeUnknownDevice, "no session for "+req.DeviceID)
			break
		}
		resp = NewResponse(req.RequestID, map[string]any{"triggered": n})
	case ActionList:
		devices := b.Devices()
		list := make([]map[string]any, 0, len(devices))
		for _, d := range devices {
			list = append(list, map[string]any{
				"device_id": d.ID,
				"uuid":      d.UUID,
				"model":     d.Model,
				"address":   d.Address,
				"online":    d.Online,
				"state":     d.State.String(),
			})
		}
		resp = NewResponse(req.RequestID, map[string]any{"devices": list})
	default:
		resp = NewErrorResponse(req.RequestID, ErrCodeUnknownAction, "unknown action "+req.Action)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return b.mqtt.Publish(ResponseTopic(req.RequestID), out, 1, false)
}
