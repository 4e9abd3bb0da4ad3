package refoss

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
)

// DefaultPollInterval is the delay between polling cycles.
const DefaultPollInterval = 15 * time.Second

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ObjectStore is the datapoint tree the bridge writes to.
// *datapoint.Registry satisfies it.
type ObjectStore interface {
	UpsertObject(obj datapoint.Object, preserve []string, initial any)
	CommitBatch(ctx context.Context) error
	GetObject(ctx context.Context, id string) (*datapoint.Object, error)
	DeleteObject(ctx context.Context, id string) error
	SetValue(ctx context.Context, id string, value any, ack bool) error
}

// OnlineChecker reports the reachability flag of a device.
type OnlineChecker interface {
	IsOnline(deviceID string) bool
}

// StatePublisher publishes state messages to the bus.
type StatePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsWriter records numeric readings as time series.
type MetricsWriter interface {
	WriteMeterReading(deviceID, channel, quantity string, value float64, unit string)
}

// preserveKeys are the metadata fields a user may edit on an existing state.
var preserveKeys = []string{"name"}

// SessionState is the lifecycle state of a device session.
type SessionState int32

// Session states.
const (
	StateUninitialized SessionState = iota
	StateRegistering
	StatePolling
	StateSuspended
	StateTerminated
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRegistering:
		return "registering"
	case StatePolling:
		return "polling"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// SessionOptions holds configuration for creating a session.
type SessionOptions struct {
	// Announcement identifies the meter. DevName must be a supported model.
	Announcement Announcement

	Store     ObjectStore
	Telemetry TelemetryClient
	Liveness  OnlineChecker

	// Publisher is optional; state messages are skipped when nil.
	Publisher StatePublisher

	// Metrics is optional; readings are not recorded when nil.
	Metrics MetricsWriter

	Logger Logger

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// DeviceInfo is a point-in-time view of a session's device.
type DeviceInfo struct {
	ID       string
	UUID     string
	Model    string
	Address  string
	Online   bool
	LastSeen time.Time
	State    SessionState
}

// Session owns one meter: it registers the meter's datapoints and polls it
// on a fixed interval. Cycles of one session never overlap.
type Session struct {
	announcement Announcement
	deviceID     string
	model        *DeviceModel
	groups       []NamespaceGroup

	store     ObjectStore
	telemetry TelemetryClient
	liveness  OnlineChecker
	publisher StatePublisher
	metrics   MetricsWriter
	logger    Logger
	interval  time.Duration

	state      atomic.Int32
	registered atomic.Bool

	// cycleMu serialises PollOnce.
	cycleMu sync.Mutex

	// mu guards the fields below.
	mu          sync.RWMutex
	snapshot    Snapshot
	mergeGroups []MergeGroup
	lastSeen    time.Time

	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewSession creates a session for an announced meter.
// Call Start to register and begin polling.
func NewSession(opts SessionOptions) (*Session, error) {
	a := opts.Announcement
	model, ok := Resolve(a.DevName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, a.DevName)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Telemetry == nil {
		return nil, fmt.Errorf("telemetry client is required")
	}
	if opts.Liveness == nil {
		return nil, fmt.Errorf("liveness checker is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deviceID := a.DeviceID()
	s := &Session{
		announcement: a,
		deviceID:     deviceID,
		model:        model,
		groups:       GroupByNamespace(BuildCatalog(deviceID, model)),
		store:        opts.Store,
		telemetry:    opts.Telemetry,
		liveness:     opts.Liveness,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		logger:       logger,
		interval:     interval,
		trigger:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	return s, nil
}

// ID returns the device identifier.
func (s *Session) ID() string { return s.deviceID }

// UUID returns the meter's protocol UUID.
func (s *Session) UUID() string { return s.announcement.UUID }

// Model returns the meter's model descriptor.
func (s *Session) Model() *DeviceModel { return s.model }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	for {
		cur := s.state.Load()
		if SessionState(cur) == StateTerminated {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func (s *Session) terminated() bool {
	return s.State() == StateTerminated
}

// Device returns a snapshot of the device's runtime data.
func (s *Session) Device() DeviceInfo {
	s.mu.RLock()
	lastSeen := s.lastSeen
	s.mu.RUnlock()

	state := s.State()
	return DeviceInfo{
		ID:       s.deviceID,
		UUID:     s.announcement.UUID,
		Model:    s.model.Tag,
		Address:  s.announcement.IP,
		Online:   state != StateTerminated && s.liveness.IsOnline(s.deviceID),
		LastSeen: lastSeen,
		State:    state,
	}
}

// Snapshot returns the most recent electricity reply, or nil.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// MergeGroups returns the merge groups reported in the last cycle.
func (s *Session) MergeGroups() []MergeGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MergeGroup, len(s.mergeGroups))
	copy(out, s.mergeGroups)
	return out
}

// Register creates the device object, its channels and every datapoint of
// the model, then commits the batch. Safe to repeat.
func (s *Session) Register(ctx context.Context) error {
	if s.terminated() {
		return nil
	}
	s.setState(StateRegistering)

	s.store.UpsertObject(deviceObject(s.announcement, s.deviceID, s.model), preserveKeys, nil)
	s.store.UpsertObject(onlineObject(s.deviceID), preserveKeys, false)
	s.store.UpsertObject(hostnameObject(s.deviceID), preserveKeys, s.announcement.IP)
	for _, ch := range s.model.Channels {
		s.store.UpsertObject(channelObject(s.deviceID, ch.Label), preserveKeys, nil)
	}
	for _, g := range s.groups {
		for _, dp := range g.Datapoints {
			s.store.UpsertObject(quantityObject(dp.ID, dp.Quantity.Name, dp.Quantity), preserveKeys, nil)
		}
	}

	if err := s.store.CommitBatch(ctx); err != nil {
		return fmt.Errorf("registering %s: %w", s.deviceID, err)
	}
	if s.announcement.IP != "" {
		if err := s.store.SetValue(ctx, hostnameStateID(s.deviceID), s.announcement.IP, true); err != nil {
			s.logger.Warn("updating hostname failed", "device", s.deviceID, "error", err)
		}
	}

	s.registered.Store(true)
	s.logger.Info("refoss device registered",
		"device", s.deviceID,
		"model", s.model.Tag,
		"channels", s.model.ChannelCount(),
	)
	return nil
}

// Start registers the device and runs the polling loop until Stop or ctx
// cancellation. The first cycle runs immediately.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started || s.terminated() {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop terminates the session. A cycle in progress finishes its current
// exchange, and its results are discarded. Stop does not wait.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateTerminated))

		s.lifeMu.Lock()
		if s.started {
			s.cancel()
		} else {
			close(s.done)
		}
		s.lifeMu.Unlock()

		s.mu.Lock()
		s.snapshot = nil
		s.mergeGroups = nil
		s.mu.Unlock()

		s.logger.Debug("refoss session stopped", "device", s.deviceID)
	})
}

// Done is closed when the polling loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// TriggerPoll requests a cycle now instead of at the next interval.
// Requests made while one is pending are coalesced.
func (s *Session) TriggerPoll() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	if !s.registered.Load() {
		if err := s.Register(ctx); err != nil {
			s.logger.Error("refoss registration failed", "device", s.deviceID, "error", err)
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}

		s.PollOnce(ctx)
		if s.terminated() {
			return
		}
		timer.Reset(s.interval)
	}
}

// PollOnce runs one polling cycle: the merge configuration, each namespace
// group and finally the merge aggregates. It returns without any exchange
// when the device is unreachable or has no address.
func (s *Session) PollOnce(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if s.terminated() {
		return
	}
	if !s.registered.Load() {
		if err := s.Register(ctx); err != nil {
			s.logger.Warn("refoss registration retry failed", "device", s.deviceID, "error", err)
			return
		}
	}

	address := s.announcement.IP
	if address == "" || !s.liveness.IsOnline(s.deviceID) {
		if s.State() != StateSuspended {
			s.logger.Debug("refoss device suspended", "device", s.deviceID, "address", address)
		}
		s.setState(StateSuspended)
		return
	}
	s.setState(StatePolling)

	// Exchanges outlive shutdown; their results are dropped below.
	reqCtx := context.WithoutCancel(ctx)

	groups, mergeOK := s.fetchMergeGroups(reqCtx, address)
	if s.terminated() {
		return
	}
	if mergeOK {
		s.ensureMergeDatapoints(reqCtx, groups)
	}

	var electricity Snapshot
	for _, g := range s.groups {
		raw, err := s.telemetry.Request(reqCtx, address, s.announcement.UUID, g.Namespace)
		if s.terminated() {
			return
		}
		if err != nil {
			s.logger.Warn("refoss poll failed",
				"device", s.deviceID,
				"namespace", g.Namespace.Name,
				"error", err,
			)
			continue
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			s.logger.Warn("refoss reply rejected", "device", s.deviceID, "error", err)
			continue
		}

		if !s.storeSnapshot(snap) {
			return
		}

		if g.Namespace.Name == NamespaceElectricity.Name {
			electricity = snap
		}
		s.applyGroup(reqCtx, g, snap)
	}

	if mergeOK && electricity != nil {
		s.updateMergeAggregates(reqCtx, groups, electricity)
	}
}

// storeSnapshot keeps snap as the latest reply. It returns false, storing
// nothing, once the session is terminated; Stop sets the state before it
// clears the snapshot under mu.
func (s *Session) storeSnapshot(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated() {
		return false
	}
	s.snapshot = snap
	s.lastSeen = time.Now()
	return true
}

// applyGroup writes every datapoint of g that has a value in snap.
func (s *Session) applyGroup(ctx context.Context, g NamespaceGroup, snap Snapshot) {
	state := make(map[string]any, len(g.Datapoints))
	for _, dp := range g.Datapoints {
		v, ok := Compute(dp.Quantity, dp.Channel.Index, snap)
		if !ok {
			continue
		}
		if err := s.store.SetValue(ctx, dp.ID, v, true); err != nil {
			s.logger.Warn("refoss value write failed", "id", dp.ID, "error", err)
			continue
		}
		state[dp.Channel.Label+"."+dp.Quantity.StateKey] = v
		if s.metrics != nil {
			s.metrics.WriteMeterReading(s.deviceID, dp.Channel.Label, string(dp.Quantity.Key), v, dp.Quantity.Unit)
		}
	}
	s.publishState(state)
}

// publishState sends one retained state message for the device.
func (s *Session) publishState(state map[string]any) {
	if s.publisher == nil || len(state) == 0 || !s.publisher.IsConnected() {
		return
	}
	payload, err := json.Marshal(NewStateMessage(s.deviceID, s.announcement.IP, state))
	if err != nil {
		s.logger.Error("refoss state encode failed", "device", s.deviceID, "error", err)
		return
	}
	if err := s.publisher.Publish(StateTopic(s.deviceID), payload, 1, true); err != nil {
		s.logger.Warn("refoss state publish failed", "device", s.deviceID, "error", err)
	}
}
