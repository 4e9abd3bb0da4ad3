package refoss

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Liveness defaults.
const (
	DefaultLivenessInterval = 15 * time.Second
	DefaultLivenessPort     = 80
	DefaultProbeTimeout     = 3 * time.Second

	// maxConcurrentProbes bounds one probe round.
	maxConcurrentProbes = 16
)

// Prober checks whether a host accepts connections on a port.
type Prober interface {
	Probe(ctx context.Context, host string, port int) bool
}

// TCPProber probes with a plain TCP connect.
type TCPProber struct {
	Timeout time.Duration
}

// Probe reports whether a TCP connection to host:port succeeds.
func (p TCPProber) Probe(ctx context.Context, host string, port int) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// TrackerOptions holds configuration for creating a Tracker.
type TrackerOptions struct {
	Prober Prober

	// Store receives the per-device online states and info.connection.
	// Optional.
	Store ObjectStore

	Port     int
	Interval time.Duration
	Logger   Logger
}

type trackedDevice struct {
	host        string
	onReconnect func()
	online      bool
	probed      bool
}

// Tracker owns the online flag of every meter. It is the only writer of
// those flags; sessions read them through IsOnline.
type Tracker struct {
	prober   Prober
	store    ObjectStore
	port     int
	interval time.Duration
	logger   Logger

	mu          sync.RWMutex
	devices     map[string]*trackedDevice
	connected   bool
	connWritten bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTracker creates a liveness tracker. Call Start to begin probing.
func NewTracker(opts TrackerOptions) *Tracker {
	t := &Tracker{
		prober:   opts.Prober,
		store:    opts.Store,
		port:     opts.Port,
		interval: opts.Interval,
		logger:   opts.Logger,
		devices:  make(map[string]*trackedDevice),
		done:     make(chan struct{}),
	}
	if t.prober == nil {
		t.prober = TCPProber{}
	}
	if t.port <= 0 {
		t.port = DefaultLivenessPort
	}
	if t.interval <= 0 {
		t.interval = DefaultLivenessInterval
	}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	return t
}

// Add starts tracking a device. onReconnect, if set, is called whenever a
// probe finds the device reachable after it was unreachable. The first
// probe of a device never calls it. Adding a known device updates its host.
func (t *Tracker) Add(deviceID, host string, onReconnect func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.devices[deviceID]; ok {
		d.host = host
		d.onReconnect = onReconnect
		return
	}
	t.devices[deviceID] = &trackedDevice{host: host, onReconnect: onReconnect}
}

// IsOnline reports the last probe result for a device.
func (t *Tracker) IsOnline(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[deviceID]
	return ok && d.online
}

// OnlineCount returns the number of reachable devices.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, d := range t.devices {
		if d.online {
			n++
		}
	}
	return n
}

// Start runs a probe round every interval until Stop or ctx cancellation.
// Seed the flags with ProbeAll before starting sessions.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-ticker.C:
				t.ProbeAll(ctx)
			}
		}
	}()
}

// Stop halts periodic probing and waits for a round in progress.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

// ProbeAll probes every tracked device concurrently and applies the results.
func (t *Tracker) ProbeAll(ctx context.Context) {
	type target struct {
		id   string
		host string
	}

	t.mu.RLock()
	targets := make([]target, 0, len(t.devices))
	for id, d := range t.devices {
		targets = append(targets, target{id: id, host: d.host})
	}
	t.mu.RUnlock()

	results := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, tg := range targets {
		i, tg := i, tg
		g.Go(func() error {
			if tg.host != "" {
				results[i] = t.prober.Probe(gctx, tg.host, t.port)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, tg := range targets {
		t.apply(ctx, tg.id, results[i])
	}
	t.updateConnection(ctx)
}

// ProbeDevice probes one device immediately, as done when it registers.
func (t *Tracker) ProbeDevice(ctx context.Context, deviceID string) bool {
	t.mu.RLock()
	d, ok := t.devices[deviceID]
	var host string
	if ok {
		host = d.host
	}
	t.mu.RUnlock()
	if !ok {
		return false
	}

	online := host != "" && t.prober.Probe(ctx, host, t.port)
	t.apply(ctx, deviceID, online)
	t.updateConnection(ctx)
	return online
}

// apply records a probe result, writes the online state when it changed
// and fires the reconnect callback on an offline to online transition.
func (t *Tracker) apply(ctx context.Context, deviceID string, online bool) {
	t.mu.Lock()
	d, ok := t.devices[deviceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	first := !d.probed
	changed := first || d.online != online
	reconnected := !first && !d.online && online
	d.online = online
	d.probed = true
	callback := d.onReconnect
	t.mu.Unlock()

	if !changed {
		return
	}

	if online {
		t.logger.Info("refoss device reachable", "device", deviceID)
	} else {
		t.logger.Warn("refoss device unreachable", "device", deviceID)
	}

	if t.store != nil {
		if err := t.store.SetValue(ctx, onlineStateID(deviceID), online, true); err != nil {
			t.logger.Debug("refoss online state not written", "device", deviceID, "error", err)
		}
	}
	if reconnected && callback != nil {
		callback()
	}
}

// updateConnection writes info.connection when its value changed.
func (t *Tracker) updateConnection(ctx context.Context) {
	connected := t.OnlineCount() > 0

	t.mu.Lock()
	if t.connWritten && t.connected == connected {
		t.mu.Unlock()
		return
	}
	t.connected = connected
	t.connWritten = true
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	if err := t.store.SetValue(ctx, ConnectionStateID, connected, true); err != nil {
		t.logger.Warn("refoss connection state not written", "error", err)
	}
}
