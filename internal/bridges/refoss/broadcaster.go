package refoss

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Discovery defaults.
const (
	DefaultDiscoveryPort     = 9988
	DefaultListenPort        = 9989
	DefaultBroadcastAddress  = "255.255.255.255"
	DefaultBroadcastInterval = time.Hour
	DefaultBurstCount        = 3
	DefaultBurstStagger      = time.Second
)

// discoveryProbe asks every Refoss device on the segment to announce itself.
var discoveryProbe = []byte(`{"id":"48cbd88f969eb3c486085cfe7b5eb1e4","devName":"*"}`)

// BroadcasterOptions holds configuration for creating a Broadcaster.
type BroadcasterOptions struct {
	// ListenAddr is the local address the socket binds to.
	// Default: ":9988".
	ListenAddr string

	// Target is where probes are sent.
	// Default: 255.255.255.255:9988.
	Target string

	// Interval between bursts. Default: one hour.
	Interval time.Duration

	// BurstCount probes are sent per burst, Stagger apart. The first probe
	// is sent Stagger after the burst starts.
	BurstCount int
	Stagger    time.Duration

	Logger Logger
}

// Broadcaster periodically sends the discovery probe. It does not read
// replies; those arrive at the Listener.
type Broadcaster struct {
	opts   BroadcasterOptions
	target *net.UDPAddr
	logger Logger

	mu   sync.Mutex
	conn *net.UDPConn

	burst    chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBroadcaster creates a broadcaster. Call Start to bind and begin.
func NewBroadcaster(opts BroadcasterOptions) (*Broadcaster, error) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = fmt.Sprintf(":%d", DefaultDiscoveryPort)
	}
	if opts.Target == "" {
		opts.Target = fmt.Sprintf("%s:%d", DefaultBroadcastAddress, DefaultDiscoveryPort)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultBroadcastInterval
	}
	if opts.BurstCount <= 0 {
		opts.BurstCount = DefaultBurstCount
	}
	if opts.Stagger <= 0 {
		opts.Stagger = DefaultBurstStagger
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	target, err := net.ResolveUDPAddr("udp4", opts.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast target %q: %w", opts.Target, err)
	}

	return &Broadcaster{
		opts:   opts,
		target: target,
		logger: logger,
		burst:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start binds the socket and sends a burst now and then every interval.
func (b *Broadcaster) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp4", b.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", b.opts.ListenAddr, err)
	}
	// Go sets SO_BROADCAST on IPv4 UDP sockets.
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("binding discovery socket: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop(ctx)

	b.logger.Info("refoss discovery broadcaster started",
		"local", conn.LocalAddr().String(),
		"target", b.target.String(),
		"interval", b.opts.Interval,
	)
	return nil
}

// Stop cancels pending probes and closes the socket.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.mu.Unlock()
	})
}

// TriggerBurst schedules an extra burst.
func (b *Broadcaster) TriggerBurst() {
	select {
	case b.burst <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) loop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.runBurst(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.logger.Debug("sending refoss discovery burst")
			b.runBurst(ctx)
		case <-b.burst:
			b.runBurst(ctx)
		}
	}
}

// runBurst sends BurstCount probes, each Stagger after the previous.
func (b *Broadcaster) runBurst(ctx context.Context) {
	timer := time.NewTimer(b.opts.Stagger)
	defer timer.Stop()

	for i := 0; i < b.opts.BurstCount; i++ {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-timer.C:
		}
		if err := b.send(); err != nil {
			b.logger.Warn("refoss discovery probe failed", "target", b.target.String(), "error", err)
		} else {
			b.logger.Debug("refoss discovery probe sent", "target", b.target.String())
		}
		timer.Reset(b.opts.Stagger)
	}
}

func (b *Broadcaster) send() error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.WriteToUDP(discoveryProbe, b.target)
	return err
}
