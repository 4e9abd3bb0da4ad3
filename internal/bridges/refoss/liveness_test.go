package refoss

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
)

func newTrackerFixture(t *testing.T) (*Tracker, *fakeProber, *memStore) {
	t.Helper()
	prober := &fakeProber{}
	store := newMemStore()
	store.put(connectionObject())
	for _, id := range []string{"dev1", "dev2"} {
		store.put(onlineObject(id))
	}
	tr := NewTracker(TrackerOptions{
		Prober:   prober,
		Store:    store,
		Interval: time.Hour,
	})
	return tr, prober, store
}

func TestTracker_ProbeAllSeedsOnlineSet(t *testing.T) {
	tr, prober, store := newTrackerFixture(t)
	prober.set("10.0.0.1", true)
	prober.set("10.0.0.2", false)

	var reconnects atomic.Int32
	tr.Add("dev1", "10.0.0.1", func() { reconnects.Add(1) })
	tr.Add("dev2", "10.0.0.2", func() { reconnects.Add(1) })

	tr.ProbeAll(context.Background())

	assert.True(t, tr.IsOnline("dev1"))
	assert.False(t, tr.IsOnline("dev2"))
	assert.False(t, tr.IsOnline("unknown"))
	assert.Equal(t, 1, tr.OnlineCount())
	assert.Equal(t, int32(0), reconnects.Load(), "first probe is not a reconnect")

	v, _ := store.value("dev1.online")
	assert.Equal(t, true, v)
	v, _ = store.value("dev2.online")
	assert.Equal(t, false, v)
	v, _ = store.value(ConnectionStateID)
	assert.Equal(t, true, v)
}

func TestTracker_ReconnectTriggersCallback(t *testing.T) {
	tr, prober, store := newTrackerFixture(t)
	ctx := context.Background()

	var reconnects atomic.Int32
	tr.Add("dev1", "10.0.0.1", func() { reconnects.Add(1) })

	prober.set("10.0.0.1", false)
	tr.ProbeAll(ctx)
	v, _ := store.value(ConnectionStateID)
	assert.Equal(t, false, v)

	prober.set("10.0.0.1", true)
	tr.ProbeAll(ctx)
	assert.Equal(t, int32(1), reconnects.Load())
	assert.True(t, tr.IsOnline("dev1"))
	v, _ = store.value(ConnectionStateID)
	assert.Equal(t, true, v)

	// Staying online is not a transition.
	tr.ProbeAll(ctx)
	assert.Equal(t, int32(1), reconnects.Load())

	prober.set("10.0.0.1", false)
	tr.ProbeAll(ctx)
	assert.False(t, tr.IsOnline("dev1"))
	v, _ = store.value("dev1.online")
	assert.Equal(t, false, v)
}

func TestTracker_ProbeDevice(t *testing.T) {
	tr, prober, _ := newTrackerFixture(t)
	prober.set("10.0.0.1", true)

	assert.False(t, tr.ProbeDevice(context.Background(), "dev1"), "untracked device")

	tr.Add("dev1", "10.0.0.1", nil)
	assert.True(t, tr.ProbeDevice(context.Background(), "dev1"))
	assert.True(t, tr.IsOnline("dev1"))
}

func TestTracker_EmptyHostIsOffline(t *testing.T) {
	tr, prober, _ := newTrackerFixture(t)
	tr.Add("dev1", "", nil)

	tr.ProbeAll(context.Background())
	assert.False(t, tr.IsOnline("dev1"))
	assert.Equal(t, 0, prober.calls)
}

func TestTracker_StartProbesPeriodically(t *testing.T) {
	prober := &fakeProber{}
	prober.set("10.0.0.1", true)
	tr := NewTracker(TrackerOptions{Prober: prober, Interval: 20 * time.Millisecond})
	tr.Add("dev1", "10.0.0.1", nil)

	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool { return tr.IsOnline("dev1") }, 2*time.Second, 10*time.Millisecond)
	tr.Stop()
	tr.Stop()
}

func TestTracker_Defaults(t *testing.T) {
	tr := NewTracker(TrackerOptions{})
	assert.Equal(t, DefaultLivenessPort, tr.port)
	assert.Equal(t, DefaultLivenessInterval, tr.interval)
	assert.IsType(t, TCPProber{}, tr.prober)
}

func TestTracker_StoreWriteFailureIsNotFatal(t *testing.T) {
	prober := &fakeProber{}
	prober.set("10.0.0.1", true)
	// No objects in the store, so every SetValue fails.
	tr := NewTracker(TrackerOptions{Prober: prober, Store: newMemStore()})
	tr.Add("dev1", "10.0.0.1", nil)

	tr.ProbeAll(context.Background())
	assert.True(t, tr.IsOnline("dev1"))
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	p := TCPProber{Timeout: time.Second}
	assert.True(t, p.Probe(context.Background(), "127.0.0.1", port))

	require.NoError(t, ln.Close())
	assert.False(t, p.Probe(context.Background(), "127.0.0.1", port))
}

func TestTCPProber_InvalidHost(t *testing.T) {
	p := TCPProber{Timeout: 100 * time.Millisecond}
	assert.False(t, p.Probe(context.Background(), "", 0))
	assert.False(t, p.Probe(context.Background(), "not a host", 80))
}

// Compile-time checks.
var (
	_ OnlineChecker = (*Tracker)(nil)
	_ ObjectStore   = (*datapoint.Registry)(nil)
	_ ObjectLister  = (*datapoint.Registry)(nil)
)
