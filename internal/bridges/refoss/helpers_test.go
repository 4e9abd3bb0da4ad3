package refoss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
	"github.com/nerrad567/gray-logic-refoss/internal/infrastructure/mqtt"
)

const testUUID = "2310166363058874000134298f1f41e8"

// memStore is an in-memory ObjectStore with the same contract as
// datapoint.Registry: upserts are queued until CommitBatch, a failed commit
// keeps the queue, and SetValue needs an existing state object.
type memStore struct {
	mu        sync.Mutex
	objects   map[string]datapoint.Object
	values    map[string]any
	pending   []pendingObject
	commits   int
	deleted   []string
	commitErr error
}

type pendingObject struct {
	obj      datapoint.Object
	preserve []string
	initial  any
}

func newMemStore() *memStore {
	return &memStore{
		objects: make(map[string]datapoint.Object),
		values:  make(map[string]any),
	}
}

func (m *memStore) UpsertObject(obj datapoint.Object, preserve []string, initial any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, pendingObject{obj: obj, preserve: preserve, initial: initial})
}

func (m *memStore) CommitBatch(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, p := range m.pending {
		existing, ok := m.objects[p.obj.ID]
		if ok {
			for _, key := range p.preserve {
				if key == "name" {
					p.obj.Common.Name = existing.Common.Name
				}
			}
		} else if p.initial != nil {
			m.values[p.obj.ID] = p.initial
		}
		m.objects[p.obj.ID] = p.obj
	}
	m.pending = nil
	m.commits++
	return nil
}

func (m *memStore) GetObject(_ context.Context, id string) (*datapoint.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, datapoint.ErrObjectNotFound
	}
	return &obj, nil
}

func (m *memStore) DeleteObject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	delete(m.values, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memStore) SetValue(_ context.Context, id string, value any, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return datapoint.ErrObjectNotFound
	}
	if obj.Kind != datapoint.KindState {
		return datapoint.ErrInvalidObject
	}
	m.values[id] = value
	return nil
}

func (m *memStore) ListObjects(kind datapoint.Kind) []datapoint.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datapoint.Object
	for _, obj := range m.objects {
		if kind == "" || obj.Kind == kind {
			out = append(out, obj)
		}
	}
	return out
}

// put stores an object directly, bypassing the batch.
func (m *memStore) put(obj datapoint.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj
}

func (m *memStore) value(id string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id]
	return v, ok
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id]
	return ok
}

func (m *memStore) countKind(prefix string, kind datapoint.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, obj := range m.objects {
		if obj.Kind == kind && strings.HasPrefix(id, prefix) {
			n++
		}
	}
	return n
}

// fakeTelemetry answers requests from canned replies per namespace.
type fakeTelemetry struct {
	mu      sync.Mutex
	replies map[string]json.RawMessage
	errs    map[string]error
	calls   []string
	onCall  func(ns Namespace)
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{
		replies: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeTelemetry) set(ns Namespace, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[ns.Name] = json.RawMessage(reply)
	delete(f.errs, ns.Name)
}

func (f *fakeTelemetry) fail(ns Namespace) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ns.Name] = fmt.Errorf("%w: connection refused", ErrTelemetryUnavailable)
}

func (f *fakeTelemetry) Request(_ context.Context, _, _ string, ns Namespace) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ns.Name)
	hook := f.onCall
	reply, ok := f.replies[ns.Name]
	err := f.errs[ns.Name]
	f.mu.Unlock()

	if hook != nil {
		hook(ns)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no reply", ErrTelemetryUnavailable)
	}
	return reply, nil
}

func (f *fakeTelemetry) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeTelemetry) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// staticLiveness reports a fixed online flag per device.
type staticLiveness struct {
	mu     sync.Mutex
	online map[string]bool
	all    bool
}

func (s *staticLiveness) IsOnline(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all || s.online[id]
}

func (s *staticLiveness) setAll(v bool) {
	s.mu.Lock()
	s.all = v
	s.mu.Unlock()
}

// mockMQTT records published messages.
type mockMQTT struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("not connected")
	}
	m.published = append(m.published, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) messages(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// recordingMetrics records meter readings.
type recordingMetrics struct {
	mu       sync.Mutex
	readings map[string]float64
}

func (r *recordingMetrics) WriteMeterReading(deviceID, channel, quantity string, value float64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readings == nil {
		r.readings = make(map[string]float64)
	}
	r.readings[deviceID+"/"+channel+"/"+quantity] = value
}

// fakeProber returns configured reachability per host.
type fakeProber struct {
	mu    sync.Mutex
	hosts map[string]bool
	calls int
}

func (p *fakeProber) Probe(_ context.Context, host string, _ int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.hosts[host]
}

func (p *fakeProber) set(host string, up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hosts == nil {
		p.hosts = make(map[string]bool)
	}
	p.hosts[host] = up
}

// electricityReply builds an ElectricityX ack array for n channels where
// channel i has power i*1000 mW and other fields scaled from it.
func electricityReply(n int, fill func(ch int) map[string]any) string {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = fill(i + 1)
	}
	data, _ := json.Marshal(records)
	return string(data)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func testAnnouncement(model string) Announcement {
	return Announcement{
		DevName: model,
		UUID:    testUUID,
		IP:      "192.168.1.20",
		MAC:     "c4:e7:ae:0a:1b:2c",
	}
}

func udpAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 9989}
}
