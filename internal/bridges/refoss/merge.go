package refoss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
)

// MergeGroup is a virtual channel the meter reports as the combination of
// several physical channels.
type MergeGroup struct {
	Name     string `json:"mergeName"`
	Channels []int  `json:"channels"`
}

// mergeGroupWire is the loosely typed form of a merge group reply element.
type mergeGroupWire struct {
	Name     string `json:"mergeName"`
	Channels []any  `json:"channels"`
}

// parseMergeGroups decodes a ChannelMerge ack array. Groups without a name
// are dropped, as are member channels the model does not have.
func parseMergeGroups(raw json.RawMessage, m *DeviceModel, logger Logger) ([]MergeGroup, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: decoding merge groups: %w", ErrTelemetryUnavailable, err)
	}

	groups := make([]MergeGroup, 0, len(elems))
	for _, elem := range elems {
		var w mergeGroupWire
		if err := json.Unmarshal(elem, &w); err != nil {
			logger.Warn("refoss merge group skipped", "error", err)
			continue
		}
		if w.Name == "" {
			logger.Warn("refoss merge group without name skipped", "channels", len(w.Channels))
			continue
		}

		g := MergeGroup{Name: w.Name, Channels: make([]int, 0, len(w.Channels))}
		for _, c := range w.Channels {
			f, ok := numeric(c)
			idx := int(f)
			if !ok || float64(idx) != f {
				logger.Debug("refoss merge channel ignored", "group", w.Name, "channel", c)
				continue
			}
			if _, ok := m.Channel(idx); !ok {
				logger.Debug("refoss merge channel out of range", "group", w.Name, "channel", idx)
				continue
			}
			g.Channels = append(g.Channels, idx)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// MergeChannelID returns the "{deviceID}.Total-{name}" path of a group.
func MergeChannelID(deviceID, groupName string) string {
	return deviceID + ".Total-" + Sanitize(groupName)
}

// fetchMergeGroups queries the merge configuration. The bool is false when
// the exchange failed and merge handling must be skipped this cycle.
func (s *Session) fetchMergeGroups(ctx context.Context, address string) ([]MergeGroup, bool) {
	raw, err := s.telemetry.Request(ctx, address, s.announcement.UUID, NamespaceChannelMerge)
	if err != nil {
		s.logger.Debug("refoss merge config unavailable", "device", s.deviceID, "error", err)
		return nil, false
	}
	groups, err := parseMergeGroups(raw, s.model, s.logger)
	if err != nil {
		s.logger.Warn("refoss merge config rejected", "device", s.deviceID, "error", err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated() {
		return nil, false
	}
	s.mergeGroups = groups
	return groups, true
}

// ensureMergeDatapoints creates missing aggregate states for each group.
// Existing states are left untouched. A state left at the group's bare
// "Total-{name}" path by older releases is deleted first.
func (s *Session) ensureMergeDatapoints(ctx context.Context, groups []MergeGroup) {
	quantities := s.model.MergeQuantities()
	queued := 0

	for _, g := range groups {
		base := MergeChannelID(s.deviceID, g.Name)

		if obj, err := s.store.GetObject(ctx, base); err == nil && obj.Kind == datapoint.KindState {
			if err := s.store.DeleteObject(ctx, base); err != nil {
				s.logger.Warn("refoss legacy merge state not removed", "id", base, "error", err)
			} else {
				s.logger.Info("refoss legacy merge state removed", "id", base)
			}
		}

		for _, q := range quantities {
			id := base + "." + q.StateKey
			_, err := s.store.GetObject(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, datapoint.ErrObjectNotFound) {
				s.logger.Warn("refoss merge datapoint lookup failed", "id", id, "error", err)
				continue
			}
			s.store.UpsertObject(quantityObject(id, g.Name+" "+q.Name, q), preserveKeys, 0.0)
			queued++
		}
	}

	if queued == 0 {
		return
	}
	if err := s.store.CommitBatch(ctx); err != nil {
		s.logger.Warn("refoss merge datapoints not created", "device", s.deviceID, "error", err)
		return
	}
	s.logger.Debug("refoss merge datapoints created", "device", s.deviceID, "count", queued)
}

// updateMergeAggregates writes the aggregate of every group from the
// electricity snapshot taken in the same cycle.
func (s *Session) updateMergeAggregates(ctx context.Context, groups []MergeGroup, snap Snapshot) {
	state := make(map[string]any)
	for _, g := range groups {
		base := MergeChannelID(s.deviceID, g.Name)
		label := "Total-" + Sanitize(g.Name)

		for _, q := range s.model.MergeQuantities() {
			id := base + "." + q.StateKey
			v := Aggregate(q, g.Channels, snap)
			if err := s.store.SetValue(ctx, id, v, true); err != nil {
				s.logger.Warn("refoss merge value write failed", "id", id, "error", err)
				continue
			}
			state[label+"."+q.StateKey] = v
			if s.metrics != nil {
				s.metrics.WriteMeterReading(s.deviceID, label, string(q.Key), v, q.Unit)
			}
		}
	}
	s.publishState(state)
}
