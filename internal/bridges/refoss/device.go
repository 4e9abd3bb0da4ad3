package refoss

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/gray-logic-refoss/internal/datapoint"
)

var (
	// unsafeChars matches characters not allowed in tags and ID segments.
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

	// uuidPattern is the 32-character hex identifier meters announce.
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Sanitize replaces every character outside [a-zA-Z0-9_-] with '_'.
func Sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// ValidUUID reports whether s is a 32-character hex meter UUID.
func ValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// Announcement is what a meter reports about itself over UDP. Extra holds
// every field of the datagram so it can be persisted and replayed.
type Announcement struct {
	DevName string
	UUID    string
	IP      string
	MAC     string
	Extra   map[string]any
}

// DeviceID returns the stable identifier of the announced meter:
// "refoss{model}-{mac}" with separators stripped from the MAC, or the UUID
// when no MAC was announced.
func (a Announcement) DeviceID() string {
	hw := strings.NewReplacer(":", "", "-", "").Replace(strings.ToLower(a.MAC))
	if hw == "" {
		hw = strings.ToLower(a.UUID)
	}
	return Sanitize(fmt.Sprintf("refoss%s-%s", a.DevName, hw))
}

// Native returns the announcement as object native data.
func (a Announcement) Native() datapoint.Native {
	native := make(datapoint.Native, len(a.Extra)+4)
	for k, v := range a.Extra {
		native[k] = v
	}
	native["devName"] = a.DevName
	native["uuid"] = a.UUID
	if a.IP != "" {
		native["ip"] = a.IP
	}
	if a.MAC != "" {
		native["mac"] = a.MAC
	}
	return native
}

// AnnouncementFromNative rebuilds an announcement persisted on a device
// object. It returns false when the native data lacks a model or UUID.
func AnnouncementFromNative(native datapoint.Native) (Announcement, bool) {
	str := func(key string) string {
		s, _ := native[key].(string)
		return s
	}
	a := Announcement{
		DevName: str("devName"),
		UUID:    str("uuid"),
		IP:      str("ip"),
		MAC:     str("mac"),
		Extra:   make(map[string]any, len(native)),
	}
	for k, v := range native {
		a.Extra[k] = v
	}
	if a.DevName == "" || a.UUID == "" {
		return Announcement{}, false
	}
	return a, true
}

// Datapoint is one channel × quantity state of a device.
type Datapoint struct {
	ID        string
	Channel   Channel
	Quantity  Quantity
	Namespace Namespace
}

// NamespaceGroup is the set of datapoints filled by one exchange.
type NamespaceGroup struct {
	Namespace  Namespace
	Datapoints []Datapoint
}

// BuildCatalog returns one datapoint per channel and quantity of m.
func BuildCatalog(deviceID string, m *DeviceModel) []Datapoint {
	out := make([]Datapoint, 0, len(m.Channels)*len(m.Quantities))
	for _, ch := range m.Channels {
		for _, q := range m.Quantities {
			out = append(out, Datapoint{
				ID:        fmt.Sprintf("%s.%s.%s", deviceID, ch.Label, q.StateKey),
				Channel:   ch,
				Quantity:  q,
				Namespace: NamespaceElectricity,
			})
		}
	}
	return out
}

// GroupByNamespace batches datapoints by the namespace that fills them,
// keeping first-seen order.
func GroupByNamespace(dps []Datapoint) []NamespaceGroup {
	var groups []NamespaceGroup
	index := make(map[string]int)
	for _, dp := range dps {
		key := dp.Namespace.Name + "|" + string(dp.Namespace.Payload) + "|" + dp.Namespace.AckKey
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, NamespaceGroup{Namespace: dp.Namespace})
		}
		groups[i].Datapoints = append(groups[i].Datapoints, dp)
	}
	return groups
}

// Object IDs of the per-device and adapter-wide states.
func onlineStateID(deviceID string) string   { return deviceID + ".online" }
func hostnameStateID(deviceID string) string { return deviceID + ".hostname" }

// ConnectionStateID reports whether any meter is reachable.
const ConnectionStateID = "info.connection"

func deviceObject(a Announcement, deviceID string, m *DeviceModel) datapoint.Object {
	return datapoint.Object{
		ID:     deviceID,
		Kind:   datapoint.KindDevice,
		Common: datapoint.Common{Name: fmt.Sprintf("Refoss %s %s", m.Tag, deviceID)},
		Native: a.Native(),
	}
}

func channelObject(deviceID, label string) datapoint.Object {
	return datapoint.Object{
		ID:     deviceID + "." + label,
		Kind:   datapoint.KindChannel,
		Common: datapoint.Common{Name: "Channel " + label},
	}
}

func quantityObject(id, name string, q Quantity) datapoint.Object {
	return datapoint.Object{
		ID:   id,
		Kind: datapoint.KindState,
		Common: datapoint.Common{
			Name: name,
			Type: datapoint.TypeNumber,
			Role: q.Role,
			Unit: q.Unit,
			Read: true,
		},
	}
}

func onlineObject(deviceID string) datapoint.Object {
	return datapoint.Object{
		ID:   onlineStateID(deviceID),
		Kind: datapoint.KindState,
		Common: datapoint.Common{
			Name: "Device online",
			Type: datapoint.TypeBoolean,
			Role: "indicator.reachable",
			Read: true,
			Def:  false,
		},
	}
}

func hostnameObject(deviceID string) datapoint.Object {
	return datapoint.Object{
		ID:   hostnameStateID(deviceID),
		Kind: datapoint.KindState,
		Common: datapoint.Common{
			Name: "Device IP address",
			Type: datapoint.TypeString,
			Role: "info.ip",
			Read: true,
		},
	}
}

func connectionObject() datapoint.Object {
	return datapoint.Object{
		ID:   ConnectionStateID,
		Kind: datapoint.KindState,
		Common: datapoint.Common{
			Name: "Any meter reachable",
			Type: datapoint.TypeBoolean,
			Role: "indicator.connected",
			Read: true,
			Def:  false,
		},
	}
}
