package zoneplayer

import (
	"net/url"
	"sort"
	"strings"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

// Role is a player's position within its zone.
type Role string

const (
	RoleMaster    Role = "master"
	RoleSlave     Role = "slave"
	RoleSatellite Role = "satellite"
)

// channelLabels maps raw channel codes from channel map sets to display
// labels. Unknown codes are shown as-is.
var channelLabels = map[string]string{
	"LF,LF": "L",
	"RF,RF": "R",
	"LF,RF": "L+R",
	"SW":    "Sub",
	"SW,SW": "Sub",
	"LR":    "LS",
	"RR":    "RS",
}

// ChannelLabel returns the display label for a raw channel code.
func ChannelLabel(code string) string {
	if label, ok := channelLabels[code]; ok {
		return label
	}
	return code
}

// ParseChannelMapSet splits "id1:chan1;id2:chan2" into parallel id and
// channel label lists.
func ParseChannelMapSet(mapSet string) (ids []string, channels []string) {
	for _, entry := range strings.Split(mapSet, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, channel, _ := strings.Cut(entry, ":")
		ids = append(ids, id)
		channels = append(channels, ChannelLabel(channel))
	}
	return ids, channels
}

// ZonePlayerRecord is one player as seen in the zone group state. Related
// players are referenced by id and resolved through Topology.
type ZonePlayerRecord struct {
	ID          string
	Name        string
	Location    string
	Address     string
	BaseURL     string
	BootSeq     int64
	Invisible   bool
	GroupID     string
	Coordinator string

	// ZoneID is the id of the zone's master; a master's ZoneID is its own id.
	ZoneID       string
	Role         Role
	Channel      string
	StereoPair   bool
	HomeTheatre  bool
	SlaveIDs     []string
	SatelliteIDs []string
}

// ZoneGroup is a coordinator and its members in reported order.
type ZoneGroup struct {
	ID          string
	Coordinator string
	MemberIDs   []string
}

// Zone is a master with its resolved slaves and satellites.
type Zone struct {
	ID         string
	Name       string
	GroupID    string
	Master     ZonePlayerRecord
	Slaves     []ZonePlayerRecord
	Satellites []ZonePlayerRecord
}

// Topology is the derived zone model. It is rebuilt from scratch on every
// zone group state and never patched.
type Topology struct {
	records []ZonePlayerRecord
	index   map[string]int
	groups  []ZoneGroup
}

// ParseTopology builds a Topology from a normalized zone group state. Both
// a GetZoneGroupState response and a ZoneGroupTopology event body are
// accepted.
func ParseTopology(doc map[string]any) (*Topology, error) {
	state := zoneGroupStateOf(doc)
	if state == nil {
		return nil, &apperrors.ParseError{What: "zone group state"}
	}

	t := &Topology{index: make(map[string]int)}
	for _, g := range xmlnorm.List(state, "zoneGroups") {
		group, ok := g.(map[string]any)
		if !ok {
			continue
		}
		zg := ZoneGroup{
			ID:          xmlnorm.String(group, "id"),
			Coordinator: xmlnorm.String(group, "coordinator"),
		}
		for _, m := range xmlnorm.List(group, "zoneGroupMembers") {
			member, ok := m.(map[string]any)
			if !ok {
				continue
			}
			id := t.addMember(member, zg, "", "")
			if id != "" {
				zg.MemberIDs = append(zg.MemberIDs, id)
			}
		}
		t.groups = append(t.groups, zg)
	}
	return t, nil
}

func zoneGroupStateOf(doc map[string]any) map[string]any {
	if state := xmlnorm.Map(doc, "zoneGroupState"); state != nil {
		return state
	}
	if _, ok := doc["zoneGroups"]; ok {
		return doc
	}
	return nil
}

// addMember records member and, recursively, its satellites. Satellites
// inherit the parent's zone name.
func (t *Topology) addMember(member map[string]any, group ZoneGroup, inheritedName, parentID string) string {
	id := xmlnorm.String(member, "uuid")
	if id == "" {
		return ""
	}

	rec := ZonePlayerRecord{
		ID:          id,
		Name:        xmlnorm.String(member, "zoneName"),
		Location:    xmlnorm.String(member, "location"),
		Invisible:   xmlnorm.Bool(member, "invisible"),
		GroupID:     group.ID,
		Coordinator: group.Coordinator,
	}
	if inheritedName != "" {
		rec.Name = inheritedName
	}
	rec.BootSeq, _ = xmlnorm.Int(member, "bootSeq")
	if u, err := url.Parse(rec.Location); err == nil && u.Host != "" {
		rec.Address = u.Hostname()
		rec.BaseURL = u.Scheme + "://" + u.Host
	}

	resolveRole(&rec, xmlnorm.String(member, "channelMapSet"), xmlnorm.String(member, "htSatChanMapSet"))
	if parentID != "" && rec.Role == RoleMaster {
		rec.Role = RoleSatellite
		rec.ZoneID = parentID
	}
	t.put(rec)

	for _, s := range xmlnorm.List(member, "satellites") {
		if satellite, ok := s.(map[string]any); ok {
			t.addMember(satellite, group, rec.Name, id)
		}
	}
	return id
}

// resolveRole assigns role, zone and channel from the member's channel maps.
// The first id of a map is the zone master.
func resolveRole(rec *ZonePlayerRecord, channelMapSet, htSatChanMapSet string) {
	rec.Role = RoleMaster
	rec.ZoneID = rec.ID

	if htSatChanMapSet != "" {
		rec.HomeTheatre = true
		ids, channels := ParseChannelMapSet(htSatChanMapSet)
		switch pos := indexOf(ids, rec.ID); {
		case pos == 0:
			rec.SatelliteIDs = ids[1:]
			rec.Channel = channels[0]
		case pos > 0:
			rec.Role = RoleSatellite
			rec.ZoneID = ids[0]
			rec.Channel = channels[pos]
		}
	}

	if channelMapSet != "" && rec.Role == RoleMaster {
		rec.StereoPair = true
		ids, channels := ParseChannelMapSet(channelMapSet)
		switch pos := indexOf(ids, rec.ID); {
		case pos == 0:
			rec.SlaveIDs = ids[1:]
			rec.Channel = channels[0]
		case pos > 0:
			rec.Role = RoleSlave
			rec.ZoneID = ids[0]
			rec.Channel = channels[pos]
		}
	}
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

// put stores rec, replacing an earlier record with the same id.
func (t *Topology) put(rec ZonePlayerRecord) {
	if i, ok := t.index[rec.ID]; ok {
		t.records[i] = rec
		return
	}
	t.index[rec.ID] = len(t.records)
	t.records = append(t.records, rec)
}

// Record looks up a player by id.
func (t *Topology) Record(id string) (ZonePlayerRecord, bool) {
	if t == nil {
		return ZonePlayerRecord{}, false
	}
	i, ok := t.index[id]
	if !ok {
		return ZonePlayerRecord{}, false
	}
	return t.records[i], true
}

// Records returns every player sorted by name, then id.
func (t *Topology) Records() []ZonePlayerRecord {
	if t == nil {
		return nil
	}
	records := append([]ZonePlayerRecord(nil), t.records...)
	sortRecords(records)
	return records
}

// Groups returns the zone groups in reported order.
func (t *Topology) Groups() []ZoneGroup {
	if t == nil {
		return nil
	}
	return append([]ZoneGroup(nil), t.groups...)
}

// Zones unflattens the records into one entry per master with its slaves
// and satellites attached, sorted by zone name.
func (t *Topology) Zones() []Zone {
	if t == nil {
		return nil
	}

	byMaster := make(map[string]*Zone)
	var order []string
	for _, rec := range t.records {
		if rec.Role != RoleMaster {
			continue
		}
		byMaster[rec.ID] = &Zone{ID: rec.ID, Name: rec.Name, GroupID: rec.GroupID, Master: rec}
		order = append(order, rec.ID)
	}

	for _, rec := range t.records {
		zone, ok := byMaster[rec.ZoneID]
		if !ok {
			continue
		}
		switch rec.Role {
		case RoleSlave:
			zone.Slaves = append(zone.Slaves, rec)
		case RoleSatellite:
			zone.Satellites = append(zone.Satellites, rec)
		}
	}

	zones := make([]Zone, 0, len(order))
	for _, id := range order {
		zones = append(zones, *byMaster[id])
	}
	sort.SliceStable(zones, func(i, j int) bool {
		if zones[i].Name != zones[j].Name {
			return zones[i].Name < zones[j].Name
		}
		return zones[i].ID < zones[j].ID
	})
	return zones
}

func sortRecords(records []ZonePlayerRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
}
