package zoneplayer

// TransportInfo mirrors the GetTransportInfo response.
type TransportInfo struct {
	State  string
	Status string
	Speed  string
}

// PositionInfo mirrors the GetPositionInfo response. Metadata is the
// normalized DIDL-Lite document, nil when the player reports none.
type PositionInfo struct {
	Track    int64
	Duration string
	URI      string
	RelTime  string
	AbsTime  string
	Metadata map[string]any
}

// MediaInfo mirrors the GetMediaInfo response.
type MediaInfo struct {
	NrTracks int64
	Duration string
	URI      string
	Metadata map[string]any
}

// ZoneAttributes mirrors the GetZoneAttributes response.
type ZoneAttributes struct {
	ZoneName      string
	Icon          string
	Configuration string
}

// Alarm is one entry of ListAlarms.
type Alarm struct {
	ID                 int64
	StartTime          string
	Duration           string
	Recurrence         string
	Enabled            bool
	RoomID             string
	ProgramURI         string
	ProgramMetadata    map[string]any
	PlayMode           string
	Volume             int64
	IncludeLinkedZones bool
}

// AlarmList mirrors the ListAlarms response.
type AlarmList struct {
	Version string
	Alarms  []Alarm
}

// BrowseResult mirrors the ContentDirectory Browse response.
type BrowseResult struct {
	Items          []map[string]any
	Containers     []map[string]any
	NumberReturned int64
	TotalMatches   int64
	UpdateID       int64
}
