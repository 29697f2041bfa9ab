package zoneplayer

import (
	"context"
	"fmt"

	"github.com/strefethen/sonos-zp-go/internal/sonos/soap"
	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

var instance = soap.A("InstanceID", 0)

func (c *Client) avTransport(ctx context.Context, action string, args ...soap.Arg) (map[string]any, error) {
	return c.Post(ctx, soap.DeviceMediaRenderer, soap.ServiceAVTransport, action, append([]soap.Arg{instance}, args...)...)
}

func (c *Client) rendering(ctx context.Context, action string, args ...soap.Arg) (map[string]any, error) {
	return c.Post(ctx, soap.DeviceMediaRenderer, soap.ServiceRenderingControl, action, append([]soap.Arg{instance}, args...)...)
}

func (c *Client) groupRendering(ctx context.Context, action string, args ...soap.Arg) (map[string]any, error) {
	return c.Post(ctx, soap.DeviceMediaRenderer, soap.ServiceGroupRenderingControl, action, append([]soap.Arg{instance}, args...)...)
}

// Transport Actions

func (c *Client) Play(ctx context.Context) error {
	_, err := c.avTransport(ctx, "Play", soap.A("Speed", 1))
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.avTransport(ctx, "Pause")
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.avTransport(ctx, "Stop")
	return err
}

func (c *Client) Next(ctx context.Context) error {
	_, err := c.avTransport(ctx, "Next")
	return err
}

func (c *Client) Previous(ctx context.Context) error {
	_, err := c.avTransport(ctx, "Previous")
	return err
}

// Seek moves within the current track or queue. unit is REL_TIME,
// TRACK_NR and the like.
func (c *Client) Seek(ctx context.Context, unit, target string) error {
	_, err := c.avTransport(ctx, "Seek", soap.A("Unit", unit), soap.A("Target", target))
	return err
}

func (c *Client) GetTransportInfo(ctx context.Context) (TransportInfo, error) {
	result, err := c.avTransport(ctx, "GetTransportInfo")
	if err != nil {
		return TransportInfo{}, err
	}
	return TransportInfo{
		State:  xmlnorm.String(result, "currentTransportState"),
		Status: xmlnorm.String(result, "currentTransportStatus"),
		Speed:  xmlnorm.String(result, "currentSpeed"),
	}, nil
}

func (c *Client) GetPositionInfo(ctx context.Context) (PositionInfo, error) {
	result, err := c.avTransport(ctx, "GetPositionInfo")
	if err != nil {
		return PositionInfo{}, err
	}
	track, _ := xmlnorm.Int(result, "track")
	return PositionInfo{
		Track:    track,
		Duration: xmlnorm.String(result, "trackDuration"),
		URI:      xmlnorm.String(result, "trackUri"),
		RelTime:  xmlnorm.String(result, "relTime"),
		AbsTime:  xmlnorm.String(result, "absTime"),
		Metadata: xmlnorm.Map(result, "trackMetaData"),
	}, nil
}

func (c *Client) GetMediaInfo(ctx context.Context) (MediaInfo, error) {
	result, err := c.avTransport(ctx, "GetMediaInfo")
	if err != nil {
		return MediaInfo{}, err
	}
	tracks, _ := xmlnorm.Int(result, "nrTracks")
	return MediaInfo{
		NrTracks: tracks,
		Duration: xmlnorm.String(result, "mediaDuration"),
		URI:      xmlnorm.String(result, "currentUri"),
		Metadata: xmlnorm.Map(result, "currentUriMetaData"),
	}, nil
}

func (c *Client) SetAVTransportURI(ctx context.Context, uri, metadata string) error {
	_, err := c.avTransport(ctx, "SetAVTransportURI", soap.A("CurrentURI", uri), soap.A("CurrentURIMetaData", metadata))
	return err
}

func (c *Client) BecomeCoordinatorOfStandaloneGroup(ctx context.Context) error {
	_, err := c.avTransport(ctx, "BecomeCoordinatorOfStandaloneGroup")
	return err
}

// JoinGroup makes this player a member of the group led by coordinatorID.
func (c *Client) JoinGroup(ctx context.Context, coordinatorID string) error {
	return c.SetAVTransportURI(ctx, "x-rincon:"+coordinatorID, "")
}

// PlayAudioIn plays the line-in of sourceID, which may be this player.
func (c *Client) PlayAudioIn(ctx context.Context, sourceID string) error {
	if err := c.SetAVTransportURI(ctx, "x-rincon-stream:"+sourceID, ""); err != nil {
		return err
	}
	return c.Play(ctx)
}

// PlayTV switches a home theatre player to its TV input.
func (c *Client) PlayTV(ctx context.Context) error {
	info := c.Info()
	if !info.Capabilities.TVIn {
		return fmt.Errorf("zoneplayer: %s has no TV input", info.ID)
	}
	if err := c.SetAVTransportURI(ctx, "x-sonos-htastream:"+info.ID+":spdif", ""); err != nil {
		return err
	}
	return c.Play(ctx)
}

// RenderingControl Actions

func (c *Client) GetVolume(ctx context.Context) (int64, error) {
	result, err := c.rendering(ctx, "GetVolume", soap.A("Channel", "Master"))
	if err != nil {
		return 0, err
	}
	volume, _ := xmlnorm.Int(result, "currentVolume")
	return volume, nil
}

func (c *Client) SetVolume(ctx context.Context, level int) error {
	_, err := c.rendering(ctx, "SetVolume", soap.A("Channel", "Master"), soap.A("DesiredVolume", clamp(level, 0, 100)))
	return err
}

// SetRelativeVolume adjusts the volume by delta and returns the new level.
func (c *Client) SetRelativeVolume(ctx context.Context, delta int) (int64, error) {
	result, err := c.rendering(ctx, "SetRelativeVolume", soap.A("Channel", "Master"), soap.A("Adjustment", delta))
	if err != nil {
		return 0, err
	}
	volume, _ := xmlnorm.Int(result, "newVolume")
	return volume, nil
}

func (c *Client) GetMute(ctx context.Context) (bool, error) {
	result, err := c.rendering(ctx, "GetMute", soap.A("Channel", "Master"))
	if err != nil {
		return false, err
	}
	return xmlnorm.Bool(result, "currentMute"), nil
}

func (c *Client) SetMute(ctx context.Context, mute bool) error {
	_, err := c.rendering(ctx, "SetMute", soap.A("Channel", "Master"), soap.A("DesiredMute", mute))
	return err
}

func (c *Client) GetLoudness(ctx context.Context) (bool, error) {
	result, err := c.rendering(ctx, "GetLoudness", soap.A("Channel", "Master"))
	if err != nil {
		return false, err
	}
	return xmlnorm.Bool(result, "currentLoudness"), nil
}

func (c *Client) SetLoudness(ctx context.Context, loudness bool) error {
	_, err := c.rendering(ctx, "SetLoudness", soap.A("Channel", "Master"), soap.A("DesiredLoudness", loudness))
	return err
}

func (c *Client) GetBass(ctx context.Context) (int64, error) {
	result, err := c.rendering(ctx, "GetBass")
	if err != nil {
		return 0, err
	}
	bass, _ := xmlnorm.Int(result, "currentBass")
	return bass, nil
}

func (c *Client) SetBass(ctx context.Context, level int) error {
	_, err := c.rendering(ctx, "SetBass", soap.A("DesiredBass", clamp(level, -10, 10)))
	return err
}

func (c *Client) GetTreble(ctx context.Context) (int64, error) {
	result, err := c.rendering(ctx, "GetTreble")
	if err != nil {
		return 0, err
	}
	treble, _ := xmlnorm.Int(result, "currentTreble")
	return treble, nil
}

func (c *Client) SetTreble(ctx context.Context, level int) error {
	_, err := c.rendering(ctx, "SetTreble", soap.A("DesiredTreble", clamp(level, -10, 10)))
	return err
}

// GroupRenderingControl Actions, valid on a group coordinator only.

func (c *Client) GetGroupVolume(ctx context.Context) (int64, error) {
	result, err := c.groupRendering(ctx, "GetGroupVolume")
	if err != nil {
		return 0, err
	}
	volume, _ := xmlnorm.Int(result, "currentVolume")
	return volume, nil
}

func (c *Client) SetGroupVolume(ctx context.Context, level int) error {
	_, err := c.groupRendering(ctx, "SetGroupVolume", soap.A("DesiredVolume", clamp(level, 0, 100)))
	return err
}

func (c *Client) GetGroupMute(ctx context.Context) (bool, error) {
	result, err := c.groupRendering(ctx, "GetGroupMute")
	if err != nil {
		return false, err
	}
	return xmlnorm.Bool(result, "currentMute"), nil
}

func (c *Client) SetGroupMute(ctx context.Context, mute bool) error {
	_, err := c.groupRendering(ctx, "SetGroupMute", soap.A("DesiredMute", mute))
	return err
}

// DeviceProperties Actions

func (c *Client) GetZoneAttributes(ctx context.Context) (ZoneAttributes, error) {
	result, err := c.Post(ctx, soap.DeviceRoot, soap.ServiceDeviceProperties, "GetZoneAttributes")
	if err != nil {
		return ZoneAttributes{}, err
	}
	return ZoneAttributes{
		ZoneName:      xmlnorm.String(result, "currentZoneName"),
		Icon:          xmlnorm.String(result, "currentIcon"),
		Configuration: xmlnorm.String(result, "currentConfiguration"),
	}, nil
}

func (c *Client) GetLEDState(ctx context.Context) (bool, error) {
	result, err := c.Post(ctx, soap.DeviceRoot, soap.ServiceDeviceProperties, "GetLEDState")
	if err != nil {
		return false, err
	}
	return xmlnorm.String(result, "currentLedState") == "On", nil
}

func (c *Client) SetLEDState(ctx context.Context, on bool) error {
	state := "Off"
	if on {
		state = "On"
	}
	_, err := c.Post(ctx, soap.DeviceRoot, soap.ServiceDeviceProperties, "SetLEDState", soap.A("DesiredLEDState", state))
	return err
}

// AlarmClock Actions

func (c *Client) ListAlarms(ctx context.Context) (AlarmList, error) {
	result, err := c.Post(ctx, soap.DeviceRoot, soap.ServiceAlarmClock, "ListAlarms")
	if err != nil {
		return AlarmList{}, err
	}

	list := AlarmList{Version: xmlnorm.String(result, "currentAlarmListVersion")}
	for _, a := range xmlnorm.List(result, "currentAlarmList") {
		alarm, ok := a.(map[string]any)
		if !ok {
			continue
		}
		id, _ := xmlnorm.Int(alarm, "id")
		volume, _ := xmlnorm.Int(alarm, "volume")
		list.Alarms = append(list.Alarms, Alarm{
			ID:                 id,
			StartTime:          xmlnorm.String(alarm, "startTime"),
			Duration:           xmlnorm.String(alarm, "duration"),
			Recurrence:         xmlnorm.String(alarm, "recurrence"),
			Enabled:            xmlnorm.Bool(alarm, "enabled"),
			RoomID:             xmlnorm.String(alarm, "roomUuid"),
			ProgramURI:         xmlnorm.String(alarm, "programUri"),
			ProgramMetadata:    xmlnorm.Map(alarm, "programMetaData"),
			PlayMode:           xmlnorm.String(alarm, "playMode"),
			Volume:             volume,
			IncludeLinkedZones: xmlnorm.Bool(alarm, "includeLinkedZones"),
		})
	}
	return list, nil
}

// ContentDirectory Actions

// Browse lists objectID, e.g. FV:2 for favorites or Q:0 for the queue.
func (c *Client) Browse(ctx context.Context, objectID string, start, count int) (BrowseResult, error) {
	result, err := c.Post(ctx, soap.DeviceMediaServer, soap.ServiceContentDirectory, "Browse",
		soap.A("ObjectID", objectID),
		soap.A("BrowseFlag", "BrowseDirectChildren"),
		soap.A("Filter", "*"),
		soap.A("StartingIndex", start),
		soap.A("RequestedCount", count),
		soap.A("SortCriteria", ""),
	)
	if err != nil {
		return BrowseResult{}, err
	}

	browse := BrowseResult{
		Items:      objects(xmlnorm.List(result, "result", "items")),
		Containers: objects(xmlnorm.List(result, "result", "containers")),
	}
	browse.NumberReturned, _ = xmlnorm.Int(result, "numberReturned")
	browse.TotalMatches, _ = xmlnorm.Int(result, "totalMatches")
	browse.UpdateID, _ = xmlnorm.Int(result, "updateId")
	return browse, nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if obj, ok := v.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
