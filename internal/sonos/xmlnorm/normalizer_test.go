package xmlnorm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

const volumeResponse = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <u:GetVolumeResponse xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">
      <CurrentVolume>42</CurrentVolume>
    </u:GetVolumeResponse>
  </s:Body>
</s:Envelope>`

const deviceDescription = `<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:ZonePlayer:1</deviceType>
    <friendlyName>10.0.0.2 - Sonos Five - RINCON_000E58A0000101400</friendlyName>
    <modelNumber>S6</modelNumber>
    <modelName>Sonos Five</modelName>
    <softwareVersion>76.2-47270</softwareVersion>
    <UDN>uuid:RINCON_000E58A0000101400</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AudioIn:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AudioIn</serviceId>
      </service>
    </serviceList>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <UDN>uuid:RINCON_000E58A0000101400_MR</UDN>
        <serviceList>
          <service><serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId></service>
          <service><serviceId>urn:upnp-org:serviceId:AVTransport</serviceId></service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

const zoneGroupState = `<ZoneGroupState><ZoneGroups>` +
	`<ZoneGroup Coordinator="RINCON_A" ID="RINCON_A:12">` +
	`<ZoneGroupMember UUID="RINCON_A" Location="http://10.0.0.2:1400/xml/device_description.xml" ZoneName="Living Room" BootSeq="12" ChannelMapSet="RINCON_A:LF,LF;RINCON_B:RF,RF"/>` +
	`<ZoneGroupMember UUID="RINCON_B" Location="http://10.0.0.3:1400/xml/device_description.xml" ZoneName="Living Room" BootSeq="7" Invisible="1" ChannelMapSet="RINCON_A:LF,LF;RINCON_B:RF,RF"/>` +
	`</ZoneGroup>` +
	`</ZoneGroups><VanishedDevices></VanishedDevices></ZoneGroupState>`

func zoneGroupStateResponse() string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<u:GetZoneGroupStateResponse xmlns:u="urn:schemas-upnp-org:service:ZoneGroupTopology:1">` +
		`<ZoneGroupState>` + escaper.Replace(zoneGroupState) + `</ZoneGroupState>` +
		`</u:GetZoneGroupStateResponse></s:Body></s:Envelope>`
}

const renderingLastChange = `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/RCS/"><InstanceID val="0">` +
	`<Volume channel="Master" val="20"/><Volume channel="LF" val="100"/>` +
	`<Mute channel="Master" val="0"/>` +
	`</InstanceID></Event>`

func renderingEvent() string {
	return `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property>` +
		`<LastChange>` + escaper.Replace(renderingLastChange) + `</LastChange>` +
		`</e:property></e:propertyset>`
}

const favorites = `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">` +
	`<item id="FV:2/3" parentID="FV:2" restricted="true">` +
	`<dc:title>Jazz</dc:title>` +
	`<upnp:class>object.itemobject.item.sonos-favorite</upnp:class>` +
	`<res protocolInfo="x-rincon-cpcontainer:*:*:*">x-rincon-cpcontainer:1004</res>` +
	`</item></DIDL-Lite>`

func TestKey(t *testing.T) {
	cases := map[string]string{
		"HTSatChanMapSet":        "htSatChanMapSet",
		"ZoneGroupID":            "zoneGroupId",
		"UUID":                   "uuid",
		"UDN":                    "udn",
		"AVTransportURIMetaData": "avTransportUriMetaData",
		"DIDL-Lite":              "didlLite",
		"SSID":                   "ssid",
		"LEDState":               "ledState",
		"MACAddress":             "macAddress",
		"IPAddress":              "ipAddress",
		"InstanceID":             "instanceId",
		"CurrentURI":             "currentUri",
		"ZoneGroupMember":        "zoneGroupMembers",
		"Satellite":              "satellites",
		"zoneGroupId":            "zoneGroupId",
		"BootSeq":                "bootSeq",
	}
	for in, want := range cases {
		assert.Equal(t, want, Key(in), in)
	}
}

func TestNormalize_SoapResponseUnwrapsEnvelope(t *testing.T) {
	doc, err := Normalize([]byte(volumeResponse))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"getVolumeResponse": map[string]any{"currentVolume": int64(42)},
	}, doc)
}

func TestNormalize_DeviceDescription(t *testing.T) {
	doc, err := Normalize([]byte(deviceDescription))
	require.NoError(t, err)

	assert.Equal(t, "uuid:RINCON_000E58A0000101400", String(doc, "device.udn"))
	assert.Equal(t, "S6", String(doc, "device.modelNumber"))

	services := List(doc, "device.serviceList")
	require.Len(t, services, 1)
	assert.Equal(t, "urn:upnp-org:serviceId:AudioIn", String(services[0].(map[string]any), "serviceId"))

	devices := List(doc, "device.deviceList")
	require.Len(t, devices, 1)
	assert.Len(t, List(devices[0].(map[string]any), "serviceList"), 2)
}

func TestNormalize_ListKeysAlwaysArrays(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		want []any
	}{
		{"empty", `<root><serviceList></serviceList></root>`, []any{}},
		{"self closing", `<root><serviceList/></root>`, []any{}},
		{"single", `<root><serviceList><service><serviceId>a</serviceId></service></serviceList></root>`,
			[]any{map[string]any{"serviceId": "a"}}},
		{"multiple", `<root><serviceList><service><serviceId>a</serviceId></service><service><serviceId>b</serviceId></service></serviceList></root>`,
			[]any{map[string]any{"serviceId": "a"}, map[string]any{"serviceId": "b"}}},
		{"single scalar child", `<root><ipList><ip>10.0.0.2</ip></ipList></root>`, []any{"10.0.0.2"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Normalize([]byte(tc.xml))
			require.NoError(t, err)
			for key, value := range doc {
				assert.Equal(t, tc.want, value, key)
			}
		})
	}
}

func TestNormalize_ZoneGroupStateEmbedded(t *testing.T) {
	doc, err := Normalize([]byte(zoneGroupStateResponse()))
	require.NoError(t, err)

	state := Map(doc, "getZoneGroupStateResponse.zoneGroupState")
	require.NotNil(t, state, "embedded document should replace the string and lose its duplicate wrapper")
	assert.Equal(t, []any{}, state["vanishedDevices"])

	groups := List(state, "zoneGroups")
	require.Len(t, groups, 1)
	group := groups[0].(map[string]any)
	assert.Equal(t, "RINCON_A", group["coordinator"])
	assert.Equal(t, "RINCON_A:12", group["id"])

	members, ok := group["zoneGroupMembers"].([]any)
	require.True(t, ok)
	require.Len(t, members, 2)

	first := members[0].(map[string]any)
	assert.Equal(t, "RINCON_A", first["uuid"])
	assert.Equal(t, int64(12), first["bootSeq"])
	assert.Equal(t, "Living Room", first["zoneName"])
	assert.Equal(t, "RINCON_A:LF,LF;RINCON_B:RF,RF", first["channelMapSet"])
	assert.Equal(t, int64(1), members[1].(map[string]any)["invisible"])
}

func TestNormalize_SingleMemberIsStillAList(t *testing.T) {
	state := `<ZoneGroups><ZoneGroup Coordinator="RINCON_A" ID="RINCON_A:1"><ZoneGroupMember UUID="RINCON_A"/></ZoneGroup></ZoneGroups>`
	doc, err := Normalize([]byte(state))
	require.NoError(t, err)

	groups := doc["zoneGroups"].([]any)
	require.Len(t, groups, 1)
	members := groups[0].(map[string]any)["zoneGroupMembers"]
	assert.Equal(t, []any{map[string]any{"uuid": "RINCON_A"}}, members)
}

func TestNormalize_EventPropertySetAndChannels(t *testing.T) {
	doc, err := Normalize([]byte(renderingEvent()))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"lastChange": map[string]any{
			"instanceId": map[string]any{
				"val":    int64(0),
				"volume": map[string]any{"master": int64(20), "lf": int64(100)},
				"mute":   map[string]any{"master": int64(0)},
			},
		},
	}, doc)
}

func TestNormalize_PropertiesMergeInOrder(t *testing.T) {
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
		`<e:property><ZonePlayerUUIDsInGroup>RINCON_A</ZonePlayerUUIDsInGroup></e:property>` +
		`<e:property><ZoneName>Kitchen</ZoneName></e:property>` +
		`<e:property><ZonePlayerUUIDsInGroup>RINCON_A,RINCON_B</ZonePlayerUUIDsInGroup></e:property>` +
		`</e:propertyset>`

	doc, err := Normalize([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"zonePlayerUuidsInGroup": "RINCON_A,RINCON_B",
		"zoneName":               "Kitchen",
	}, doc)
}

func TestNormalize_ValueRules(t *testing.T) {
	doc, err := Normalize([]byte(`<root>` +
		`<Title>1984</Title><ZoneName>123</ZoneName><Track>7</Track><Version>1.2</Version>` +
		`<Album>Rock &amp;amp; Roll</Album><Other>A &amp;amp; B</Other>` +
		`<Huge>123456789012345678901234567890</Huge>` +
		`</root>`))
	require.NoError(t, err)

	assert.Equal(t, "1984", doc["title"])
	assert.Equal(t, "123", doc["zoneName"])
	assert.Equal(t, int64(7), doc["track"])
	assert.Equal(t, "1.2", doc["version"])
	assert.Equal(t, "Rock & Roll", doc["album"])
	assert.Equal(t, "A &amp; B", doc["other"])
	assert.Equal(t, "123456789012345678901234567890", doc["huge"])
}

func TestNormalize_Battery(t *testing.T) {
	doc, err := Normalize([]byte(`<root><MoreInfo>RawBattPct:82,BattPct:80,BattChg:CHARGING,BattTmp:33</MoreInfo></root>`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"rawPercentage": int64(82),
		"percentage":    int64(80),
		"charging":      true,
		"temperature":   int64(33),
	}, doc["moreInfo"])

	doc, err = Normalize([]byte(`<root><MoreInfo>BattPct:15,BattChg:NOT_CHARGING</MoreInfo></root>`))
	require.NoError(t, err)
	assert.Equal(t, false, Map(doc, "moreInfo")["charging"])

	doc, err = Normalize([]byte(`<root><MoreInfo>TargetRoomName:Kitchen</MoreInfo></root>`))
	require.NoError(t, err)
	assert.Equal(t, "TargetRoomName:Kitchen", doc["moreInfo"])
}

func TestNormalize_Didl(t *testing.T) {
	doc, err := Normalize([]byte(favorites))
	require.NoError(t, err)

	items := List(doc, "items")
	require.Len(t, items, 1)
	assert.Equal(t, map[string]any{
		"id":         "FV:2/3",
		"parentId":   "FV:2",
		"restricted": "true",
		"title":      "Jazz",
		"class":      "object.itemobject.item.sonos-favorite",
		"res": map[string]any{
			"protocolInfo": "x-rincon-cpcontainer:*:*:*",
			TextKey:        "x-rincon-cpcontainer:1004",
		},
	}, items[0])
}

func TestNormalize_ValAttributeCollapses(t *testing.T) {
	lastChange := `<Event><InstanceID val="0"><TransportState val="PLAYING"/>` +
		`<CurrentTrackMetaData val="` + escaper.Replace(favorites) + `"/></InstanceID></Event>`
	body := `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><LastChange>` +
		escaper.Replace(lastChange) + `</LastChange></e:property></e:propertyset>`

	doc, err := Normalize([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "PLAYING", String(doc, "lastChange.instanceId.transportState"))
	items := List(doc, "lastChange.instanceId.currentTrackMetaData.items")
	require.Len(t, items, 1)
	assert.Equal(t, "Jazz", String(items[0].(map[string]any), "title"))
}

func TestNormalize_Errors(t *testing.T) {
	for _, input := range []string{"", "not xml", "<a><b></a>", "<a></a><b></b>"} {
		_, err := Normalize([]byte(input))
		require.Error(t, err, input)
		assert.Equal(t, apperrors.ErrorCodeParse, apperrors.CodeOf(err), input)
	}
}

func TestNormalize_MalformedEmbeddedXMLStaysText(t *testing.T) {
	doc, err := Normalize([]byte(`<root><Meta>&lt;not closed&gt;</Meta><Other>x</Other></root>`))
	require.NoError(t, err)
	assert.Equal(t, "<not closed>", doc["meta"])
}

func nested(levels int) string {
	doc := "<x>1</x>"
	for i := 0; i < levels; i++ {
		doc = "<x>" + escaper.Replace(doc) + "</x>"
	}
	return doc
}

func TestNormalize_NestingBound(t *testing.T) {
	doc, err := Normalize([]byte(nested(3)))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1)}, doc)

	_, err = Normalize([]byte(nested(MaxNesting + 2)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNestingTooDeep)
	assert.Equal(t, apperrors.ErrorCodeParse, apperrors.CodeOf(err))
}

const batteryEvent = `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><ZoneName>Den</ZoneName></e:property>` +
	`<e:property><MoreInfo>RawBattPct:82,BattPct:80,BattChg:CHARGING,BattTmp:33</MoreInfo></e:property></e:propertyset>`

func TestNormalize_IdempotentOnCanonicalForm(t *testing.T) {
	docs := map[string]string{
		"soap":        volumeResponse,
		"description": deviceDescription,
		"topology":    zoneGroupStateResponse(),
		"event":       renderingEvent(),
		"didl":        favorites,
		"battery":     batteryEvent,
		"uncharged":   `<root><MoreInfo>BattPct:15,BattChg:NOT_CHARGING</MoreInfo></root>`,
	}

	for name, input := range docs {
		t.Run(name, func(t *testing.T) {
			first, err := Normalize([]byte(input))
			require.NoError(t, err)

			second, err := Normalize(Encode(first))
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestAccessors(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{
			"n":    int64(5),
			"s":    "12",
			"flag": int64(1),
			"one":  map[string]any{"k": "v"},
		},
	}

	n, ok := Int(doc, "a.n")
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)

	n, ok = Int(doc, "a", "s")
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)

	_, ok = Int(doc, "a.missing")
	assert.False(t, ok)

	assert.Equal(t, "5", String(doc, "a.n"))
	assert.True(t, Bool(doc, "a.flag"))
	assert.Len(t, List(doc, "a.one"), 1)
	assert.Nil(t, List(doc, "a.n"))
	assert.Nil(t, Map(doc, "a.n"))
}
