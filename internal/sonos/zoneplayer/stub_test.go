package zoneplayer

import (
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/sonos-zp-go/internal/sonos/events"
)

const descriptionXML = `<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:ZonePlayer:1</deviceType>
    <friendlyName>127.0.0.1 - Sonos Five - RINCON_A</friendlyName>
    <manufacturer>Sonos, Inc.</manufacturer>
    <modelNumber>S6</modelNumber>
    <modelName>Sonos Five</modelName>
    <softwareVersion>79.1-56030</softwareVersion>
    <hardwareVersion>1.20.1.6-2.0</hardwareVersion>
    <serialNum>00-0E-58-00-00-01:A</serialNum>
    <UDN>uuid:RINCON_A</UDN>
    <roomName>Living Room</roomName>
    <displayName>Five</displayName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AlarmClock:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AlarmClock</serviceId>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AudioIn:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AudioIn</serviceId>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:ZoneGroupTopology:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:ZoneGroupTopology</serviceId>
      </service>
    </serviceList>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:ContentDirectory</serviceId>
          </service>
        </serviceList>
      </device>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
          </service>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

// zoneGroupState describes a home theatre zone (A with sub and rears) and
// a stereo pair (K, K2). port is the stub device's port.
func zoneGroupState(port int, bootSeq int) string {
	loc := func(host string) string {
		return fmt.Sprintf("http://%s:%d/xml/device_description.xml", host, port)
	}
	ht := "RINCON_A:LF,RF;RINCON_SUB:SW;RINCON_LR:LR;RINCON_RR:RR"
	pair := "RINCON_K:LF,LF;RINCON_K2:RF,RF"
	return fmt.Sprintf(`<ZoneGroupState><ZoneGroups>`+
		`<ZoneGroup Coordinator="RINCON_A" ID="RINCON_A:12">`+
		`<ZoneGroupMember UUID="RINCON_A" Location="%s" ZoneName="Living Room" BootSeq="%d" HTSatChanMapSet="%s">`+
		`<Satellite UUID="RINCON_SUB" Location="%s" ZoneName="Living Room" BootSeq="4" HTSatChanMapSet="%s" Invisible="1"/>`+
		`<Satellite UUID="RINCON_LR" Location="%s" ZoneName="Living Room" BootSeq="4" HTSatChanMapSet="%s" Invisible="1"/>`+
		`<Satellite UUID="RINCON_RR" Location="%s" ZoneName="Living Room" BootSeq="4" HTSatChanMapSet="%s" Invisible="1"/>`+
		`</ZoneGroupMember>`+
		`</ZoneGroup>`+
		`<ZoneGroup Coordinator="RINCON_K" ID="RINCON_K:40">`+
		`<ZoneGroupMember UUID="RINCON_K" Location="%s" ZoneName="Kitchen" BootSeq="7" ChannelMapSet="%s"/>`+
		`<ZoneGroupMember UUID="RINCON_K2" Location="%s" ZoneName="Kitchen" BootSeq="7" ChannelMapSet="%s" Invisible="1"/>`+
		`</ZoneGroup>`+
		`</ZoneGroups><VanishedDevices></VanishedDevices></ZoneGroupState>`,
		loc("127.0.0.1"), bootSeq, ht,
		loc("10.0.0.21"), ht,
		loc("10.0.0.22"), ht,
		loc("10.0.0.23"), ht,
		loc("10.0.0.30"), pair,
		loc("10.0.0.31"), pair,
	)
}

func topologyEvent(state string) string {
	return `<?xml version="1.0"?><e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">` +
		`<e:property><ZoneGroupState>` + html.EscapeString(state) + `</ZoneGroupState></e:property>` +
		`<e:property><ThirdPartyMediaServersX>` + html.EscapeString(`<MediaServers/>`) + `</ThirdPartyMediaServersX></e:property>` +
		`</e:propertyset>`
}

func soapResponse(service, action, inner string) string {
	return `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` +
		fmt.Sprintf(`<u:%sResponse xmlns:u="urn:schemas-upnp-org:service:%s:1">%s</u:%sResponse>`, action, service, inner, action) +
		`</s:Body></s:Envelope>`
}

const serverFault = `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>501</errorCode></UPnPError></detail></s:Fault></s:Body></s:Envelope>`

type genaRequest struct {
	method   string
	path     string
	sid      string
	callback string
}

type soapRequest struct {
	service string
	action  string
	body    string
}

// stubDevice is an httptest zone player answering description, SOAP and
// GENA requests.
type stubDevice struct {
	t      *testing.T
	server *httptest.Server
	port   int

	mu             sync.Mutex
	bootSeq        int
	topologyStatus int
	responses      map[string]string
	renewStatus    int
	timeoutSeconds int
	nextSID        int
	gena           []genaRequest
	soap           []soapRequest
	onSubscribe    func(path, callback string)

	// renewTimeoutSeconds, when set, is granted to renewals instead.
	renewTimeoutSeconds int
	// onRenew runs before a renewal is answered.
	onRenew func(sid string)
}

func newStubDevice(t *testing.T) *stubDevice {
	t.Helper()
	d := &stubDevice{
		t:              t,
		bootSeq:        10,
		responses:      make(map[string]string),
		timeoutSeconds: 1800,
	}
	d.server = httptest.NewServer(d)
	d.port = d.server.Listener.Addr().(*net.TCPAddr).Port
	t.Cleanup(d.server.Close)
	return d
}

func (d *stubDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Path != descriptionPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, descriptionXML)
	case http.MethodPost:
		d.serveSOAP(w, r)
	case "SUBSCRIBE":
		d.serveSubscribe(w, r)
	case "UNSUBSCRIBE":
		d.mu.Lock()
		d.gena = append(d.gena, genaRequest{method: r.Method, path: r.URL.Path, sid: r.Header.Get("SID")})
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (d *stubDevice) serveSOAP(w http.ResponseWriter, r *http.Request) {
	soapAction := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	serviceType, action, _ := strings.Cut(soapAction, "#")
	parts := strings.Split(serviceType, ":")
	service := parts[len(parts)-2]
	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	d.soap = append(d.soap, soapRequest{service: service, action: action, body: string(body)})
	status := d.topologyStatus
	bootSeq := d.bootSeq
	inner, ok := d.responses[action]
	d.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	if action == "GetZoneGroupState" {
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, serverFault)
			return
		}
		inner = "<ZoneGroupState>" + html.EscapeString(zoneGroupState(d.port, bootSeq)) + "</ZoneGroupState>"
		ok = true
	}
	if !ok {
		inner = ""
	}
	_, _ = io.WriteString(w, soapResponse(service, action, inner))
}

func (d *stubDevice) serveSubscribe(w http.ResponseWriter, r *http.Request) {
	req := genaRequest{
		method:   r.Method,
		path:     r.URL.Path,
		sid:      r.Header.Get("SID"),
		callback: strings.Trim(r.Header.Get("CALLBACK"), "<>"),
	}

	d.mu.Lock()
	d.gena = append(d.gena, req)
	renewStatus := d.renewStatus
	timeout := d.timeoutSeconds
	if req.sid != "" && d.renewTimeoutSeconds != 0 {
		timeout = d.renewTimeoutSeconds
	}
	onSubscribe := d.onSubscribe
	onRenew := d.onRenew
	sid := req.sid
	if sid == "" {
		d.nextSID++
		sid = fmt.Sprintf("uuid:RINCON_A_sub%010d", d.nextSID)
	}
	d.mu.Unlock()

	if req.sid != "" && onRenew != nil {
		onRenew(req.sid)
	}
	if req.sid != "" && renewStatus != 0 {
		w.WriteHeader(renewStatus)
		return
	}

	w.Header().Set("SID", sid)
	w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", timeout))
	w.WriteHeader(http.StatusOK)

	if req.sid == "" && onSubscribe != nil {
		go onSubscribe(req.path, req.callback)
	}
}

func (d *stubDevice) setTopologyStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topologyStatus = status
}

func (d *stubDevice) setRenewStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renewStatus = status
}

func (d *stubDevice) setTimeout(seconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeoutSeconds = seconds
}

func (d *stubDevice) setRenewTimeout(seconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renewTimeoutSeconds = seconds
}

func (d *stubDevice) setResponse(action, inner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[action] = inner
}

func (d *stubDevice) setOnSubscribe(fn func(path, callback string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSubscribe = fn
}

func (d *stubDevice) setOnRenew(fn func(sid string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRenew = fn
}

// renewals counts SUBSCRIBE requests carrying a SID.
func (d *stubDevice) renewals() int {
	n := 0
	for _, req := range d.genaRequests("SUBSCRIBE") {
		if req.sid != "" {
			n++
		}
	}
	return n
}

func (d *stubDevice) genaRequests(method string) []genaRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []genaRequest
	for _, req := range d.gena {
		if req.method == method {
			out = append(out, req)
		}
	}
	return out
}

func (d *stubDevice) lastSOAP(action string) (soapRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.soap) - 1; i >= 0; i-- {
		if d.soap[i].action == action {
			return d.soap[i], true
		}
	}
	return soapRequest{}, false
}

// fakeHub records registrations without serving HTTP.
type fakeHub struct {
	mu        sync.Mutex
	receivers map[string]events.Receiver
	removed   []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{receivers: make(map[string]events.Receiver)}
}

func (h *fakeHub) AddClient(deviceID, addressHint string, r events.Receiver) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receivers[deviceID] = r
	return "http://127.0.0.1:3400/notify/" + deviceID, nil
}

func (h *fakeHub) RemoveClient(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.receivers, deviceID)
	h.removed = append(h.removed, deviceID)
}

func (h *fakeHub) removedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

type fakeResolver map[string][]net.IPAddr

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func testOptions(d *stubDevice, hub Hub) Options {
	return Options{
		Host:              "127.0.0.1",
		Port:              d.port,
		Listener:          hub,
		RequestTimeout:    2 * time.Second,
		TopologyTimeout:   2 * time.Second,
		RenewalRetryDelay: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	}
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c := New(opts)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newReadyClient(t *testing.T, d *stubDevice, hub Hub) *Client {
	t.Helper()
	c := newTestClient(t, testOptions(d, hub))
	require.NoError(t, c.Init(context.Background()))
	drain(c)
	return c
}

// drain discards messages already queued.
func drain(c *Client) {
	for {
		select {
		case <-c.Messages():
		default:
			return
		}
	}
}

// nextMessage waits for the next message of kind, skipping others.
func nextMessage(t *testing.T, c *Client, kind MessageKind) Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "messages channel closed while waiting for %s", kind)
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message", kind)
		}
	}
}
