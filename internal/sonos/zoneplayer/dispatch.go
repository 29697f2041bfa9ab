package zoneplayer

import (
	"sort"

	"github.com/strefethen/sonos-zp-go/internal/sonos/events"
	"github.com/strefethen/sonos-zp-go/internal/sonos/soap"
	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

// EventSource names the device and service a notification came from.
type EventSource struct {
	Device  string
	Service string
}

type eventHandler func(c *Client, body map[string]any)

// handlers run after the generic MessageEvent has been emitted.
var handlers = map[EventSource]eventHandler{
	{Device: events.RootDevice, Service: string(soap.ServiceZoneGroupTopology)}: (*Client).handleTopologyEvent,
	{Device: events.RootDevice, Service: string(soap.ServiceDeviceProperties)}:  (*Client).handleDevicePropertiesEvent,
}

// HandledEvents lists the sources with dedicated handling, sorted.
func HandledEvents() []EventSource {
	sources := make([]EventSource, 0, len(handlers))
	for src := range handlers {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Device != sources[j].Device {
			return sources[i].Device < sources[j].Device
		}
		return sources[i].Service < sources[j].Service
	})
	return sources
}

// HandleNotify is called by the listener with a buffered NOTIFY body.
func (c *Client) HandleNotify(device, service string, body []byte) {
	if c.State() == StateClosed {
		return
	}
	c.touch()

	doc, err := xmlnorm.Normalize(body)
	if err != nil {
		c.logger.Warn().Err(err).Str("device", device).Str("service", service).Msg("unparseable notification")
		c.emit(Message{Kind: MessageError, Device: device, Service: service, Err: err})
		return
	}

	c.emit(Message{Kind: MessageEvent, Device: device, Service: service, Body: doc})

	if handle, ok := handlers[EventSource{Device: device, Service: service}]; ok {
		handle(c, doc)
	}
}

func (c *Client) handleTopologyEvent(body map[string]any) {
	if zoneGroupStateOf(body) == nil {
		return
	}
	topology, err := ParseTopology(body)
	if err != nil {
		c.emit(Message{Kind: MessageError, Err: err})
		return
	}
	c.applyTopology(topology)
}

func (c *Client) handleDevicePropertiesEvent(body map[string]any) {
	name := xmlnorm.String(body, "zoneName")
	if name == "" {
		return
	}
	c.mu.Lock()
	c.info.ZoneName = name
	c.mu.Unlock()
}
