package soap

import (
	"fmt"
	"strconv"
)

// Service identifies a zone player UPnP service.
type Service string

const (
	ServiceAVTransport           Service = "AVTransport"
	ServiceRenderingControl      Service = "RenderingControl"
	ServiceGroupRenderingControl Service = "GroupRenderingControl"
	ServiceContentDirectory      Service = "ContentDirectory"
	ServiceZoneGroupTopology     Service = "ZoneGroupTopology"
	ServiceDeviceProperties      Service = "DeviceProperties"
	ServiceAlarmClock            Service = "AlarmClock"
	ServiceAudioIn               Service = "AudioIn"
)

// Device names the embedded UPnP device a service lives on. Root is the
// zone player itself and is omitted from control paths.
type Device string

const (
	DeviceRoot          Device = ""
	DeviceMediaRenderer Device = "MediaRenderer"
	DeviceMediaServer   Device = "MediaServer"
)

// ServiceType returns the URN used in the SOAPACTION header and the action
// element namespace.
func ServiceType(service Service) string {
	return "urn:schemas-upnp-org:service:" + string(service) + ":1"
}

// ControlPath returns /[<device>/]<service>/Control.
func ControlPath(device Device, service Service) string {
	return servicePath(device, service) + "/Control"
}

// EventPath returns /[<device>/]<service>/Event, the resource path used for
// subscriptions.
func EventPath(device Device, service Service) string {
	return servicePath(device, service) + "/Event"
}

func servicePath(device Device, service Service) string {
	if device == DeviceRoot {
		return "/" + string(service)
	}
	return "/" + string(device) + "/" + string(service)
}

// Arg is one action argument. Arguments are sent in the order given.
type Arg struct {
	Name  string
	Value any
}

// A is shorthand for building an Arg.
func A(name string, value any) Arg {
	return Arg{Name: name, Value: value}
}

func (a Arg) text() string {
	switch v := a.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}
