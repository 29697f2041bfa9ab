package zoneplayer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

const descriptionPath = "/xml/device_description.xml"

// Capabilities are derived from the advertised services and model.
type Capabilities struct {
	AudioIn bool
	TVIn    bool
	AirPlay bool
}

// Description is what the device description document tells us.
type Description struct {
	ID              string
	ModelName       string
	ModelNumber     string
	SoftwareVersion string
	HardwareVersion string
	SerialNumber    string
	RoomName        string
	DisplayName     string
	Capabilities    Capabilities
	// Devices lists embedded devices, e.g. MediaRenderer and MediaServer.
	Devices    []string
	ServiceIDs []string
}

func (c *Client) fetchDescription(ctx context.Context) (Description, error) {
	if err := c.acquire(ctx); err != nil {
		return Description{}, err
	}
	defer c.release()

	url := c.baseURL() + descriptionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Description{}, err
	}

	resp, err := c.soap.HTTPClient().Do(req)
	if err != nil {
		return Description{}, &apperrors.ActionError{Request: apperrors.Request{Method: http.MethodGet, URL: url}, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Description{}, &apperrors.ActionError{Request: apperrors.Request{Method: http.MethodGet, URL: url}, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Description{}, &apperrors.ActionError{Request: apperrors.Request{Method: http.MethodGet, URL: url}, Status: resp.StatusCode}
	}

	doc, err := xmlnorm.Normalize(body)
	if err != nil {
		return Description{}, err
	}
	c.touch()
	return ParseDescription(doc)
}

// ParseDescription extracts identity and capabilities from a normalized
// device description.
func ParseDescription(doc map[string]any) (Description, error) {
	device := xmlnorm.Map(doc, "device")
	if device == nil {
		return Description{}, &apperrors.ParseError{What: "device description", Err: fmt.Errorf("no device element")}
	}

	desc := Description{
		ID:              strings.TrimPrefix(xmlnorm.String(device, "udn"), "uuid:"),
		ModelName:       xmlnorm.String(device, "modelName"),
		ModelNumber:     xmlnorm.String(device, "modelNumber"),
		SoftwareVersion: xmlnorm.String(device, "softwareVersion"),
		HardwareVersion: xmlnorm.String(device, "hardwareVersion"),
		SerialNumber:    xmlnorm.String(device, "serialNum"),
		RoomName:        xmlnorm.String(device, "roomName"),
		DisplayName:     xmlnorm.String(device, "displayName"),
	}
	if desc.ID == "" {
		return Description{}, &apperrors.ParseError{What: "device description", Err: fmt.Errorf("no UDN")}
	}
	if desc.RoomName == "" {
		desc.RoomName = parseRoomName(xmlnorm.String(device, "friendlyName"))
	}

	collectServices(device, &desc)
	for _, d := range xmlnorm.List(device, "deviceList") {
		sub, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if name := deviceName(xmlnorm.String(sub, "deviceType")); name != "" {
			desc.Devices = append(desc.Devices, name)
		}
		collectServices(sub, &desc)
	}

	desc.Capabilities.AirPlay = supportsAirPlayModel(desc.ModelNumber)
	return desc, nil
}

func collectServices(device map[string]any, desc *Description) {
	for _, s := range xmlnorm.List(device, "serviceList") {
		service, ok := s.(map[string]any)
		if !ok {
			continue
		}
		id := xmlnorm.String(service, "serviceId")
		if id == "" {
			continue
		}
		desc.ServiceIDs = append(desc.ServiceIDs, id)
		switch {
		case strings.HasSuffix(id, "AudioIn"):
			desc.Capabilities.AudioIn = true
		case strings.HasSuffix(id, "HTControl"):
			desc.Capabilities.TVIn = true
		}
	}
}

// deviceName turns urn:schemas-upnp-org:device:MediaRenderer:1 into
// MediaRenderer.
func deviceName(deviceType string) string {
	parts := strings.Split(deviceType, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func parseRoomName(friendlyName string) string {
	if friendlyName == "" {
		return ""
	}
	parts := strings.SplitN(friendlyName, "-", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0])
	}
	return strings.TrimSpace(friendlyName)
}

func supportsAirPlayModel(modelNumber string) bool {
	airPlayModels := map[string]struct{}{
		"S18": {},
		"S14": {},
		"S38": {},
		"S21": {},
		"S27": {},
		"S17": {},
		"S23": {},
		"S36": {},
		"S37": {},
		"S6":  {},
		"S31": {},
		"S24": {},
		"S3":  {},
	}
	_, ok := airPlayModels[modelNumber]
	return ok
}
