package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

const maxResponseBytes = 4 << 20

// Client handles SOAP requests to zone players.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient returns a client whose requests time out after timeout.
func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// HTTPClient exposes the underlying client so description fetches and
// subscriptions share its connection pool.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Post invokes action on baseURL (http://host:port) and returns the
// normalized action response, e.g. {currentVolume: 42} for GetVolume.
func (c *Client) Post(
	ctx context.Context,
	baseURL string,
	device Device,
	service Service,
	action string,
	args ...Arg,
) (map[string]any, error) {
	serviceType := ServiceType(service)
	request := apperrors.Request{
		ID:      uuid.NewString(),
		Method:  http.MethodPost,
		URL:     strings.TrimRight(baseURL, "/") + ControlPath(device, service),
		Service: string(service),
		Action:  action,
	}

	body := buildEnvelope(serviceType, action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, request.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &apperrors.ActionError{Request: request, Err: err}
	}

	req.Header.Set("Content-Type", "text/xml; charset=\"utf-8\"")
	req.Header.Set("SOAPACTION", fmt.Sprintf("\"%s#%s\"", serviceType, action))

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Str("request_id", request.ID).Str("action", action).Err(err).Msg("soap request failed")
		return nil, &apperrors.ActionError{Request: request, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.ActionError{Request: request, Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug().
		Str("request_id", request.ID).
		Str("url", request.URL).
		Str("action", action).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("soap request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, desc := parseSoapFault(payload)
		return nil, &apperrors.ActionError{
			Request:     request,
			Status:      resp.StatusCode,
			FaultCode:   code,
			Description: desc,
		}
	}

	doc, err := xmlnorm.Normalize(payload)
	if err != nil {
		return nil, err
	}
	if result := xmlnorm.Map(doc, xmlnorm.Key(action+"Response")); result != nil {
		return result, nil
	}
	return map[string]any{}, nil
}

func buildEnvelope(serviceType, action string, args []Arg) []byte {
	var buf strings.Builder
	buf.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>")
	buf.WriteString("<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">")
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(action)
	buf.WriteString(" xmlns:u=\"")
	buf.WriteString(serviceType)
	buf.WriteString("\">")

	for _, arg := range args {
		buf.WriteString("<")
		buf.WriteString(arg.Name)
		buf.WriteString(">")
		buf.WriteString(escapeXML(arg.text()))
		buf.WriteString("</")
		buf.WriteString(arg.Name)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")

	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}
