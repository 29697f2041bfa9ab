package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
)

// ErrSubscriptionExpired indicates the device no longer knows the SID
// (HTTP 412). It is wrapped in the SubscriptionError returned by Renew.
var ErrSubscriptionExpired = errors.New("subscription expired")

// Grant is the device's answer to a SUBSCRIBE.
type Grant struct {
	SID     string
	Timeout time.Duration
}

// SubscriptionClient speaks GENA to zone players.
type SubscriptionClient struct {
	httpClient *http.Client
}

// NewSubscriptionClient creates a subscription client. A nil httpClient
// gets a plain client with the given timeout.
func NewSubscriptionClient(httpClient *http.Client, timeout time.Duration) *SubscriptionClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &SubscriptionClient{httpClient: httpClient}
}

// Subscribe sends a new SUBSCRIBE for path on baseURL (http://host:port).
// The device will NOTIFY callbackURL.
func (c *SubscriptionClient) Subscribe(ctx context.Context, baseURL, path, callbackURL string, timeout time.Duration) (Grant, error) {
	header := http.Header{}
	header.Set("CALLBACK", fmt.Sprintf("<%s>", callbackURL))
	header.Set("NT", "upnp:event")
	header.Set("TIMEOUT", FormatTimeout(timeout))

	resp, err := c.do(ctx, "SUBSCRIBE", baseURL, path, header)
	if err != nil {
		return Grant{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Grant{}, &apperrors.SubscriptionError{Op: "subscribe", Path: path, Status: resp.StatusCode}
	}

	sid := ParseSID(resp.Header.Get("SID"))
	if sid == "" {
		return Grant{}, &apperrors.SubscriptionError{Op: "subscribe", Path: path, Status: resp.StatusCode, Err: errors.New("no SID in response")}
	}

	return Grant{SID: sid, Timeout: ParseTimeout(resp.Header.Get("TIMEOUT"))}, nil
}

// Renew refreshes an existing subscription. The device may hand back a
// different SID, which the returned Grant carries.
func (c *SubscriptionClient) Renew(ctx context.Context, baseURL, path, sid string, timeout time.Duration) (Grant, error) {
	// Renewals carry no CALLBACK or NT.
	header := http.Header{}
	header.Set("SID", sid)
	header.Set("TIMEOUT", FormatTimeout(timeout))

	resp, err := c.do(ctx, "SUBSCRIBE", baseURL, path, header)
	if err != nil {
		return Grant{}, err
	}

	if resp.StatusCode == http.StatusPreconditionFailed {
		return Grant{}, &apperrors.SubscriptionError{Op: "renew", Path: path, Status: resp.StatusCode, Err: ErrSubscriptionExpired}
	}
	if resp.StatusCode != http.StatusOK {
		return Grant{}, &apperrors.SubscriptionError{Op: "renew", Path: path, Status: resp.StatusCode}
	}

	if renewed := ParseSID(resp.Header.Get("SID")); renewed != "" {
		sid = renewed
	}
	return Grant{SID: sid, Timeout: ParseTimeout(resp.Header.Get("TIMEOUT"))}, nil
}

// Unsubscribe sends an UNSUBSCRIBE. A 412 means the subscription is already
// gone and is not an error.
func (c *SubscriptionClient) Unsubscribe(ctx context.Context, baseURL, path, sid string) error {
	header := http.Header{}
	header.Set("SID", sid)

	resp, err := c.do(ctx, "UNSUBSCRIBE", baseURL, path, header)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPreconditionFailed {
		return &apperrors.SubscriptionError{Op: "unsubscribe", Path: path, Status: resp.StatusCode}
	}
	return nil
}

// do sends a body-less GENA request and drains the response. Only status
// and headers matter.
func (c *SubscriptionClient) do(ctx context.Context, method, baseURL, path string, header http.Header) (*http.Response, error) {
	op := strings.ToLower(method)
	url := strings.TrimRight(baseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &apperrors.SubscriptionError{Op: op, Path: path, Err: err}
	}
	req.Header = header

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.SubscriptionError{Op: op, Path: path, Err: err}
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp, nil
}
