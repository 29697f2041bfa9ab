// Package zoneplayer is the control point for a single zone player. A
// Client resolves and identifies the device, invokes SOAP actions one at a
// time, keeps GENA subscriptions alive, derives the zone topology and
// reports reboots and address changes on its Messages channel.
package zoneplayer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/events"
	"github.com/strefethen/sonos-zp-go/internal/sonos/soap"
)

const (
	DefaultPort                = 1400
	DefaultRequestTimeout      = 10 * time.Second
	DefaultSubscriptionTimeout = 30 * time.Minute
	DefaultTopologyTimeout     = 15 * time.Second
	DefaultRenewalRetryDelay   = 5 * time.Second
	DefaultMessageBuffer       = 64
)

var (
	ErrClosed         = errors.New("zoneplayer: client closed")
	ErrNotInitialized = errors.New("zoneplayer: client not initialized")
	ErrNoListener     = errors.New("zoneplayer: no notification listener configured")
)

// State is the client lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hub is the part of the notification listener a client needs.
type Hub interface {
	AddClient(deviceID, addressHint string, r events.Receiver) (string, error)
	RemoveClient(deviceID string)
}

// Options configure a Client.
type Options struct {
	// Host is an IPv4 address or a name resolving to one.
	Host string
	Port int
	// ExpectedID, when set, must match the UDN found at Host.
	ExpectedID string
	// Listener receives NOTIFY callbacks. Required for subscriptions.
	Listener Hub
	Resolver Resolver

	RequestTimeout      time.Duration
	SubscriptionTimeout time.Duration
	// TopologyTimeout bounds the wait for a pushed zone group state when
	// GetZoneGroupState fails with a server error.
	TopologyTimeout   time.Duration
	RenewalRetryDelay time.Duration
	MessageBuffer     int

	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.SubscriptionTimeout <= 0 {
		o.SubscriptionTimeout = DefaultSubscriptionTimeout
	}
	if o.TopologyTimeout <= 0 {
		o.TopologyTimeout = DefaultTopologyTimeout
	}
	if o.RenewalRetryDelay <= 0 {
		o.RenewalRetryDelay = DefaultRenewalRetryDelay
	}
	if o.MessageBuffer <= 0 {
		o.MessageBuffer = DefaultMessageBuffer
	}
}

// Info is a snapshot of what the client knows about its device.
type Info struct {
	Description
	Address   string
	BootSeq   int64
	Household string
	ZoneName  string
	Role      Role
	ZoneID    string
	Channel   string
}

// Announcement is a discovery tuple for this device.
type Announcement struct {
	ID        string
	Address   string
	Household string
	BootSeq   int64
}

// Client owns the control-point session with one zone player.
type Client struct {
	opts   Options
	logger zerolog.Logger
	soap   *soap.Client
	subs   *events.SubscriptionClient
	sem    *semaphore.Weighted

	// ctx is cancelled by Close and bounds background work such as renewals.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	state          State
	host           string
	info           Info
	topology       *Topology
	subscriptions  map[string]*subscription
	callbackURL    string
	lastSeen       time.Time
	topologyWaiter chan *Topology

	msgMu    sync.RWMutex
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup
	messages chan Message
}

// New creates an uninitialized client. Call Init before anything else.
func New(opts Options) *Client {
	opts.setDefaults()
	logger := opts.Logger.With().Str("component", "zoneplayer").Str("host", opts.Host).Logger()
	soapClient := soap.NewClient(opts.RequestTimeout, logger)
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		opts:          opts,
		logger:        logger,
		soap:          soapClient,
		subs:          events.NewSubscriptionClient(soapClient.HTTPClient(), opts.RequestTimeout),
		sem:           semaphore.NewWeighted(1),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*subscription),
		done:          make(chan struct{}),
		messages:      make(chan Message, opts.MessageBuffer),
	}
}

// Init resolves the host, reads the device description, verifies the
// device identity and loads the zone topology. On failure the client
// returns to the uninitialized state and Init may be retried.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateInitializing, StateReady:
		c.mu.Unlock()
		return errors.New("zoneplayer: already initialized")
	}
	c.state = StateInitializing
	c.mu.Unlock()

	if err := c.init(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateInitializing {
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitializing {
		return ErrClosed
	}
	c.state = StateReady
	c.logger.Info().
		Str("device_id", c.info.ID).
		Str("model", c.info.ModelName).
		Str("zone", c.info.ZoneName).
		Msg("zone player ready")
	return nil
}

func (c *Client) init(ctx context.Context) error {
	host, err := resolveIPv4(ctx, c.opts.Resolver, c.opts.Host)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.host = host
	c.info.Address = host
	c.mu.Unlock()

	desc, err := c.fetchDescription(ctx)
	if err != nil {
		return err
	}

	if c.opts.ExpectedID != "" && desc.ID != c.opts.ExpectedID {
		err := &apperrors.IdentityMismatchError{Address: host, Expected: c.opts.ExpectedID, Actual: desc.ID}
		c.emit(Message{Kind: MessageError, Err: err})
		return err
	}

	c.mu.Lock()
	c.info.Description = desc
	c.info.ZoneName = desc.RoomName
	c.mu.Unlock()

	_, err = c.LoadTopology(ctx)
	return err
}

// Close unsubscribes everything, deregisters from the listener and closes
// the Messages channel. Teardown errors are logged, not returned.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		sub.stopTimer()
		subs = append(subs, subscription{path: sub.path, sid: sub.sid})
	}
	c.subscriptions = make(map[string]*subscription)
	registered := c.callbackURL != ""
	c.callbackURL = ""
	id := c.info.ID
	base := c.baseURLLocked()
	c.mu.Unlock()

	c.cancel()

	for _, sub := range subs {
		if sub.sid == "" {
			continue
		}
		if err := c.unsubscribeRemote(ctx, base, sub.path, sub.sid); err != nil {
			c.logger.Warn().Err(err).Str("path", sub.path).Msg("unsubscribe on close failed")
		}
	}

	if registered && c.opts.Listener != nil {
		c.opts.Listener.RemoveClient(id)
	}

	c.msgMu.Lock()
	c.closed = true
	close(c.done)
	c.msgMu.Unlock()
	c.inflight.Wait()
	close(c.messages)

	c.logger.Debug().Msg("zone player closed")
	return nil
}

// Messages delivers events, topology updates, reboots, address changes
// and background errors. The channel is bounded: a consumer that stops
// reading stalls notification delivery for this device. It is closed by
// Close.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

func (c *Client) emit(msg Message) {
	c.msgMu.RLock()
	if c.closed {
		c.msgMu.RUnlock()
		return
	}
	c.inflight.Add(1)
	c.msgMu.RUnlock()
	defer c.inflight.Done()

	if msg.DeviceID == "" {
		msg.DeviceID = c.ID()
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}

	select {
	case c.messages <- msg:
	case <-c.done:
	}
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ID returns the device id (RINCON_...), empty before Init.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.ID
}

// Address returns the current device address.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// Info returns a snapshot of the device information.
func (c *Client) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.info
	info.Devices = append([]string(nil), c.info.Devices...)
	info.ServiceIDs = append([]string(nil), c.info.ServiceIDs...)
	return info
}

// Topology returns the most recent topology, or nil.
func (c *Client) Topology() *Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topology
}

// LastSeen is the time of the last successful request or inbound event.
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// HandleAnnouncement feeds a discovery tuple for this device into reboot
// and address change detection. Tuples for other devices are ignored.
func (c *Client) HandleAnnouncement(a Announcement) {
	c.mu.Lock()
	if c.state == StateClosed || (c.info.ID != "" && a.ID != c.info.ID) {
		c.mu.Unlock()
		return
	}
	if a.Household != "" {
		c.info.Household = a.Household
	}
	c.lastSeen = time.Now()
	c.mu.Unlock()

	c.observe(a.Address, a.BootSeq)
}

// observe compares a reported address and boot sequence with the cached
// ones. A zero or empty value means "not reported".
func (c *Client) observe(address string, bootSeq int64) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	previousAddress := c.host
	moved := address != "" && previousAddress != "" && address != previousAddress
	if moved {
		c.host = address
		c.info.Address = address
	}

	previousBoot := c.info.BootSeq
	rebooted := bootSeq != 0 && previousBoot != 0 && bootSeq != previousBoot
	if bootSeq != 0 {
		c.info.BootSeq = bootSeq
	}

	var paths []pending
	if rebooted {
		paths = c.invalidateLocked()
	}
	c.mu.Unlock()

	if moved {
		c.logger.Info().Str("from", previousAddress).Str("to", address).Msg("address changed")
		c.emit(Message{Kind: MessageAddressChanged, Address: address, PreviousAddress: previousAddress})
	}
	if rebooted {
		c.logger.Info().Int64("from", previousBoot).Int64("to", bootSeq).Int("subscriptions", len(paths)).Msg("device rebooted")
		c.emit(Message{Kind: MessageRebooted, BootSeq: bootSeq, PreviousBootSeq: previousBoot})
		if len(paths) > 0 {
			go c.resubscribe(paths)
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) baseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURLLocked()
}

func (c *Client) baseURLLocked() string {
	return "http://" + net.JoinHostPort(c.host, strconv.Itoa(c.opts.Port))
}

// acquire serializes requests to the device.
func (c *Client) acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

func (c *Client) release() {
	c.sem.Release(1)
}

// checkUsable reports whether requests may be sent in the current state.
func (c *Client) checkUsable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateUninitialized:
		return ErrNotInitialized
	}
	return nil
}

// Post invokes a SOAP action on the device. Only one request per device is
// in flight at a time.
func (c *Client) Post(ctx context.Context, device soap.Device, service soap.Service, action string, args ...soap.Arg) (map[string]any, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, &apperrors.ActionError{
			Request: apperrors.Request{Method: http.MethodPost, Service: string(service), Action: action},
			Err:     err,
		}
	}
	defer c.release()

	result, err := c.soap.Post(ctx, c.baseURL(), device, service, action, args...)
	if err != nil {
		return nil, err
	}
	c.touch()
	return result, nil
}
