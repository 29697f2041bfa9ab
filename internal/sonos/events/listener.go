package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

// Receiver is a device client registered with the listener.
type Receiver interface {
	// HandleNotify receives one buffered notification body. It must not
	// block for long; the notifying device is waiting for its 200.
	HandleNotify(device, service string, body []byte)
	Address() string
	SubscriptionPaths() []string
}

// ListenerConfig controls where the shared endpoint listens and which
// address it advertises in callback URLs.
type ListenerConfig struct {
	// BindAddress is the local address to bind. Empty binds all interfaces.
	BindAddress string
	// Port to listen on; 0 picks a free port.
	Port int
	// AdvertiseAddress overrides the host used in callback URLs. When empty
	// the local address used to reach the device is advertised.
	AdvertiseAddress string
	MaxBodyBytes     int64
}

// Stats counts notifications seen by the listener.
type Stats struct {
	Received   int64
	Dispatched int64
	Ignored    int64
}

// Listener is the HTTP endpoint shared by every device client. It starts
// with the first registered client and stops when the last one leaves.
type Listener struct {
	cfg    ListenerConfig
	logger zerolog.Logger
	stream *streamHub

	mu      sync.RWMutex
	clients map[string]Receiver
	server  *http.Server
	ln      net.Listener
	port    int

	received   atomic.Int64
	dispatched atomic.Int64
	ignored    atomic.Int64
}

// NewListener creates a stopped listener.
func NewListener(cfg ListenerConfig, logger zerolog.Logger) *Listener {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger = logger.With().Str("component", "listener").Logger()
	return &Listener{
		cfg:     cfg,
		logger:  logger,
		stream:  newStreamHub(logger),
		clients: make(map[string]Receiver),
	}
}

// AddClient registers r under deviceID, starting the server if needed, and
// returns the callback URL prefix for that device. Subscription paths are
// appended to it.
func (l *Listener) AddClient(deviceID, addressHint string, r Receiver) (string, error) {
	if deviceID == "" {
		return "", errors.New("listener: empty device id")
	}

	host, err := l.callbackHost(addressHint)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server == nil {
		if err := l.startLocked(); err != nil {
			return "", err
		}
	}
	l.clients[deviceID] = r

	url := fmt.Sprintf("http://%s%s/%s", net.JoinHostPort(host, strconv.Itoa(l.port)), NotifyPrefix, deviceID)
	l.logger.Debug().Str("device_id", deviceID).Str("callback", url).Msg("client registered")
	return url, nil
}

// RemoveClient deregisters deviceID. The server stops once no clients
// remain.
func (l *Listener) RemoveClient(deviceID string) {
	l.mu.Lock()
	delete(l.clients, deviceID)
	var server *http.Server
	if len(l.clients) == 0 && l.server != nil {
		// The port is free again before the lock is released, so a
		// concurrent AddClient can bind it.
		server = l.detachLocked()
	}
	l.mu.Unlock()

	l.logger.Debug().Str("device_id", deviceID).Msg("client removed")
	if server != nil {
		l.stop(server)
	}
}

// Close stops the server regardless of registered clients.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	server := l.detachLocked()
	l.clients = make(map[string]Receiver)
	l.mu.Unlock()

	l.stream.closeAll()
	if server == nil {
		return nil
	}
	return shutdown(ctx, server)
}

// Running reports whether the HTTP server is up.
func (l *Listener) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.server != nil
}

// Port returns the bound port, or 0 when stopped.
func (l *Listener) Port() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.port
}

// Stats returns notification counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Received:   l.received.Load(),
		Dispatched: l.dispatched.Load(),
		Ignored:    l.ignored.Load(),
	}
}

func (l *Listener) startLocked() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(l.cfg.BindAddress, strconv.Itoa(l.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}

	server := &http.Server{
		Handler:           l.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.server = server
	l.ln = ln
	l.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			l.logger.Error().Err(err).Msg("notification server stopped")
		}
	}()

	l.logger.Info().Int("port", l.port).Msg("notification server started")
	return nil
}

// detachLocked closes the bound socket and forgets the running server,
// which the caller shuts down after unlocking. It returns nil when stopped.
func (l *Listener) detachLocked() *http.Server {
	server := l.server
	if l.ln != nil {
		_ = l.ln.Close()
	}
	l.server = nil
	l.ln = nil
	l.port = 0
	return server
}

// shutdown drains in-flight notifications. The socket is already closed.
func shutdown(ctx context.Context, server *http.Server) error {
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (l *Listener) stop(server *http.Server) {
	l.stream.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx, server); err != nil {
		l.logger.Warn().Err(err).Msg("notification server shutdown")
		return
	}
	l.logger.Info().Msg("notification server stopped")
}

// lookup returns the receiver for deviceID.
func (l *Listener) lookup(deviceID string) (Receiver, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.clients[deviceID]
	return r, ok
}

// snapshot copies the routing table so callers can iterate without holding
// the lock.
func (l *Listener) snapshot() map[string]Receiver {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clients := make(map[string]Receiver, len(l.clients))
	for id, r := range l.clients {
		clients[id] = r
	}
	return clients
}

func (l *Listener) callbackHost(addressHint string) (string, error) {
	if l.cfg.AdvertiseAddress != "" {
		return l.cfg.AdvertiseAddress, nil
	}
	return localAddressFor(addressHint)
}

// localAddressFor returns the local IP of the interface that routes to
// addressHint. No packet is sent.
func localAddressFor(addressHint string) (string, error) {
	if addressHint == "" {
		return "", errors.New("listener: no advertise address and no device address")
	}
	conn, err := net.Dial("udp", net.JoinHostPort(addressHint, "1400"))
	if err != nil {
		return "", fmt.Errorf("listener: find local address for %s: %w", addressHint, err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
