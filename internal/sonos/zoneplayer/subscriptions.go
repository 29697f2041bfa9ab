package zoneplayer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/events"
)

// renewalMargin is how long before expiry a subscription is renewed.
const renewalMargin = 30 * time.Second

// subscription is one GENA subscription, keyed by resource path. It owns at
// most one renewal timer.
type subscription struct {
	path    string
	sid     string
	timeout time.Duration
	timer   *time.Timer
	// gen identifies the current timer so a stale firing is ignored.
	gen uint64
}

func (s *subscription) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// errSuperseded means the subscription a grant was requested for was
// unsubscribed or replaced while the request was in flight.
var errSuperseded = errors.New("zoneplayer: subscription superseded")

// Subscribe subscribes to path, e.g. /MediaRenderer/AVTransport/Event. An
// existing subscription for the path is renewed with its SID instead; if
// the device has forgotten it a new one is made.
func (c *Client) Subscribe(ctx context.Context, path string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	callback, err := c.register()
	if err != nil {
		return &apperrors.SubscriptionError{Op: "subscribe", Path: path, Err: err}
	}

	c.mu.Lock()
	sub := c.subscriptions[path]
	var sid string
	var gen uint64
	if sub != nil {
		sub.stopTimer()
		sid, gen = sub.sid, sub.gen
	}
	c.mu.Unlock()

	grant, err := c.requestGrant(ctx, path, sid, callback+path)
	if err != nil {
		return err
	}
	err = c.store(path, sub, gen, grant)
	if errors.Is(err, errSuperseded) {
		c.logger.Debug().Str("path", path).Str("sid", grant.SID).Msg("concurrent subscription change, grant discarded")
		return nil
	}
	return err
}

// refresh re-establishes the subscription for path on behalf of whoever
// owns generation gen: a renewal timer or reboot handling. It never
// creates an entry.
func (c *Client) refresh(ctx context.Context, path string, gen uint64) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[path]
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !ok || sub.gen != gen {
		c.mu.Unlock()
		return errSuperseded
	}
	// The timer that led here has fired.
	sub.timer = nil
	sid := sub.sid
	c.mu.Unlock()

	callback, err := c.register()
	if err != nil {
		return &apperrors.SubscriptionError{Op: "subscribe", Path: path, Err: err}
	}
	grant, err := c.requestGrant(ctx, path, sid, callback+path)
	if err != nil {
		return err
	}
	return c.store(path, sub, gen, grant)
}

// store records grant for path. expected is the entry the request was made
// for (nil for a first subscription) and gen its generation at that time.
// A grant that no longer matches the table is released on the device
// unless it is the SID the table already holds.
func (c *Client) store(path string, expected *subscription, gen uint64, grant events.Grant) error {
	c.mu.Lock()
	if c.state == StateClosed {
		base := c.baseURLLocked()
		c.mu.Unlock()
		c.discard(base, path, grant.SID)
		return ErrClosed
	}

	sub, ok := c.subscriptions[path]
	switch {
	case !ok && expected == nil:
		sub = &subscription{path: path}
		c.subscriptions[path] = sub
	case !ok || sub != expected || sub.gen != gen:
		keep := ok && sub.sid == grant.SID
		base := c.baseURLLocked()
		c.mu.Unlock()
		if !keep {
			c.discard(base, path, grant.SID)
		}
		return errSuperseded
	}

	sub.stopTimer()
	sub.sid = grant.SID
	sub.timeout = grant.Timeout
	c.scheduleLocked(sub)
	c.mu.Unlock()

	c.logger.Debug().Str("path", path).Str("sid", grant.SID).Dur("timeout", grant.Timeout).Msg("subscribed")
	return nil
}

// discard drops an unwanted grant on the device. Failures are only logged.
func (c *Client) discard(base, path, sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.unsubscribeRemote(ctx, base, path, sid); err != nil {
		c.logger.Debug().Err(err).Str("path", path).Str("sid", sid).Msg("discarded subscription not released")
	}
}

// requestGrant renews sid when set, falling back to a new subscription
// when the device answers 412.
func (c *Client) requestGrant(ctx context.Context, path, sid, callback string) (events.Grant, error) {
	if err := c.acquire(ctx); err != nil {
		return events.Grant{}, &apperrors.SubscriptionError{Op: "subscribe", Path: path, Err: err}
	}
	defer c.release()

	base := c.baseURL()
	if sid != "" {
		grant, err := c.subs.Renew(ctx, base, path, sid, c.opts.SubscriptionTimeout)
		if err == nil {
			c.touch()
			return grant, nil
		}
		if !errors.Is(err, events.ErrSubscriptionExpired) {
			return events.Grant{}, err
		}
		c.logger.Debug().Str("path", path).Str("sid", sid).Msg("subscription expired on device, subscribing again")
	}

	grant, err := c.subs.Subscribe(ctx, base, path, callback, c.opts.SubscriptionTimeout)
	if err != nil {
		return events.Grant{}, err
	}
	c.touch()
	return grant, nil
}

func (c *Client) scheduleLocked(sub *subscription) {
	delay := sub.timeout - renewalMargin
	if delay < 0 {
		delay = 0
	}
	gen := sub.gen
	path := sub.path
	sub.timer = time.AfterFunc(delay, func() {
		c.renew(path, gen)
	})
}

// renew refreshes a subscription when its timer fires. A failed renewal is
// retried exactly once; a second failure is reported as a MessageError and
// the subscription is left in place without a timer. Unsubscribing in the
// meantime ends the attempt.
func (c *Client) renew(path string, gen uint64) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RenewalRetryDelay), 1),
		c.ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.refresh(c.ctx, path, gen)
		if errors.Is(err, ErrClosed) || errors.Is(err, errSuperseded) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("subscription renewal failed")
		}
		return err
	}, policy)

	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, errSuperseded) && c.ctx.Err() == nil {
		c.emit(Message{Kind: MessageError, Err: err})
	}
}

// Unsubscribe cancels the renewal timer, forgets the subscription and
// tells the device. The entry is removed even if the device call fails.
func (c *Client) Unsubscribe(ctx context.Context, path string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[path]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	sub.stopTimer()
	delete(c.subscriptions, path)
	sid := sub.sid
	base := c.baseURLLocked()
	c.mu.Unlock()

	if sid == "" {
		return nil
	}
	return c.unsubscribeRemote(ctx, base, path, sid)
}

func (c *Client) unsubscribeRemote(ctx context.Context, base, path, sid string) error {
	if err := c.acquire(ctx); err != nil {
		return &apperrors.SubscriptionError{Op: "unsubscribe", Path: path, Err: err}
	}
	defer c.release()
	return c.subs.Unsubscribe(ctx, base, path, sid)
}

// SubscriptionPaths lists the subscribed resource paths, sorted.
func (c *Client) SubscriptionPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptionPathsLocked()
}

func (c *Client) subscriptionPathsLocked() []string {
	paths := make([]string, 0, len(c.subscriptions))
	for path := range c.subscriptions {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// SubscriptionID returns the SID stored for path.
func (c *Client) SubscriptionID(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subscriptions[path]
	if !ok || sub.sid == "" {
		return "", false
	}
	return sub.sid, true
}

// pendingRenewals counts subscriptions with a live renewal timer.
func (c *Client) pendingRenewals() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, sub := range c.subscriptions {
		if sub.timer != nil {
			n++
		}
	}
	return n
}

// pending is a path awaiting re-subscription and the generation that
// entitles the attempt.
type pending struct {
	path string
	gen  uint64
}

// invalidateLocked drops every SID and timer after a reboot and returns the
// paths that were active.
func (c *Client) invalidateLocked() []pending {
	paths := c.subscriptionPathsLocked()
	out := make([]pending, 0, len(paths))
	for _, path := range paths {
		sub := c.subscriptions[path]
		sub.stopTimer()
		sub.sid = ""
		out = append(out, pending{path: path, gen: sub.gen})
	}
	return out
}

// resubscribe subscribes paths again with fresh SIDs. Paths unsubscribed
// or subscribed anew in the meantime are skipped.
func (c *Client) resubscribe(paths []pending) {
	for _, p := range paths {
		err := c.refresh(c.ctx, p.path, p.gen)
		switch {
		case err == nil, errors.Is(err, errSuperseded):
		case errors.Is(err, ErrClosed) || c.ctx.Err() != nil:
			return
		default:
			c.logger.Warn().Err(err).Str("path", p.path).Msg("resubscribe after reboot failed")
			c.emit(Message{Kind: MessageError, Err: err})
		}
	}
}

// register adds the client to the listener on first use and returns its
// callback URL prefix.
func (c *Client) register() (string, error) {
	c.mu.RLock()
	callback, id, host := c.callbackURL, c.info.ID, c.host
	c.mu.RUnlock()
	if callback != "" {
		return callback, nil
	}
	if c.opts.Listener == nil {
		return "", ErrNoListener
	}
	if id == "" {
		return "", ErrNotInitialized
	}

	callback, err := c.opts.Listener.AddClient(id, host, c)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.opts.Listener.RemoveClient(id)
		return "", ErrClosed
	}
	c.callbackURL = callback
	c.mu.Unlock()
	return callback, nil
}
