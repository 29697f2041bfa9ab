package zoneplayer

import (
	"context"
	"time"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/sonos/soap"
)

// LoadTopology fetches the zone group state. Players that have just booted
// answer GetZoneGroupState with HTTP 500; the state is then taken from the
// first ZoneGroupTopology event of a temporary subscription.
func (c *Client) LoadTopology(ctx context.Context) (*Topology, error) {
	result, err := c.Post(ctx, soap.DeviceRoot, soap.ServiceZoneGroupTopology, "GetZoneGroupState")
	if err == nil {
		topology, err := ParseTopology(result)
		if err != nil {
			return nil, err
		}
		c.applyTopology(topology)
		return topology, nil
	}
	if !apperrors.IsServerError(err) {
		return nil, err
	}

	c.logger.Info().Err(err).Msg("zone group state unavailable, waiting for topology event")
	return c.topologyFromEvent(ctx)
}

func (c *Client) topologyFromEvent(ctx context.Context) (*Topology, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TopologyTimeout)
	defer cancel()

	waiter := make(chan *Topology, 1)
	c.mu.Lock()
	c.topologyWaiter = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.topologyWaiter == waiter {
			c.topologyWaiter = nil
		}
		c.mu.Unlock()
	}()

	path := soap.EventPath(soap.DeviceRoot, soap.ServiceZoneGroupTopology)
	c.mu.RLock()
	_, alreadySubscribed := c.subscriptions[path]
	c.mu.RUnlock()

	if !alreadySubscribed {
		if err := c.Subscribe(ctx, path); err != nil {
			return nil, err
		}
		defer func() {
			// The caller's context may already be done; the unsubscribe
			// still goes out.
			unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RequestTimeout)
			defer cancel()
			if err := c.Unsubscribe(unsubCtx, path); err != nil {
				c.logger.Warn().Err(err).Str("path", path).Msg("temporary topology subscription not removed")
			}
		}()
	}

	select {
	case topology := <-waiter:
		return topology, nil
	case <-ctx.Done():
		return nil, &apperrors.TimeoutError{Op: "wait for topology event", Err: ctx.Err()}
	}
}

// applyTopology replaces the topology wholesale, wakes a pending fallback
// wait and checks this device's own record for reboots and moves.
func (c *Client) applyTopology(topology *Topology) {
	c.mu.Lock()
	c.topology = topology
	waiter := c.topologyWaiter
	own, found := topology.Record(c.info.ID)
	if found {
		c.info.Role = own.Role
		c.info.ZoneID = own.ZoneID
		c.info.Channel = own.Channel
		if own.Name != "" {
			c.info.ZoneName = own.Name
		}
	}
	c.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- topology:
		default:
		}
	}

	c.emit(Message{Kind: MessageTopology, Topology: topology, At: time.Now()})

	if found {
		c.observe(own.Address, own.BootSeq)
	}
}
