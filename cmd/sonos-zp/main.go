package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
	"github.com/strefethen/sonos-zp-go/internal/config"
	"github.com/strefethen/sonos-zp-go/internal/logging"
	"github.com/strefethen/sonos-zp-go/internal/sonos/events"
	"github.com/strefethen/sonos-zp-go/internal/sonos/zoneplayer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, logging.Format(cfg.LogFormat))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Devices) == 0 {
		logger.Fatal().Msg("no devices configured (SONOS_ZP_DEVICES or devices in SONOS_ZP_CONFIG)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener := events.NewListener(events.ListenerConfig{
		BindAddress:      cfg.ListenHost,
		Port:             cfg.ListenPort,
		AdvertiseAddress: cfg.AdvertiseAddress,
		MaxBodyBytes:     int64(cfg.MaxNotifyBodyBytes),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, device := range cfg.Devices {
		g.Go(func() error {
			run(gctx, cfg, device, listener, logger)
			return nil
		})
	}

	logger.Info().Int("devices", len(cfg.Devices)).Msg("sonos-zp started")
	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := listener.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("listener shutdown")
	}
	logger.Info().Msg("sonos-zp stopped")
}

// run owns one device client until ctx is done. Players may be asleep or
// rebooting at startup, so Init is retried until it succeeds.
func run(ctx context.Context, cfg config.Config, device config.Device, listener *events.Listener, logger zerolog.Logger) {
	log := logger.With().Str("host", device.Host).Logger()

	client := zoneplayer.New(zoneplayer.Options{
		Host:                device.Host,
		ExpectedID:          device.ID,
		Listener:            listener,
		RequestTimeout:      cfg.RequestTimeout(),
		SubscriptionTimeout: cfg.SubscriptionTimeout(),
		TopologyTimeout:     cfg.TopologyTimeout(),
		RenewalRetryDelay:   cfg.RenewalRetryDelay(),
		MessageBuffer:       cfg.MessageBuffer,
		Logger:              logger,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Messages() {
			logMessage(log, msg)
		}
	}()
	// Close ends the Messages channel, so it must run before waiting on done.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
		<-done
	}()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := client.Init(ctx)
		var mismatch *apperrors.IdentityMismatchError
		if errors.As(err, &mismatch) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(retry, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("init failed")
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("giving up on device")
		}
		return
	}

	for _, path := range cfg.Subscriptions {
		if err := client.Subscribe(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("subscribe failed")
		}
	}

	<-ctx.Done()
}

func logMessage(log zerolog.Logger, msg zoneplayer.Message) {
	if msg.Kind == zoneplayer.MessageError {
		log.Error().Err(msg.Err).Str("device_id", msg.DeviceID).Msg("device error")
		return
	}

	entry := log.Info()
	if msg.Kind == zoneplayer.MessageEvent {
		entry = log.Debug()
	}
	entry = entry.Str("kind", msg.Kind.String()).Str("device_id", msg.DeviceID)

	switch msg.Kind {
	case zoneplayer.MessageEvent:
		entry.Str("device", msg.Device).Str("service", msg.Service).Interface("body", msg.Body).Msg("event")
	case zoneplayer.MessageTopology:
		for _, zone := range msg.Topology.Zones() {
			log.Debug().Str("zone", zone.Name).Str("master", zone.ID).
				Int("slaves", len(zone.Slaves)).Int("satellites", len(zone.Satellites)).Msg("zone")
		}
		entry.Int("zones", len(msg.Topology.Zones())).Msg("topology")
	case zoneplayer.MessageRebooted:
		entry.Int64("boot_seq", msg.BootSeq).Int64("previous_boot_seq", msg.PreviousBootSeq).Msg("rebooted")
	case zoneplayer.MessageAddressChanged:
		entry.Str("address", msg.Address).Str("previous_address", msg.PreviousAddress).Msg("address changed")
	}
}
