package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	beacon "github.com/beaconhq/go-client-sdk"
	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

func main() {
	configPath := os.Getenv("BEACON_CONFIG")
	if configPath == "" {
		configPath = "~/.beacon/dashboard.toml"
	}

	log := util.InitLogger("info", "console")

	options, err := beacon.LoadOptionsFile(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load options")
	}
	if options.LogFormat == "" {
		options.LogFormat = "console"
	}

	events := make(chan api.ClientEvent, 64)
	options.ClientEventHandler = events

	client, err := beacon.NewClient(options)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}

	go func() {
		for ev := range events {
			log.Info().Str("type", string(ev.EventType)).Str("status", ev.Status).Interface("data", ev.EventData).Msg("client event")
		}
	}()

	if access := os.Getenv("BEACON_ACCESS_TOKEN"); access != "" {
		pair := beacon.CredentialPair{AccessToken: access, RefreshToken: os.Getenv("BEACON_REFRESH_TOKEN")}
		if err := client.SignIn(context.Background(), pair); err != nil {
			log.Fatal().Err(err).Msg("Failed to sign in")
		}
	}

	client.OnUnauthenticated(func() {
		log.Warn().Msg("Session ended, sign in again to keep receiving events")
	})

	for _, eventType := range api.EventTypes {
		client.SubscribeFunc(eventType, func(e beacon.Envelope) {
			log.Info().
				Str("event", string(e.EventType)).
				Time("at", e.Timestamp).
				RawJSON("payload", e.Payload).
				Msg("push event")
		})
	}

	if err := client.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}

	if err := client.Send(map[string]string{"action": "hello", "client": "dashboard"}); err != nil {
		log.Warn().Err(err).Msg("Failed to queue hello frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	var alerts []map[string]interface{}
	if err := client.Get(ctx, "/v1/alerts", &alerts); err != nil {
		log.Warn().Err(err).Msg("Failed to fetch open alerts")
	} else {
		log.Info().Int("count", len(alerts)).Msg("open alerts")
	}
	cancel()

	// SIGHUP stands in for the window becoming visible again.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		if sig == syscall.SIGHUP {
			client.NotifyVisible()
			stats := client.Stats()
			log.Info().
				Str("state", stats.State.String()).
				Str("auth", stats.AuthState.String()).
				Int("pending", stats.PendingSends).
				Int64("dropped", stats.DroppedSends).
				Msg("stats")
			continue
		}
		break
	}

	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close client")
	}
}
