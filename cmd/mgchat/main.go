// main.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/connector"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
)

var configPath = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
var writeExample = flag.MakeFull("e", "generate-example-config", "Print the example config and exit.", "false").Bool()
var connectTimeout = flag.MakeFull("t", "connect-timeout", "Seconds to wait for the first connection.", "120").Int()
var wantHelp, _ = flag.MakeHelpFlag()

func eventLogger(log zerolog.Logger, exhausted chan<- struct{}) func(events.Event) {
	return func(evt events.Event) {
		switch e := evt.(type) {
		case *events.Message:
			log.Info().
				Str("kind", "message").
				Str("message_id", e.MessageID).
				Str("thread_id", e.ThreadID).
				Str("sender_id", e.SenderID).
				Str("type", string(e.Type)).
				Int64("timestamp", e.Timestamp).
				Msg(e.Body)
		case *events.ConnectionStateChanged:
			logEvt := log.Info().Str("kind", "system")
			if e.Current == events.StateConnected {
				logEvt = log.Info().Str("kind", "success")
			}
			logEvt.Err(e.Err).
				Stringer("previous", e.Previous).
				Int("attempts", e.Attempts).
				Msg("Connection " + e.Current.String())
		case *events.ReconnectExhausted:
			log.Error().Err(e.LastErr).Int("attempts", e.Attempts).Msg("Gave up reconnecting")
			select {
			case exhausted <- struct{}{}:
			default:
			}
		default:
			log.Debug().Type("event", evt).Any("data", evt).Msg("Event")
		}
	}
}

func main() {
	flag.SetHelpTitles(
		"mgchat - headless realtime sync client.",
		"mgchat [-he] [-c <path>] [-t <seconds>]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *writeExample {
		fmt.Print(connector.ExampleConfig)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfigFile(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(3)
	}
	ctx := log.WithContext(context.Background())

	c, err := connector.New(ctx, cfg, *log)
	if errors.Is(err, connector.ErrNoSession) {
		log.Fatal().Msg("No stored session, set appstate in the config to import browser cookies")
	} else if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	exhausted := make(chan struct{}, 1)
	c.AddEventHandler(eventLogger(*log, exhausted))

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(*connectTimeout)*time.Second)
	err = c.Start(connectCtx)
	cancel()
	if err != nil {
		c.Stop()
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	log.Info().Str("kind", "success").Str("user_id", c.Creds.UserID).Msg("Running, press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-sig:
		log.Info().Str("kind", "system").Msg("Interrupt received, stopping")
	case <-exhausted:
		exitCode = 4
	}
	c.Stop()
	os.Exit(exitCode)
}
