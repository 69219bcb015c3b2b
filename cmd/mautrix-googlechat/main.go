// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-googlechat is a Matrix-Google Chat puppeting bridge.
// It mirrors conversations in both directions, creating Matrix rooms
// for Google Chat conversations and ghost users for their participants.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-googlechat/pkg/bridge"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "mautrix-googlechat",
		Usage:   "A Matrix-Google Chat puppeting bridge",
		Version: fmt.Sprintf("0.1.0 (%s, built %s)", Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to the config file",
			},
			&cli.StringFlag{
				Name:    "registration",
				Aliases: []string{"r"},
				Value:   "registration.yaml",
				Usage:   "Path to the appservice registration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "generate-config",
				Usage:  "Write the example config file and exit",
				Action: generateConfig,
			},
			{
				Name:   "generate-registration",
				Usage:  "Generate the appservice registration file from the config",
				Action: generateRegistration,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generateConfig(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := bridge.WriteExampleConfig(path); err != nil {
		return err
	}
	fmt.Println("Wrote example config to", path)
	return nil
}

func generateRegistration(c *cli.Context) error {
	cfg, err := bridge.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.BotUsername
	if cfg.AppService.ASToken != "" {
		reg.AppToken = cfg.AppService.ASToken
	}
	if cfg.AppService.HSToken != "" {
		reg.ServerToken = cfg.AppService.HSToken
	}
	userIDRegex := regexp.MustCompile(fmt.Sprintf(
		"^@%s:%s$",
		cfg.Bridge.FormatUsername(".+"),
		regexp.QuoteMeta(cfg.Homeserver.Domain),
	))
	reg.Namespaces.UserIDs.Register(userIDRegex, true)
	if err = reg.Save(c.String("registration")); err != nil {
		return err
	}
	fmt.Println("Wrote registration to", c.String("registration"))
	if cfg.AppService.ASToken == "" || cfg.AppService.HSToken == "" {
		fmt.Println("Copy the as_token and hs_token values into the appservice section of the config.")
	}
	return nil
}

func makeLogger(cfg *bridge.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.MinLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Logging.MinLevel, err)
	}
	var log zerolog.Logger
	if cfg.Logging.Writers == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	} else {
		log = zerolog.New(os.Stdout)
	}
	log = log.With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)
	return log, nil
}

func run(c *cli.Context) error {
	cfg, err := bridge.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	log, err := makeLogger(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing mautrix-googlechat")

	reg, err := appservice.LoadRegistration(c.String("registration"))
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}
	db, err := dbutil.NewFromConfig("mautrix-googlechat", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         cfg.Database.Type,
			URI:          cfg.Database.URI,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		},
	}, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	clientLog := log.With().Str("component", "gchat").Logger()
	br, err := bridge.New(cfg, log, db, reg, func(user *bridge.User) gchat.Client {
		return gchat.NewClient(gchat.ClientConfig{
			OAuthClientID:     cfg.GoogleChat.OAuthClientID,
			OAuthClientSecret: cfg.GoogleChat.OAuthClientSecret,
			RefreshToken:      user.RefreshToken,
			PollInterval:      time.Duration(cfg.GoogleChat.PollInterval),
			Logger:            clientLog.With().Stringer("user_mxid", user.MXID).Logger(),
		})
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = br.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Stringer("signal", sig).Msg("Shutting down")
	cancel()
	br.Stop()
	return nil
}
