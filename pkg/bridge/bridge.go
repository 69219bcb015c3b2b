// Copyright 2024-2026 Aiku AI

// Package bridge implements the Matrix side of the Google Chat bridge:
// portals, ghosts, user sessions, encryption and command handling.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/sqlstatestore"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// ClientFactory builds the Google Chat client for a logged-in user.
// The bridge owns retry policy and ordering; the client owns the wire.
type ClientFactory func(user *User) gchat.Client

// Bridge is the top-level wiring of all bridge components.
type Bridge struct {
	Config *Config
	Log    zerolog.Logger
	DB     *database.Database

	AS             *appservice.AppService
	Bot            *Bot
	EventProcessor *appservice.EventProcessor
	StateStore     *sqlstatestore.SQLStateStore
	Crypto         Crypto
	Matrix         *MatrixHandler
	Commands       *CommandProcessor
	Provisioning   *ProvisioningAPI

	newClient ClientFactory

	usersLock   sync.Mutex
	usersByMXID map[id.UserID]*User
	usersByGCID map[gchat.UserID]*User

	puppetsLock         sync.Mutex
	puppetsByGCID       map[gchat.UserID]*Puppet
	puppetsByCustomMXID map[id.UserID]*Puppet

	portalsLock   sync.Mutex
	portalsByKey  map[database.PortalKey]*Portal
	portalsByMXID map[id.RoomID]*Portal
}

// Bot is the bridge bot's intent plus room bootstrap helpers.
type Bot struct {
	*appservice.IntentAPI
	bridge *Bridge
}

// New assembles a bridge from its configuration, database connection
// and appservice registration. Start must be called before use.
func New(cfg *Config, log zerolog.Logger, rawDB *dbutil.Database, reg *appservice.Registration, clientFactory ClientFactory) (*Bridge, error) {
	br := &Bridge{
		Config:              cfg,
		Log:                 log,
		DB:                  database.New(rawDB),
		newClient:           clientFactory,
		usersByMXID:         make(map[id.UserID]*User),
		usersByGCID:         make(map[gchat.UserID]*User),
		puppetsByGCID:       make(map[gchat.UserID]*Puppet),
		puppetsByCustomMXID: make(map[id.UserID]*Puppet),
		portalsByKey:        make(map[database.PortalKey]*Portal),
		portalsByMXID:       make(map[id.RoomID]*Portal),
	}

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.AppService.Hostname,
		Port:     cfg.AppService.Port,
	}
	as.Registration = reg
	as.DoublePuppetValue = "mautrix-googlechat"
	br.AS = as

	br.StateStore = sqlstatestore.NewSQLStateStore(
		rawDB,
		dbutil.ZeroLogger(log.With().Str("component", "statestore").Logger()),
		false,
	)
	as.StateStore = br.StateStore

	br.Bot = &Bot{IntentAPI: as.BotIntent(), bridge: br}
	br.EventProcessor = appservice.NewEventProcessor(as)
	br.Matrix = newMatrixHandler(br)
	br.Commands = newCommandProcessor(br)
	if cfg.Bridge.Encryption.Allow {
		helper, err := newCryptoHelper(br)
		if err != nil {
			return nil, err
		}
		br.Crypto = helper
	}
	if cfg.Provisioning.Enabled {
		br.Provisioning = newProvisioningAPI(br)
	}
	return br, nil
}

// Start brings the bridge online: migrates storage, starts the
// appservice transaction listener and reconnects logged-in users.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	if err := br.StateStore.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade state store: %w", err)
	}
	if err := br.Bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}
	if br.Config.AppService.BotAvatar != "" {
		if mxc, err := id.ParseContentURI(br.Config.AppService.BotAvatar); err != nil {
			br.Log.Warn().Err(err).Msg("Invalid bot avatar URL in config")
		} else if err = br.Bot.SetAvatarURL(ctx, mxc); err != nil {
			br.Log.Warn().Err(err).Msg("Failed to set bot avatar")
		}
	}
	if br.Crypto != nil {
		if err := br.Crypto.Start(ctx); err != nil {
			return fmt.Errorf("failed to start encryption: %w", err)
		}
	}
	go br.AS.Start()
	br.EventProcessor.Start(ctx)
	br.startCustomMXIDs(ctx)
	br.connectLoggedInUsers(ctx)
	if br.Provisioning != nil {
		if err := br.Provisioning.Start(); err != nil {
			return fmt.Errorf("failed to start provisioning API: %w", err)
		}
	}
	br.Log.Info().Msg("Bridge started")
	return nil
}

func (br *Bridge) connectLoggedInUsers(ctx context.Context) {
	dbUsers, err := br.DB.User.GetAllLoggedIn(ctx)
	if err != nil {
		br.Log.Err(err).Msg("Failed to get logged-in users")
		return
	}
	br.usersLock.Lock()
	users := make([]*User, 0, len(dbUsers))
	for _, dbUser := range dbUsers {
		user, ok := br.usersByMXID[dbUser.MXID]
		if !ok {
			user = br.loadUser(dbUser, nil)
		}
		if user != nil {
			users = append(users, user)
		}
	}
	br.usersLock.Unlock()
	for _, user := range users {
		user.Connect()
	}
	br.Log.Debug().Int("user_count", len(users)).Msg("Reconnecting logged-in users")
}

// Stop shuts the bridge down in dependency order: remote sessions
// first, then portal queues, then the Matrix side.
func (br *Bridge) Stop() {
	br.usersLock.Lock()
	users := make([]*User, 0, len(br.usersByMXID))
	for _, user := range br.usersByMXID {
		users = append(users, user)
	}
	br.usersLock.Unlock()
	for _, user := range users {
		user.Disconnect()
	}
	br.portalsLock.Lock()
	for _, portal := range br.portalsByKey {
		portal.stopEventLoop()
	}
	br.portalsLock.Unlock()
	if br.Provisioning != nil {
		br.Provisioning.Stop()
	}
	if br.Crypto != nil {
		br.Crypto.Stop()
	}
	br.EventProcessor.Stop()
	br.AS.Stop()
	br.Log.Info().Msg("Bridge stopped")
}

// CreateNoticeRoom creates a management DM between the bot and a user.
func (bot *Bot) CreateNoticeRoom(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	resp, err := bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		IsDirect:   true,
		Invite:     []id.UserID{userID},
		Name:       "Google Chat Bridge",
		Topic:      "Management room for the Google Chat bridge",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// CreateSpace creates the user's personal space that collects their
// portal rooms.
func (bot *Bot) CreateSpace(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	resp, err := bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:   "private",
		Name:         "Google Chat",
		Topic:        "Your Google Chat bridged chats",
		Invite:       []id.UserID{userID},
		CreationContent: map[string]any{
			"type": event.RoomTypeSpace,
		},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{
				bot.UserID: 9001,
				userID:     50,
			},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// reuploadAvatar copies a remote avatar into the content repository.
func (br *Bridge) reuploadAvatar(ctx context.Context, intent *appservice.IntentAPI, url string) (id.ContentURI, error) {
	resp, err := intent.UploadLink(ctx, url)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}
