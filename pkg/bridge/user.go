// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// ConnectionState describes a user's link to Google Chat.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
)

// User is a Matrix user who may have a Google Chat session. All
// connection lifecycle transitions go through connLock.
type User struct {
	*database.User
	bridge *Bridge
	log    zerolog.Logger

	Client gchat.Client

	connLock   sync.Mutex
	connState  ConnectionState
	connCancel context.CancelFunc
	attempts   int

	// sendLock serializes outbound message sends for this user across
	// all conversations, so acks are observed in order.
	sendLock sync.Mutex

	spaceCreateLock sync.Mutex
}

func (br *Bridge) loadUser(dbUser *database.User, mxid *id.UserID) *User {
	if dbUser == nil {
		if mxid == nil {
			return nil
		}
		dbUser = br.DB.User.New()
		dbUser.MXID = *mxid
		dbUser.RelayEnabled = br.Config.Bridge.DefaultRelayMode
		if err := dbUser.Insert(context.TODO()); err != nil {
			br.Log.Err(err).Stringer("mxid", *mxid).Msg("Failed to insert new user")
			return nil
		}
	}
	user := &User{
		User:      dbUser,
		bridge:    br,
		log:       br.Log.With().Str("component", "user").Stringer("mxid", dbUser.MXID).Logger(),
		connState: StateDisconnected,
	}
	br.usersByMXID[user.MXID] = user
	if user.GCID != "" {
		br.usersByGCID[user.GCID] = user
	}
	return user
}

// GetUserByMXID returns the user for the given Matrix ID, creating a
// row on first sight. Ghost and bot MXIDs return nil.
func (br *Bridge) GetUserByMXID(mxid id.UserID) *User {
	if mxid == br.Bot.UserID {
		return nil
	} else if _, isGhost := br.Config.Bridge.ParseUsername(mxid, br.Config.Homeserver.Domain); isGhost {
		return nil
	}
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	user, ok := br.usersByMXID[mxid]
	if !ok {
		dbUser, err := br.DB.User.GetByMXID(context.TODO(), mxid)
		if err != nil {
			br.Log.Err(err).Stringer("mxid", mxid).Msg("Failed to get user from database")
			return nil
		}
		return br.loadUser(dbUser, &mxid)
	}
	return user
}

// GetUserByGCID returns the logged-in user owning the given Google
// Chat account, or nil.
func (br *Bridge) GetUserByGCID(gcid gchat.UserID) *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	user, ok := br.usersByGCID[gcid]
	if !ok {
		dbUser, err := br.DB.User.GetByGCID(context.TODO(), gcid)
		if err != nil {
			br.Log.Err(err).Str("gcid", string(gcid)).Msg("Failed to get user from database")
			return nil
		}
		return br.loadUser(dbUser, nil)
	}
	return user
}

// IsLoggedIn reports whether the user has Google Chat credentials.
func (user *User) IsLoggedIn() bool {
	return user.GCID != "" && user.RefreshToken != ""
}

// State returns the current connection state.
func (user *User) State() ConnectionState {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	return user.connState
}

func (user *User) setState(state ConnectionState) {
	user.connLock.Lock()
	prev := user.connState
	user.connState = state
	user.connLock.Unlock()
	if prev != state {
		user.log.Debug().
			Str("previous", string(prev)).
			Str("current", string(state)).
			Msg("Connection state changed")
	}
}

// Login stores fresh credentials and brings the session up.
func (user *User) Login(ctx context.Context, gcid gchat.UserID, refreshToken string) error {
	user.GCID = gcid
	user.RefreshToken = refreshToken
	if err := user.Update(ctx); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	user.bridge.usersLock.Lock()
	user.bridge.usersByGCID[gcid] = user
	user.bridge.usersLock.Unlock()
	user.Connect()
	return nil
}

// Logout tears down the session and clears credentials. Portal rooms
// are left in place.
func (user *User) Logout(ctx context.Context) error {
	user.Disconnect()
	user.bridge.usersLock.Lock()
	delete(user.bridge.usersByGCID, user.GCID)
	user.bridge.usersLock.Unlock()
	user.GCID = ""
	user.RefreshToken = ""
	if err := user.Update(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Connect starts the event stream in the background. Safe to call
// when already connected; the existing stream is kept.
func (user *User) Connect() {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	if user.connState == StateConnecting || user.connState == StateConnected {
		return
	}
	if !user.IsLoggedIn() {
		return
	}
	if user.Client == nil {
		user.Client = user.bridge.newClient(user)
	}
	ctx, cancel := context.WithCancel(context.Background())
	user.connCancel = cancel
	user.connState = StateConnecting
	go user.connectLoop(ctx)
}

// Disconnect stops the event stream and any pending reconnect.
func (user *User) Disconnect() {
	user.connLock.Lock()
	cancel := user.connCancel
	user.connCancel = nil
	user.connState = StateDisconnected
	user.attempts = 0
	user.connLock.Unlock()
	if cancel != nil {
		cancel()
	}
	if user.Client != nil {
		user.Client.Disconnect()
	}
}

func (user *User) connectLoop(ctx context.Context) {
	for {
		events, err := user.Client.Connect(ctx)
		if err == nil {
			user.setState(StateConnected)
			user.connLock.Lock()
			user.attempts = 0
			user.connLock.Unlock()
			go user.syncAfterConnect(ctx)
			err = user.pumpEvents(ctx, events)
		}
		if ctx.Err() != nil {
			user.setState(StateDisconnected)
			return
		}
		if errors.Is(err, gchat.ErrAuthExpired) {
			err = user.tryRefreshTokens(ctx)
		}
		if errors.Is(err, gchat.ErrAuthExpired) {
			user.handleAuthExpired(ctx)
			return
		}
		user.setState(StateDegraded)
		wait := user.nextBackoff(err)
		user.log.Warn().Err(err).
			Dur("retry_in", wait).
			Msg("Connection lost, retrying")
		select {
		case <-ctx.Done():
			user.setState(StateDisconnected)
			return
		case <-time.After(wait):
		}
		user.setState(StateConnecting)
	}
}

// pumpEvents forwards stream events to the dispatcher until the
// channel closes or the stream reports an error.
func (user *User) pumpEvents(ctx context.Context, events <-chan gchat.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return gchat.ErrNotConnected
			}
			if state, isState := evt.(*gchat.StreamStateEvent); isState {
				if !state.Connected {
					return state.Err
				}
				continue
			}
			user.bridge.dispatchRemoteEvent(ctx, user, evt)
		}
	}
}

// nextBackoff computes the reconnect delay. Rate limit hints from the
// server override the exponential schedule.
func (user *User) nextBackoff(err error) time.Duration {
	var rateLimit *gchat.RateLimitError
	if errors.As(err, &rateLimit) && rateLimit.RetryAfter > 0 {
		return rateLimit.RetryAfter
	}
	user.connLock.Lock()
	attempt := user.attempts
	user.attempts++
	user.connLock.Unlock()
	cfg := user.bridge.Config.Bridge.Reconnect
	wait := time.Duration(cfg.MinBackoff) << attempt
	if wait > time.Duration(cfg.MaxBackoff) || wait <= 0 {
		wait = time.Duration(cfg.MaxBackoff)
	}
	// Up to 10% jitter so reconnecting users don't stampede.
	jitter := time.Duration(rand.Int64N(int64(wait)/10 + 1))
	return wait + jitter
}

func (user *User) tryRefreshTokens(ctx context.Context) error {
	tokens, err := user.Client.RefreshTokens(ctx)
	if err != nil {
		return err
	}
	user.RefreshToken = tokens.RefreshToken
	if err = user.Update(ctx); err != nil {
		user.log.Err(err).Msg("Failed to save refreshed tokens")
	}
	return nil
}

// handleAuthExpired stops reconnecting and tells the user to log in
// again. Credentials are kept so relaybot portals stay resolvable.
func (user *User) handleAuthExpired(ctx context.Context) {
	user.setState(StateDisconnected)
	user.log.Warn().Msg("Credentials expired, not reconnecting")
	user.sendBridgeNotice(ctx, "Your Google Chat login has expired. Use `%s login` to log in again.", user.bridge.Config.Bridge.CommandPrefix)
}

// syncAfterConnect reconciles conversations and fills messages missed
// while disconnected.
func (user *User) syncAfterConnect(ctx context.Context) {
	groups, err := user.Client.Sync(ctx)
	if err != nil {
		user.log.Err(err).Msg("Initial chat sync failed")
		return
	}
	user.log.Debug().Int("group_count", len(groups)).Msg("Synced chat list")
	for _, group := range groups {
		if ctx.Err() != nil {
			return
		}
		portal := user.bridge.GetPortalByGCID(group.ID, user.receiverFor(group.ID))
		if portal == nil {
			continue
		}
		portal.UpdateInfo(ctx, user, &group)
		if portal.MXID != "" && user.bridge.Config.Bridge.Backfill.Enabled {
			portal.enqueueBackfill(user, group.Revision)
		}
	}
	user.updateSpaces(ctx, groups)
}

func (user *User) receiverFor(groupID gchat.GroupID) gchat.UserID {
	if groupID.IsDM() {
		return user.GCID
	}
	return ""
}

// updateSpaces keeps the user's personal space room membership in sync
// with the conversation list.
func (user *User) updateSpaces(ctx context.Context, groups []gchat.Group) {
	spaceRoom := user.GetSpaceRoom(ctx)
	if spaceRoom == "" {
		return
	}
	for _, group := range groups {
		portal := user.bridge.GetPortalByGCID(group.ID, user.receiverFor(group.ID))
		if portal == nil || portal.MXID == "" {
			continue
		}
		portal.addToSpace(ctx, spaceRoom)
	}
}

// GetSpaceRoom returns the user's personal space room, creating it on
// first use.
func (user *User) GetSpaceRoom(ctx context.Context) id.RoomID {
	user.spaceCreateLock.Lock()
	defer user.spaceCreateLock.Unlock()
	if user.SpaceRoom != "" {
		return user.SpaceRoom
	}
	roomID, err := user.bridge.Bot.CreateSpace(ctx, user.MXID)
	if err != nil {
		user.log.Err(err).Msg("Failed to create space room")
		return ""
	}
	user.SpaceRoom = roomID
	if err = user.Update(ctx); err != nil {
		user.log.Err(err).Msg("Failed to save space room")
	}
	return user.SpaceRoom
}

// sendBridgeNotice posts a notice from the bridge bot to the user's
// management room, creating the room if needed.
func (user *User) sendBridgeNotice(ctx context.Context, format string, args ...any) {
	roomID := user.GetNoticeRoom(ctx)
	if roomID == "" {
		return
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf(format, args...),
	}
	if _, err := user.bridge.Bot.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		user.log.Err(err).Msg("Failed to send bridge notice")
	}
}

// GetNoticeRoom returns the user's management room, creating a DM with
// the bridge bot on first use.
func (user *User) GetNoticeRoom(ctx context.Context) id.RoomID {
	if user.NoticeRoom != "" {
		return user.NoticeRoom
	}
	roomID, err := user.bridge.Bot.CreateNoticeRoom(ctx, user.MXID)
	if err != nil {
		user.log.Err(err).Msg("Failed to create management room")
		return ""
	}
	user.NoticeRoom = roomID
	if err = user.Update(context.TODO()); err != nil {
		user.log.Err(err).Msg("Failed to save management room")
	}
	return user.NoticeRoom
}

// markManagementRoom records an existing room as the user's management
// room when they invite the bot to a DM.
func (user *User) markManagementRoom(ctx context.Context, roomID id.RoomID) {
	user.NoticeRoom = roomID
	if err := user.Update(ctx); err != nil {
		user.log.Err(err).Msg("Failed to save management room")
	}
}
