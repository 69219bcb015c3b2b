// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// Portal is a bridged conversation. All message handling for one
// conversation happens on its single event loop goroutine, so events
// are processed in arrival order.
type Portal struct {
	*database.Portal
	bridge *Bridge
	log    zerolog.Logger

	events chan portalEvent
	stop   chan struct{}
	stopOnce sync.Once

	roomCreateLock sync.Mutex
	backfillLock   sync.Mutex

	// recentMessages remembers recently bridged remote message IDs so
	// stream echoes and backfill overlap don't double-bridge.
	recentMessages *exsync.RingBuffer[gchat.MessageID, struct{}]
	// localIDs holds the client-generated IDs of in-flight outbound
	// sends, so their stream echoes are dropped.
	localIDs *exsync.Set[string]
	// editDedup remembers the newest edit timestamp bridged per
	// message, bounded the same way as recentMessages.
	editDedup *exsync.RingBuffer[gchat.MessageID, int64]
}

type portalEvent struct {
	user     *User
	remote   gchat.Event
	matrix   *event.Event
	backfill *backfillRequest
}

type backfillRequest struct {
	user     *User
	revision int64
	initial  bool
}

const recentMessageBufferSize = 100

func (br *Bridge) loadPortal(dbPortal *database.Portal, key *database.PortalKey) *Portal {
	if dbPortal == nil {
		if key == nil {
			return nil
		}
		dbPortal = br.DB.Portal.New()
		dbPortal.Key = *key
		dbPortal.RelayMode = br.Config.Bridge.DefaultRelayMode
		if err := dbPortal.Insert(context.TODO()); err != nil {
			br.Log.Err(err).Str("gcid", string(key.GCID)).Msg("Failed to insert new portal")
			return nil
		}
	}
	portal := &Portal{
		Portal: dbPortal,
		bridge: br,
		log: br.Log.With().
			Str("component", "portal").
			Str("gcid", string(dbPortal.Key.GCID)).
			Str("receiver", string(dbPortal.Key.Receiver)).
			Logger(),
		events:         make(chan portalEvent, br.Config.Bridge.PortalQueueSize),
		stop:           make(chan struct{}),
		recentMessages: exsync.NewRingBuffer[gchat.MessageID, struct{}](recentMessageBufferSize),
		localIDs:       exsync.NewSet[string](),
		editDedup:      exsync.NewRingBuffer[gchat.MessageID, int64](recentMessageBufferSize),
	}
	br.portalsByKey[portal.Key] = portal
	if portal.MXID != "" {
		br.portalsByMXID[portal.MXID] = portal
	}
	go portal.eventLoop()
	return portal
}

// GetPortalByGCID returns the portal for a conversation, creating the
// row on first sight. DM portals are scoped per receiver; space
// portals are shared and the receiver is cleared.
func (br *Bridge) GetPortalByGCID(gcid gchat.GroupID, receiver gchat.UserID) *Portal {
	key := database.NewPortalKey(gcid, receiver)
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	portal, ok := br.portalsByKey[key]
	if !ok {
		dbPortal, err := br.DB.Portal.GetByKey(context.TODO(), key)
		if err != nil {
			br.Log.Err(err).Str("gcid", string(gcid)).Msg("Failed to get portal from database")
			return nil
		}
		return br.loadPortal(dbPortal, &key)
	}
	return portal
}

// GetPortalByMXID returns the portal for the given room, or nil.
func (br *Bridge) GetPortalByMXID(mxid id.RoomID) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	portal, ok := br.portalsByMXID[mxid]
	if !ok {
		dbPortal, err := br.DB.Portal.GetByMXID(context.TODO(), mxid)
		if err != nil {
			br.Log.Err(err).Stringer("mxid", mxid).Msg("Failed to get portal from database")
			return nil
		}
		return br.loadPortal(dbPortal, nil)
	}
	return portal
}

// GetAllPortalsForUser returns the user's DM portals plus all space
// portals they participate in.
func (br *Bridge) GetAllPortalsForUser(ctx context.Context, receiver gchat.UserID) []*Portal {
	dbPortals, err := br.DB.Portal.GetAllForReceiver(ctx, receiver)
	if err != nil {
		br.Log.Err(err).Msg("Failed to get portals from database")
		return nil
	}
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()
	portals := make([]*Portal, 0, len(dbPortals))
	for _, dbPortal := range dbPortals {
		portal, ok := br.portalsByKey[dbPortal.Key]
		if !ok {
			portal = br.loadPortal(dbPortal, nil)
		}
		if portal != nil {
			portals = append(portals, portal)
		}
	}
	return portals
}

func (portal *Portal) eventLoop() {
	for {
		select {
		case <-portal.stop:
			return
		case evt := <-portal.events:
			portal.handleEvent(evt)
		}
	}
}

func (portal *Portal) handleEvent(evt portalEvent) {
	ctx := portal.log.WithContext(context.Background())
	switch {
	case evt.remote != nil:
		portal.handleRemoteEvent(ctx, evt.user, evt.remote)
	case evt.matrix != nil:
		portal.handleMatrixEvent(ctx, evt.user, evt.matrix)
	case evt.backfill != nil:
		portal.handleBackfill(ctx, evt.backfill)
	}
}

// enqueue adds an event to the portal's ordered queue, blocking when
// the queue is full.
func (portal *Portal) enqueue(evt portalEvent) {
	select {
	case portal.events <- evt:
	case <-portal.stop:
	}
}

func (portal *Portal) enqueueBackfill(user *User, revision int64) {
	portal.enqueue(portalEvent{backfill: &backfillRequest{user: user, revision: revision}})
}

func (portal *Portal) stopEventLoop() {
	portal.stopOnce.Do(func() {
		close(portal.stop)
	})
}

// markEditBridged records the newest bridged edit timestamp for a
// message, so the matching stream echo can be dropped.
func (portal *Portal) markEditBridged(id gchat.MessageID, ts int64) {
	if !portal.editDedup.Replace(id, ts) {
		portal.editDedup.Push(id, ts)
	}
}

// IsDM reports whether this portal bridges a direct message.
func (portal *Portal) IsDM() bool {
	return portal.Key.GCID.IsDM()
}

// MainIntent is the ghost that performs room-level actions: the other
// participant for DMs, the bridge bot for spaces.
func (portal *Portal) MainIntent() *appservice.IntentAPI {
	if portal.IsDM() && portal.OtherUserID != "" {
		if puppet := portal.bridge.GetPuppetByGCID(portal.OtherUserID); puppet != nil {
			return puppet.DefaultIntent()
		}
	}
	return portal.bridge.Bot.IntentAPI
}

// CreateMatrixRoom creates the Matrix room for this conversation.
// Safe to call concurrently; only one room is ever created.
func (portal *Portal) CreateMatrixRoom(ctx context.Context, user *User, info *gchat.Group) error {
	portal.roomCreateLock.Lock()
	defer portal.roomCreateLock.Unlock()
	if portal.MXID != "" {
		return nil
	}
	log := zerolog.Ctx(ctx)
	if info == nil {
		var err error
		fetched, err := user.Client.GetGroup(ctx, portal.Key.GCID)
		if err != nil {
			return fmt.Errorf("failed to get group info: %w", err)
		}
		info = fetched
	}
	portal.applyGroupInfo(info)

	intent := portal.MainIntent()
	if err := intent.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to ensure ghost is registered: %w", err)
	}

	req := &mautrix.ReqCreateRoom{
		Visibility:   "private",
		Name:         portal.Name,
		Invite:       []id.UserID{user.MXID},
		Preset:       "private_chat",
		IsDirect:     portal.IsDM(),
		InitialState: portal.initialState(),
	}
	if !portal.bridge.Config.Bridge.FederateRooms {
		req.CreationContent = map[string]any{"m.federate": false}
	}
	resp, err := intent.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	portal.MXID = resp.RoomID
	portal.NameSet = portal.Name != ""
	portal.State = database.PortalStateActive
	if portal.Encrypted {
		// Make sure the bot can decrypt and moderate even when the
		// main intent is a ghost.
		if err = portal.bridge.Bot.EnsureJoined(ctx, portal.MXID, appservice.EnsureJoinedParams{BotOverride: intent.Client}); err != nil {
			log.Err(err).Msg("Failed to join bot to encrypted room")
		}
	}
	if err = portal.Update(ctx); err != nil {
		log.Err(err).Msg("Failed to save portal after room creation")
	}
	portal.bridge.portalsLock.Lock()
	portal.bridge.portalsByMXID[portal.MXID] = portal
	portal.bridge.portalsLock.Unlock()
	log.Info().Stringer("room_id", portal.MXID).Msg("Created portal room")

	portal.syncParticipants(ctx, info.Members)
	if spaceRoom := user.GetSpaceRoom(ctx); spaceRoom != "" {
		portal.addToSpace(ctx, spaceRoom)
	}
	portal.maybeUpdateDirectChats(ctx, user)
	if portal.bridge.Config.Bridge.Backfill.Enabled {
		portal.enqueueBackfill(user, info.Revision)
	}
	return nil
}

func (portal *Portal) initialState() []*event.Event {
	bridgeInfo, bridgeInfoKey := portal.bridgeInfoContent()
	state := []*event.Event{
		{
			Type:     event.StateBridge,
			Content:  event.Content{Parsed: bridgeInfo},
			StateKey: &bridgeInfoKey,
		},
		{
			// Deprecated copy for older clients.
			Type:     event.StateHalfShotBridge,
			Content:  event.Content{Parsed: bridgeInfo},
			StateKey: &bridgeInfoKey,
		},
	}
	if portal.shouldEncrypt() {
		portal.Encrypted = true
		state = append(state, &event.Event{
			Type: event.StateEncryption,
			Content: event.Content{Parsed: &event.EncryptionEventContent{
				Algorithm:              id.AlgorithmMegolmV1,
				RotationPeriodMillis:   portal.bridge.Config.Bridge.Encryption.Rotation.Milliseconds,
				RotationPeriodMessages: portal.bridge.Config.Bridge.Encryption.Rotation.Messages,
			}},
		})
	}
	if !portal.AvatarMXC.IsEmpty() {
		state = append(state, &event.Event{
			Type: event.StateRoomAvatar,
			Content: event.Content{Parsed: &event.RoomAvatarEventContent{
				URL: portal.AvatarMXC.CUString(),
			}},
		})
	}
	return state
}

func (portal *Portal) shouldEncrypt() bool {
	return portal.Encrypted ||
		(portal.bridge.Config.Bridge.Encryption.Default && portal.bridge.Crypto != nil)
}

func (portal *Portal) bridgeInfoContent() (*event.BridgeEventContent, string) {
	content := &event.BridgeEventContent{
		BridgeBot: portal.bridge.Bot.UserID,
		Creator:   portal.MainIntent().UserID,
		Protocol: event.BridgeInfoSection{
			ID:          "googlechat",
			DisplayName: "Google Chat",
			AvatarURL:   id.ContentURIString(portal.bridge.Config.AppService.BotAvatar),
			ExternalURL: "https://chat.google.com/",
		},
		Channel: event.BridgeInfoSection{
			ID:          portal.Key.GCID.Plain(),
			DisplayName: portal.Name,
		},
	}
	stateKey := fmt.Sprintf("fi.mau.googlechat://googlechat/%s", portal.Key.GCID.Plain())
	return content, stateKey
}

// UpdateBridgeInfo rewrites the bridge info state events, for example
// after a rename.
func (portal *Portal) UpdateBridgeInfo(ctx context.Context) {
	if portal.MXID == "" {
		return
	}
	content, stateKey := portal.bridgeInfoContent()
	intent := portal.MainIntent()
	if _, err := intent.SendStateEvent(ctx, portal.MXID, event.StateBridge, stateKey, content); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to update bridge info")
	}
	if _, err := intent.SendStateEvent(ctx, portal.MXID, event.StateHalfShotBridge, stateKey, content); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to update legacy bridge info")
	}
}

func (portal *Portal) applyGroupInfo(info *gchat.Group) {
	portal.IsThreaded = info.IsThreaded
	if portal.IsDM() {
		portal.OtherUserID = info.OtherUserID
		if puppet := portal.bridge.GetPuppetByGCID(info.OtherUserID); puppet != nil {
			portal.Name = puppet.Name
		}
	} else {
		portal.Name = info.Name
	}
}

// UpdateInfo syncs conversation metadata into the room. Unchanged
// fields cause no Matrix requests.
func (portal *Portal) UpdateInfo(ctx context.Context, user *User, info *gchat.Group) {
	changed := false
	if info.IsThreaded != portal.IsThreaded {
		portal.IsThreaded = info.IsThreaded
		changed = true
	}
	if portal.IsDM() && info.OtherUserID != portal.OtherUserID {
		portal.OtherUserID = info.OtherUserID
		changed = true
	}
	changed = portal.updateName(ctx, info) || changed
	if portal.MXID != "" {
		portal.syncParticipants(ctx, info.Members)
	}
	if changed {
		portal.UpdateBridgeInfo(ctx)
		if err := portal.Update(ctx); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to save portal")
		}
	}
}

func (portal *Portal) updateName(ctx context.Context, info *gchat.Group) bool {
	newName := info.Name
	if portal.IsDM() {
		puppet := portal.bridge.GetPuppetByGCID(portal.OtherUserID)
		if puppet == nil {
			return false
		}
		newName = puppet.Name
	}
	if newName == portal.Name && portal.NameSet {
		return false
	}
	portal.Name = newName
	portal.NameSet = false
	if portal.MXID != "" {
		if _, err := portal.MainIntent().SetRoomName(ctx, portal.MXID, newName); err != nil {
			zerolog.Ctx(ctx).Err(err).Msg("Failed to set room name")
		} else {
			portal.NameSet = true
		}
	}
	return true
}

// syncParticipants makes sure each conversation member has an
// up-to-date ghost joined to the room.
func (portal *Portal) syncParticipants(ctx context.Context, members []gchat.User) {
	for i := range members {
		member := &members[i]
		puppet := portal.bridge.GetPuppetByGCID(member.ID)
		if puppet == nil {
			continue
		}
		puppet.UpdateInfo(ctx, member)
		if portal.MXID != "" {
			if err := puppet.DefaultIntent().EnsureJoined(ctx, portal.MXID); err != nil {
				zerolog.Ctx(ctx).Err(err).
					Str("gcid", string(member.ID)).
					Msg("Failed to join ghost to room")
			}
		}
	}
}

func (portal *Portal) addToSpace(ctx context.Context, spaceRoom id.RoomID) {
	if portal.MXID == "" {
		return
	}
	_, err := portal.bridge.Bot.SendStateEvent(ctx, spaceRoom, event.StateSpaceChild, portal.MXID.String(), &event.SpaceChildEventContent{
		Via: []string{portal.bridge.Config.Homeserver.Domain},
	})
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Stringer("space_room", spaceRoom).Msg("Failed to add portal to space")
	}
}

func (portal *Portal) maybeUpdateDirectChats(ctx context.Context, user *User) {
	if !portal.bridge.Config.Bridge.SyncDirectChatList || !portal.IsDM() {
		return
	}
	puppet := portal.bridge.GetPuppetByCustomMXID(user.MXID)
	if puppet == nil || puppet.CustomIntent() == nil {
		return
	}
	intent := puppet.CustomIntent()
	var directChats map[id.UserID][]id.RoomID
	if err := intent.GetAccountData(ctx, event.AccountDataDirectChats.Type, &directChats); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to get m.direct account data")
		return
	}
	if directChats == nil {
		directChats = make(map[id.UserID][]id.RoomID)
	}
	otherUser := portal.MainIntent().UserID
	for _, existing := range directChats[otherUser] {
		if existing == portal.MXID {
			return
		}
	}
	directChats[otherUser] = append(directChats[otherUser], portal.MXID)
	if err := intent.SetAccountData(ctx, event.AccountDataDirectChats.Type, directChats); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to update m.direct account data")
	}
}

// MarkArchived records that the remote conversation was closed. The
// room is kept but no further events flow.
func (portal *Portal) MarkArchived(ctx context.Context) {
	portal.State = database.PortalStateArchived
	if err := portal.Update(ctx); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to save archived state")
	}
}

// Delete removes the portal and its mappings from the database and
// memory. The Matrix room is cleaned up separately.
func (portal *Portal) Delete(ctx context.Context) {
	portal.bridge.portalsLock.Lock()
	delete(portal.bridge.portalsByKey, portal.Key)
	if portal.MXID != "" {
		delete(portal.bridge.portalsByMXID, portal.MXID)
	}
	portal.bridge.portalsLock.Unlock()
	err := portal.bridge.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := portal.bridge.DB.Message.DeleteAllInRoom(ctx, portal.MXID); err != nil {
			return err
		}
		if err := portal.bridge.DB.Reaction.DeleteAllInRoom(ctx, portal.MXID); err != nil {
			return err
		}
		return portal.Portal.Delete(ctx)
	})
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to delete portal from database")
	}
	portal.stopEventLoop()
}

// Cleanup kicks all ghosts from the room and leaves it.
func (portal *Portal) Cleanup(ctx context.Context) {
	if portal.MXID == "" {
		return
	}
	log := zerolog.Ctx(ctx)
	intent := portal.bridge.Bot.IntentAPI
	members, err := intent.JoinedMembers(ctx, portal.MXID)
	if err != nil {
		log.Err(err).Msg("Failed to get portal members for cleanup")
	} else {
		for member := range members.Joined {
			if member == portal.bridge.Bot.UserID {
				continue
			}
			if puppet := portal.bridge.GetPuppetByMXID(member); puppet != nil {
				if _, err = puppet.DefaultIntent().LeaveRoom(ctx, portal.MXID); err != nil {
					log.Err(err).Stringer("ghost", member).Msg("Failed to remove ghost from room")
				}
			} else {
				if _, err = intent.KickUser(ctx, portal.MXID, &mautrix.ReqKickUser{
					UserID: member,
					Reason: "Portal deleted",
				}); err != nil {
					log.Err(err).Stringer("user", member).Msg("Failed to kick user from room")
				}
			}
		}
	}
	if _, err = intent.LeaveRoom(ctx, portal.MXID); err != nil {
		log.Err(err).Msg("Failed to leave room during cleanup")
	}
}
