// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// MatrixHandler routes homeserver events to portals, the command
// processor and the crypto helper.
type MatrixHandler struct {
	bridge *Bridge
	log    zerolog.Logger

	typingLock sync.Mutex
	// typingUsers tracks who we've reported as typing per room, so
	// repeat EDUs produce only state changes.
	typingUsers map[id.RoomID]map[id.UserID]struct{}
}

func newMatrixHandler(br *Bridge) *MatrixHandler {
	mx := &MatrixHandler{
		bridge:      br,
		log:         br.Log.With().Str("component", "matrix").Logger(),
		typingUsers: make(map[id.RoomID]map[id.UserID]struct{}),
	}
	ep := br.EventProcessor
	ep.On(event.EventMessage, mx.HandleMessage)
	ep.On(event.EventSticker, mx.HandleMessage)
	ep.On(event.EventEncrypted, mx.HandleEncrypted)
	ep.On(event.EventReaction, mx.HandleReaction)
	ep.On(event.EventRedaction, mx.HandleRedaction)
	ep.On(event.StateMember, mx.HandleMembership)
	ep.On(event.EphemeralEventReceipt, mx.HandleReceipt)
	ep.On(event.EphemeralEventTyping, mx.HandleTyping)
	return mx
}

// shouldIgnoreEvent filters out the bridge's own traffic: ghost
// senders, the bot, and double puppet echoes.
func (mx *MatrixHandler) shouldIgnoreEvent(evt *event.Event) bool {
	if evt.Sender == mx.bridge.Bot.UserID {
		return true
	}
	if _, isGhost := mx.bridge.Config.Bridge.ParseUsername(evt.Sender, mx.bridge.Config.Homeserver.Domain); isGhost {
		return true
	}
	if val, ok := evt.Content.Raw[appservice.DoublePuppetKey].(string); ok && val == mx.bridge.AS.DoublePuppetValue {
		return true
	}
	return false
}

func (mx *MatrixHandler) HandleMessage(ctx context.Context, evt *event.Event) {
	if mx.shouldIgnoreEvent(evt) {
		return
	}
	user := mx.bridge.GetUserByMXID(evt.Sender)
	if user == nil {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if ok && mx.bridge.Commands.Matches(content.Body) {
		mx.bridge.Commands.Handle(ctx, user, evt.RoomID, evt.ID, content.Body)
		return
	}
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		if ok && evt.RoomID == user.NoticeRoom {
			mx.bridge.Commands.Handle(ctx, user, evt.RoomID, evt.ID, content.Body)
		}
		return
	}
	portal.enqueue(portalEvent{user: user, matrix: evt})
}

// HandleEncrypted decrypts and dispatches a Megolm event. In the
// default configuration a failed decrypt is retried out of band so it
// doesn't block the room; the strict-order mode decrypts inline.
func (mx *MatrixHandler) HandleEncrypted(ctx context.Context, evt *event.Event) {
	if mx.shouldIgnoreEvent(evt) || mx.bridge.Crypto == nil {
		return
	}
	if mx.bridge.Config.Bridge.Encryption.BlockOnDecryptFailure {
		mx.decryptAndDispatch(ctx, evt)
	} else {
		go mx.decryptAndDispatch(ctx, evt)
	}
}

func (mx *MatrixHandler) decryptAndDispatch(ctx context.Context, evt *event.Event) {
	decrypted, err := mx.bridge.Crypto.Decrypt(ctx, evt)
	if err != nil {
		mx.log.Err(err).
			Stringer("event_id", evt.ID).
			Msg("Failed to decrypt event")
		mx.sendDecryptionErrorNotice(ctx, evt)
		return
	}
	mx.bridge.EventProcessor.Dispatch(ctx, decrypted)
}

func (mx *MatrixHandler) sendDecryptionErrorNotice(ctx context.Context, evt *event.Event) {
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		return
	}
	portal.sendErrorNotice(ctx, evt.ID, "decryption failed")
}

func (mx *MatrixHandler) HandleReaction(ctx context.Context, evt *event.Event) {
	if mx.shouldIgnoreEvent(evt) {
		return
	}
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		return
	}
	portal.enqueue(portalEvent{user: mx.bridge.GetUserByMXID(evt.Sender), matrix: evt})
}

func (mx *MatrixHandler) HandleRedaction(ctx context.Context, evt *event.Event) {
	if mx.shouldIgnoreEvent(evt) {
		return
	}
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		return
	}
	portal.enqueue(portalEvent{user: mx.bridge.GetUserByMXID(evt.Sender), matrix: evt})
}

func (mx *MatrixHandler) HandleMembership(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	if mx.bridge.Crypto != nil {
		if portal := mx.bridge.GetPortalByMXID(evt.RoomID); portal != nil && portal.Encrypted {
			mx.bridge.Crypto.HandleMemberEvent(ctx, evt)
		}
	}
	target := id.UserID(evt.GetStateKey())
	switch content.Membership {
	case event.MembershipInvite:
		if target == mx.bridge.Bot.UserID {
			mx.handleBotInvite(ctx, evt)
		}
	case event.MembershipLeave:
		if target != evt.Sender {
			return
		}
		portal := mx.bridge.GetPortalByMXID(evt.RoomID)
		if portal == nil {
			return
		}
		portal.HandleMatrixLeave(ctx, mx.bridge.GetUserByMXID(target))
	}
}

// handleBotInvite accepts direct chat invites as management rooms.
func (mx *MatrixHandler) handleBotInvite(ctx context.Context, evt *event.Event) {
	user := mx.bridge.GetUserByMXID(evt.Sender)
	if user == nil {
		return
	}
	bot := mx.bridge.Bot
	if _, err := bot.JoinRoomByID(ctx, evt.RoomID); err != nil {
		mx.log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to accept invite")
		return
	}
	content := evt.Content.AsMember()
	if content != nil && content.IsDirect && mx.bridge.GetPortalByMXID(evt.RoomID) == nil {
		user.markManagementRoom(ctx, evt.RoomID)
		user.sendBridgeNotice(ctx, "This room is now your management room. Type `%s help` for a list of commands.", mx.bridge.Config.Bridge.CommandPrefix)
	}
}

func (mx *MatrixHandler) HandleReceipt(ctx context.Context, evt *event.Event) {
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		return
	}
	content := evt.Content.AsReceipt()
	if content == nil {
		return
	}
	for eventID, receipts := range *content {
		for userID := range receipts[event.ReceiptTypeRead] {
			user := mx.bridge.GetUserByMXID(userID)
			if user == nil {
				continue
			}
			portal.HandleMatrixReadReceipt(ctx, user, eventID)
		}
	}
}

func (mx *MatrixHandler) HandleTyping(ctx context.Context, evt *event.Event) {
	portal := mx.bridge.GetPortalByMXID(evt.RoomID)
	if portal == nil {
		return
	}
	content := evt.Content.AsTyping()
	if content == nil {
		return
	}
	now := make(map[id.UserID]struct{}, len(content.UserIDs))
	mx.typingLock.Lock()
	prev := mx.typingUsers[evt.RoomID]
	for _, userID := range content.UserIDs {
		now[userID] = struct{}{}
	}
	mx.typingUsers[evt.RoomID] = now
	mx.typingLock.Unlock()
	for userID := range now {
		if _, was := prev[userID]; !was {
			portal.HandleMatrixTyping(ctx, mx.bridge.GetUserByMXID(userID), true)
		}
	}
	for userID := range prev {
		if _, still := now[userID]; !still {
			portal.HandleMatrixTyping(ctx, mx.bridge.GetUserByMXID(userID), false)
		}
	}
}

// dispatchRemoteEvent routes a Google Chat stream event to its portal,
// creating the portal record on first contact.
func (br *Bridge) dispatchRemoteEvent(ctx context.Context, user *User, evt gchat.Event) {
	groupID := evt.EventGroupID()
	if groupID == "" {
		return
	}
	portal := br.GetPortalByGCID(groupID, user.receiverFor(groupID))
	if portal == nil {
		br.Log.Warn().Str("gcid", string(groupID)).Msg("Failed to get portal for remote event")
		return
	}
	portal.enqueue(portalEvent{user: user, remote: evt})
}
