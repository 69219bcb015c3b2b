// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
	"github.com/aiku/mautrix-googlechat/pkg/gchatfmt"
)

// maxAttachmentSize caps attachment downloads to keep memory bounded
// and stay under common homeserver upload limits.
const maxAttachmentSize = 100 * 1024 * 1024

func (portal *Portal) handleRemoteEvent(ctx context.Context, user *User, rawEvt gchat.Event) {
	switch evt := rawEvt.(type) {
	case *gchat.MessageEvent:
		portal.handleRemoteMessage(ctx, user, &evt.Message)
	case *gchat.MessageEditedEvent:
		portal.handleRemoteEdit(ctx, user, &evt.Message)
	case *gchat.MessageDeletedEvent:
		portal.handleRemoteDelete(ctx, evt)
	case *gchat.ReactionEvent:
		portal.handleRemoteReaction(ctx, evt)
	case *gchat.TypingEvent:
		portal.handleRemoteTyping(ctx, evt)
	case *gchat.ReadReceiptsEvent:
		portal.handleRemoteReadReceipts(ctx, user, evt)
	case *gchat.MembershipEvent:
		portal.handleRemoteMembership(ctx, user, evt)
	case *gchat.GroupUpdatedEvent:
		portal.handleRemoteGroupUpdate(ctx, user)
	case *gchat.ConversationClosedEvent:
		portal.MarkArchived(ctx)
	default:
		zerolog.Ctx(ctx).Debug().Type("event_type", rawEvt).Msg("Unhandled remote event")
	}
}

// handleRemoteMessage bridges one Google Chat message into the room.
// Duplicate deliveries (stream echoes, backfill overlap, reconnect
// replays) are dropped, so the bridge is idempotent per message ID.
func (portal *Portal) handleRemoteMessage(ctx context.Context, user *User, msg *gchat.Message) {
	log := zerolog.Ctx(ctx).With().
		Str("gc_msgid", string(msg.ID)).
		Str("gc_sender", string(msg.Sender)).
		Logger()
	ctx = log.WithContext(ctx)
	if msg.LocalID != "" && portal.localIDs.Pop(msg.LocalID) {
		log.Debug().Str("local_id", msg.LocalID).Msg("Dropping echo of own outbound message")
		return
	}
	if portal.recentMessages.Contains(msg.ID) {
		log.Debug().Msg("Dropping duplicate message (recently handled)")
		return
	}
	existing, err := portal.bridge.DB.Message.GetByGCID(ctx, msg.ID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to check message mapping")
		return
	} else if existing != nil {
		log.Debug().Msg("Dropping duplicate message (already bridged)")
		return
	}
	if portal.MXID == "" {
		if err = portal.CreateMatrixRoom(ctx, user, nil); err != nil {
			log.Err(err).Msg("Failed to create room for incoming message")
			return
		}
		// The triggering message is bridged inline below; the backfill
		// enqueued by room creation redelivers it, and the dedup layer
		// drops that copy.
	}
	if portal.State == database.PortalStateArchived {
		portal.State = database.PortalStateActive
		if err = portal.Update(ctx); err != nil {
			log.Err(err).Msg("Failed to save portal state")
		}
	}

	intent := portal.intentForRemoteSender(ctx, user, msg.Sender)
	if intent == nil {
		return
	}
	if err = intent.EnsureJoined(ctx, portal.MXID); err != nil {
		log.Err(err).Msg("Failed to join sender ghost to room")
		return
	}

	parts := portal.convertRemoteMessage(ctx, user, msg)
	if len(parts) == 0 {
		log.Debug().Msg("Message converted to no parts, skipping")
		return
	}
	portal.applyThreadRelation(ctx, msg, parts)

	type sentPart struct {
		eventID id.EventID
		msgType string
	}
	sent := make([]sentPart, 0, len(parts))
	ts := msg.CreateTime / 1000
	for _, part := range parts {
		resp, sendErr := portal.sendMatrixEvent(ctx, intent, event.EventMessage, part, ts)
		if sendErr != nil {
			log.Err(sendErr).Msg("Failed to send message part to Matrix")
			continue
		}
		sent = append(sent, sentPart{resp, string(part.MsgType)})
	}
	if len(sent) == 0 {
		return
	}
	// Remember the ID only once something was actually sent, so a
	// failed attempt can still be retried by a redelivery.
	portal.recentMessages.Push(msg.ID, struct{}{})
	err = portal.bridge.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		for i, part := range sent {
			dbMsg := portal.bridge.DB.Message.New()
			dbMsg.MXID = part.eventID
			dbMsg.MXRoom = portal.MXID
			dbMsg.GCID = msg.ID
			dbMsg.GCChat = portal.Key.GCID
			dbMsg.Receiver = portal.Key.Receiver
			dbMsg.Sender = msg.Sender
			dbMsg.ParentID = msg.TopicID
			dbMsg.Index = i
			dbMsg.Direction = database.DirectionInbound
			dbMsg.Timestamp = msg.CreateTime
			dbMsg.MsgType = part.msgType
			if err := dbMsg.Insert(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Err(err).Msg("Failed to save message mapping")
	}
	portal.maybeSendDeliveryReceipt(ctx, sent[len(sent)-1].eventID)
}

// intentForRemoteSender picks the ghost (or double puppet) to send as.
// The user's own messages in a DM are suppressed when their double
// puppet would have already shown them, unless configured otherwise.
func (portal *Portal) intentForRemoteSender(ctx context.Context, user *User, sender gchat.UserID) *appservice.IntentAPI {
	puppet := portal.bridge.GetPuppetByGCID(sender)
	if puppet == nil {
		zerolog.Ctx(ctx).Warn().Str("gc_sender", string(sender)).Msg("Failed to get puppet for sender")
		return nil
	}
	if puppet.Name == "" {
		portal.fetchPuppetInfo(ctx, user, puppet)
	}
	if sender == user.GCID && portal.IsDM() {
		if puppet.CustomIntent() != nil {
			return puppet.CustomIntent()
		}
		if !portal.bridge.Config.Bridge.InviteOwnPuppetToPM {
			zerolog.Ctx(ctx).Debug().Msg("Dropping own message in DM, double puppeting not enabled")
			return nil
		}
	}
	return puppet.IntentFor(portal)
}

func (portal *Portal) fetchPuppetInfo(ctx context.Context, user *User, puppet *Puppet) {
	users, err := user.Client.GetUsers(ctx, []gchat.UserID{puppet.GCID})
	if err != nil || len(users) == 0 {
		zerolog.Ctx(ctx).Err(err).Str("gcid", string(puppet.GCID)).Msg("Failed to fetch participant info")
		return
	}
	puppet.UpdateInfo(ctx, &users[0])
}

// convertRemoteMessage turns a Google Chat message into Matrix message
// parts: at most one text part followed by one part per attachment.
func (portal *Portal) convertRemoteMessage(ctx context.Context, user *User, msg *gchat.Message) []*event.MessageEventContent {
	var parts []*event.MessageEventContent
	var uploads []*gchat.UploadMetadata
	textAnnotations := make([]gchat.Annotation, 0, len(msg.Annotations))
	for _, ann := range msg.Annotations {
		if ann.Type == gchat.AnnotationUploadMetadata && ann.Upload != nil {
			uploads = append(uploads, ann.Upload)
		} else {
			textAnnotations = append(textAnnotations, ann)
		}
	}
	if strings.TrimSpace(msg.Text) != "" {
		parts = append(parts, gchatfmt.Parse(msg.Text, textAnnotations, portal.mentionToMatrix))
	}
	for _, upload := range uploads {
		content, err := portal.reuploadAttachment(ctx, user, upload)
		if err != nil {
			zerolog.Ctx(ctx).Err(err).Str("attachment", upload.ContentName).Msg("Failed to bridge attachment")
			parts = append(parts, &event.MessageEventContent{
				MsgType: event.MsgNotice,
				Body:    fmt.Sprintf("Failed to bridge attachment %s", upload.ContentName),
			})
			continue
		}
		parts = append(parts, content)
	}
	return parts
}

func (portal *Portal) mentionToMatrix(gcid gchat.UserID) (id.UserID, string) {
	if user := portal.bridge.GetUserByGCID(gcid); user != nil {
		return user.MXID, string(user.MXID)
	}
	if puppet := portal.bridge.GetPuppetByGCID(gcid); puppet != nil {
		return puppet.MXID, puppet.Name
	}
	return "", ""
}

// applyThreadRelation attaches thread metadata to converted parts. In
// threaded spaces the Matrix thread root is the first bridged message
// of the topic, with a reply fallback to the latest message in it.
func (portal *Portal) applyThreadRelation(ctx context.Context, msg *gchat.Message, parts []*event.MessageEventContent) {
	if !portal.IsThreaded || msg.TopicID == "" || gchat.MessageID(msg.TopicID) == msg.ID {
		return
	}
	log := zerolog.Ctx(ctx)
	root, err := portal.bridge.DB.Message.GetByGCID(ctx, gchat.MessageID(msg.TopicID), portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to get thread root mapping")
		return
	} else if root == nil {
		return
	}
	lastInThread, err := portal.bridge.DB.Message.GetLastInThread(ctx, msg.TopicID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to get last message in thread")
	}
	replyTo := root.MXID
	if lastInThread != nil {
		replyTo = lastInThread.MXID
	}
	for _, part := range parts {
		part.RelatesTo = &event.RelatesTo{
			Type:    event.RelThread,
			EventID: root.MXID,
			InReplyTo: &event.InReplyTo{
				EventID: replyTo,
			},
			IsFallingBack: true,
		}
	}
}

func (portal *Portal) handleRemoteEdit(ctx context.Context, user *User, msg *gchat.Message) {
	log := zerolog.Ctx(ctx).With().Str("gc_msgid", string(msg.ID)).Logger()
	if prev, ok := portal.editDedup.Get(msg.ID); ok && prev >= msg.LastEditTime {
		log.Debug().Msg("Dropping duplicate edit")
		return
	}
	portal.markEditBridged(msg.ID, msg.LastEditTime)

	target, err := portal.bridge.DB.Message.GetByGCID(ctx, msg.ID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to get edit target mapping")
		return
	} else if target == nil {
		log.Debug().Msg("Dropping edit of unknown message")
		return
	}
	intent := portal.intentForRemoteSender(ctx, user, msg.Sender)
	if intent == nil {
		return
	}
	content := gchatfmt.Parse(msg.Text, msg.Annotations, portal.mentionToMatrix)
	content.SetEdit(target.MXID)
	if _, err = portal.sendMatrixEvent(ctx, intent, event.EventMessage, content, msg.LastEditTime/1000); err != nil {
		log.Err(err).Msg("Failed to send edit to Matrix")
	}
}

// handleRemoteDelete redacts all parts of a deleted message. Unknown
// message IDs are a no-op.
func (portal *Portal) handleRemoteDelete(ctx context.Context, evt *gchat.MessageDeletedEvent) {
	log := zerolog.Ctx(ctx).With().Str("gc_msgid", string(evt.MessageID)).Logger()
	parts, err := portal.bridge.DB.Message.GetAllPartsByGCID(ctx, evt.MessageID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to get deleted message mapping")
		return
	} else if len(parts) == 0 {
		log.Debug().Msg("Ignoring deletion of unknown message")
		return
	}
	intent := portal.MainIntent()
	for _, part := range parts {
		if _, err = intent.RedactEvent(ctx, portal.MXID, part.MXID); err != nil {
			log.Err(err).Stringer("event_id", part.MXID).Msg("Failed to redact message part")
		}
		if err = part.Delete(ctx); err != nil {
			log.Err(err).Msg("Failed to delete message mapping")
		}
	}
}

func (portal *Portal) handleRemoteReaction(ctx context.Context, evt *gchat.ReactionEvent) {
	log := zerolog.Ctx(ctx).With().
		Str("gc_msgid", string(evt.MessageID)).
		Str("gc_sender", string(evt.Sender)).
		Str("emoji", evt.Emoji).
		Logger()
	existing, err := portal.bridge.DB.Reaction.GetByGCID(ctx, evt.Emoji, evt.Sender, evt.MessageID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil {
		log.Err(err).Msg("Failed to get reaction mapping")
		return
	}
	if evt.Type == gchat.ReactionRemove {
		if existing == nil {
			log.Debug().Msg("Ignoring removal of unknown reaction")
			return
		}
		puppet := portal.bridge.GetPuppetByGCID(evt.Sender)
		intent := portal.MainIntent()
		if puppet != nil {
			intent = puppet.IntentFor(portal)
		}
		if _, err = intent.RedactEvent(ctx, portal.MXID, existing.MXID); err != nil {
			log.Err(err).Msg("Failed to redact reaction")
		}
		if err = existing.Delete(ctx); err != nil {
			log.Err(err).Msg("Failed to delete reaction mapping")
		}
		return
	}
	if existing != nil {
		log.Debug().Msg("Dropping duplicate reaction")
		return
	}
	target, err := portal.bridge.DB.Message.GetByGCID(ctx, evt.MessageID, portal.Key.GCID, portal.Key.Receiver)
	if err != nil || target == nil {
		log.Err(err).Msg("Dropping reaction to unknown message")
		return
	}
	puppet := portal.bridge.GetPuppetByGCID(evt.Sender)
	if puppet == nil {
		return
	}
	intent := puppet.IntentFor(portal)
	if err = intent.EnsureJoined(ctx, portal.MXID); err != nil {
		log.Err(err).Msg("Failed to join reaction sender to room")
		return
	}
	resp, err := intent.SendMessageEvent(ctx, portal.MXID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target.MXID,
			Key:     variationselector.Add(evt.Emoji),
		},
	})
	if err != nil {
		log.Err(err).Msg("Failed to send reaction to Matrix")
		return
	}
	dbReaction := portal.bridge.DB.Reaction.New()
	dbReaction.MXID = resp.EventID
	dbReaction.MXRoom = portal.MXID
	dbReaction.Emoji = evt.Emoji
	dbReaction.Sender = evt.Sender
	dbReaction.MessageID = evt.MessageID
	dbReaction.Chat = portal.Key.GCID
	dbReaction.Receiver = portal.Key.Receiver
	dbReaction.Timestamp = evt.Timestamp
	if err = dbReaction.Insert(ctx); err != nil {
		log.Err(err).Msg("Failed to save reaction mapping")
	}
}

func (portal *Portal) handleRemoteTyping(ctx context.Context, evt *gchat.TypingEvent) {
	puppet := portal.bridge.GetPuppetByGCID(evt.Sender)
	if puppet == nil || portal.MXID == "" {
		return
	}
	timeout := 15 * time.Second
	if !evt.Typing {
		timeout = 0
	}
	if _, err := puppet.IntentFor(portal).UserTyping(ctx, portal.MXID, evt.Typing, timeout); err != nil {
		zerolog.Ctx(ctx).Err(err).Str("gc_sender", string(evt.Sender)).Msg("Failed to bridge typing state")
	}
}

// handleRemoteReadReceipts marks the closest bridged message at or
// before each participant's read timestamp as read.
func (portal *Portal) handleRemoteReadReceipts(ctx context.Context, user *User, evt *gchat.ReadReceiptsEvent) {
	if portal.MXID == "" {
		return
	}
	log := zerolog.Ctx(ctx)
	for _, receipt := range evt.Receipts {
		if receipt.UserID == user.GCID {
			continue
		}
		target, err := portal.bridge.DB.Message.GetClosestBefore(ctx, portal.Key.GCID, portal.Key.Receiver, receipt.ReadTimeMicro)
		if err != nil {
			log.Err(err).Msg("Failed to find read receipt target")
			continue
		} else if target == nil {
			continue
		}
		puppet := portal.bridge.GetPuppetByGCID(receipt.UserID)
		if puppet == nil {
			continue
		}
		if err = puppet.IntentFor(portal).MarkRead(ctx, portal.MXID, target.MXID); err != nil {
			log.Err(err).Str("gc_user", string(receipt.UserID)).Msg("Failed to bridge read receipt")
		}
	}
}

func (portal *Portal) handleRemoteMembership(ctx context.Context, user *User, evt *gchat.MembershipEvent) {
	if portal.MXID == "" {
		return
	}
	log := zerolog.Ctx(ctx).With().Str("gc_user", string(evt.UserID)).Logger()
	puppet := portal.bridge.GetPuppetByGCID(evt.UserID)
	if puppet == nil {
		return
	}
	switch evt.Type {
	case gchat.MembershipJoined:
		if puppet.Name == "" {
			portal.fetchPuppetInfo(ctx, user, puppet)
		}
		if err := puppet.DefaultIntent().EnsureJoined(ctx, portal.MXID); err != nil {
			log.Err(err).Msg("Failed to join ghost to room")
		}
	case gchat.MembershipInvited:
		if _, err := portal.MainIntent().InviteUser(ctx, portal.MXID, &mautrix.ReqInviteUser{UserID: puppet.MXID}); err != nil {
			log.Err(err).Msg("Failed to invite ghost to room")
		}
	case gchat.MembershipLeft:
		if _, err := puppet.DefaultIntent().LeaveRoom(ctx, portal.MXID); err != nil {
			log.Err(err).Msg("Failed to remove ghost from room")
		}
	}
}

func (portal *Portal) handleRemoteGroupUpdate(ctx context.Context, user *User) {
	info, err := user.Client.GetGroup(ctx, portal.Key.GCID)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to get updated group info")
		return
	}
	portal.UpdateInfo(ctx, user, info)
}

// handleBackfill bridges messages missed since the portal's revision
// cursor. Already-bridged messages are skipped by the dedup layer, so
// overlap with live events is harmless.
func (portal *Portal) handleBackfill(ctx context.Context, req *backfillRequest) {
	portal.backfillLock.Lock()
	defer portal.backfillLock.Unlock()
	log := zerolog.Ctx(ctx)
	cfg := portal.bridge.Config.Bridge.Backfill
	limit := cfg.MissedLimit
	if portal.Revision == 0 {
		limit = cfg.InitialLimit
	}
	if limit <= 0 {
		return
	}
	if req.revision != 0 && req.revision <= portal.Revision {
		return
	}
	msgs, newRevision, err := req.user.Client.ListMessages(ctx, portal.Key.GCID, portal.Revision, limit)
	if err != nil {
		log.Err(err).Int64("revision", portal.Revision).Msg("Failed to fetch history for backfill")
		return
	}
	slices.SortFunc(msgs, func(a, b gchat.Message) int {
		return int(a.CreateTime - b.CreateTime)
	})
	for i := range msgs {
		portal.handleRemoteMessage(ctx, req.user, &msgs[i])
	}
	if newRevision > portal.Revision {
		portal.Revision = newRevision
		if err = portal.Update(ctx); err != nil {
			log.Err(err).Msg("Failed to save backfill cursor")
		}
	}
	log.Debug().
		Int("message_count", len(msgs)).
		Int64("revision", portal.Revision).
		Msg("Backfill batch complete")
}

// sendMatrixEvent sends a message event, encrypting it first when the
// room is encrypted. A non-positive ts sends with the current time.
func (portal *Portal) sendMatrixEvent(ctx context.Context, intent *appservice.IntentAPI, evtType event.Type, content *event.MessageEventContent, ts int64) (id.EventID, error) {
	wrapped := &event.Content{Parsed: content}
	if portal.Encrypted && portal.bridge.Crypto != nil {
		encrypted, err := portal.bridge.Crypto.Encrypt(ctx, portal.MXID, evtType, wrapped)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt event: %w", err)
		}
		evtType = event.EventEncrypted
		wrapped = &event.Content{Parsed: encrypted}
	}
	var resp *mautrix.RespSendEvent
	var err error
	if ts > 0 {
		resp, err = intent.SendMassagedMessageEvent(ctx, portal.MXID, evtType, wrapped, ts)
	} else {
		resp, err = intent.SendMessageEvent(ctx, portal.MXID, evtType, wrapped)
	}
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (portal *Portal) maybeSendDeliveryReceipt(ctx context.Context, eventID id.EventID) {
	if !portal.bridge.Config.Bridge.DeliveryReceipts {
		return
	}
	if err := portal.bridge.Bot.MarkRead(ctx, portal.MXID, eventID); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to send delivery receipt")
	}
}

// reuploadAttachment fetches an attachment and uploads it to the
// Matrix content repository, serving repeats from the media cache.
func (portal *Portal) reuploadAttachment(ctx context.Context, user *User, upload *gchat.UploadMetadata) (*event.MessageEventContent, error) {
	url := upload.AttachmentURL()
	cached, err := portal.bridge.DB.MediaCache.GetByURL(ctx, url)
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to check media cache")
	}
	if cached != nil && (cached.FileInfo != nil) == portal.Encrypted {
		return cachedMediaContent(cached), nil
	}
	att, err := user.Client.DownloadAttachment(ctx, url, maxAttachmentSize)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(att.Data).String()
	}
	fileName := att.FileName
	if fileName == "" {
		fileName = upload.ContentName
	}
	cached = portal.bridge.DB.MediaCache.New()
	cached.URLHash = database.HashMediaURL(url)
	cached.MimeType = mimeType
	cached.FileName = fileName
	cached.Size = int64(len(att.Data))
	cached.Timestamp = time.Now().UnixMilli()

	data := att.Data
	uploadMime := mimeType
	if portal.Encrypted {
		file := attachment.NewEncryptedFile()
		file.EncryptInPlace(data)
		uploadMime = "application/octet-stream"
		cached.FileInfo = &event.EncryptedFileInfo{EncryptedFile: *file}
	}
	intent := portal.MainIntent()
	resp, err := intent.UploadBytes(ctx, data, uploadMime)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment: %w", err)
	}
	cached.MXC = resp.ContentURI.CUString()
	if cached.FileInfo != nil {
		cached.FileInfo.URL = cached.MXC
	}
	if err = cached.Insert(ctx); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to save media cache entry")
	}
	return cachedMediaContent(cached), nil
}

func cachedMediaContent(cached *database.CachedMedia) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: msgTypeForMime(cached.MimeType),
		Body:    cached.FileName,
		Info: &event.FileInfo{
			MimeType: cached.MimeType,
			Size:     int(cached.Size),
		},
	}
	if cached.FileInfo != nil {
		content.File = cached.FileInfo
	} else {
		content.URL = cached.MXC
	}
	return content
}

func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
