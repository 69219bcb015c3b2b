// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/database"
	"github.com/aiku/mautrix-googlechat/pkg/gchat"
	"github.com/aiku/mautrix-googlechat/pkg/matrixfmt"
)

const sendAttemptCount = 3

func (portal *Portal) handleMatrixEvent(ctx context.Context, user *User, evt *event.Event) {
	log := zerolog.Ctx(ctx).With().
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)
	switch evt.Type {
	case event.EventMessage:
		portal.handleMatrixMessage(ctx, user, evt)
	case event.EventReaction:
		portal.handleMatrixReaction(ctx, user, evt)
	case event.EventRedaction:
		portal.handleMatrixRedaction(ctx, user, evt)
	default:
		log.Debug().Str("event_type", evt.Type.Type).Msg("Unhandled Matrix event")
	}
}

// senderFor resolves which Google Chat session carries an outbound
// event: the sender's own when they're logged in, otherwise the
// portal's relay session when relay mode is on.
func (portal *Portal) senderFor(sender *User) (*User, bool) {
	if sender != nil && sender.IsLoggedIn() {
		return sender, false
	}
	if !portal.RelayMode {
		return nil, false
	}
	return portal.relayUser(), true
}

func (portal *Portal) relayUser() *User {
	if portal.IsDM() {
		return portal.bridge.GetUserByGCID(portal.Key.Receiver)
	}
	portal.bridge.usersLock.Lock()
	defer portal.bridge.usersLock.Unlock()
	for _, user := range portal.bridge.usersByGCID {
		if user.IsLoggedIn() {
			return user
		}
	}
	return nil
}

func (portal *Portal) handleMatrixMessage(ctx context.Context, sender *User, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		log.Warn().Msg("Unparseable message content")
		return
	}
	if portal.State == database.PortalStateArchived {
		log.Debug().Msg("Dropping message to archived conversation")
		portal.sendErrorNotice(ctx, evt.ID, "the conversation is closed")
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		portal.handleMatrixEdit(ctx, sender, evt, content)
		return
	}
	via, isRelay := portal.senderFor(sender)
	if via == nil {
		log.Warn().Msg("Dropping message: sender not logged in and relay mode disabled")
		return
	}
	if isRelay {
		content = portal.applyRelayFormat(ctx, evt.Sender, content)
	}

	req := &gchat.SendMessageRequest{
		GroupID: portal.Key.GCID,
		TopicID: portal.topicFor(ctx, content),
		LocalID: uuid.NewString(),
	}
	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		req.Text, req.Annotations = matrixfmt.Parse(content, portal.mentionToGChat)
		if content.MsgType == event.MsgEmote {
			req.Text = "/me " + req.Text
			shiftAnnotations(req.Annotations, len("/me "))
		}
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		upload, err := portal.uploadMatrixMedia(ctx, via, content)
		if err != nil {
			log.Err(err).Msg("Failed to transfer attachment")
			portal.sendErrorNotice(ctx, evt.ID, "attachment transfer failed")
			return
		}
		req.Annotations = []gchat.Annotation{{
			Type:   gchat.AnnotationUploadMetadata,
			Upload: upload,
		}}
	default:
		log.Debug().Str("msgtype", string(content.MsgType)).Msg("Dropping unsupported message type")
		return
	}

	portal.localIDs.Add(req.LocalID)
	resp, err := portal.sendWithRetry(ctx, via, func(ctx context.Context) (*gchat.SendResponse, error) {
		return via.Client.SendMessage(ctx, req)
	})
	if err != nil {
		portal.localIDs.Pop(req.LocalID)
		log.Err(err).Msg("Failed to send message to Google Chat")
		portal.sendErrorNotice(ctx, evt.ID, "message not delivered")
		return
	}
	err = portal.bridge.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		dbMsg := portal.bridge.DB.Message.New()
		dbMsg.MXID = evt.ID
		dbMsg.MXRoom = portal.MXID
		dbMsg.GCID = resp.MessageID
		dbMsg.GCChat = portal.Key.GCID
		dbMsg.Receiver = portal.Key.Receiver
		dbMsg.Sender = via.GCID
		dbMsg.ParentID = resp.TopicID
		dbMsg.Direction = database.DirectionOutbound
		dbMsg.Timestamp = resp.Timestamp
		dbMsg.MsgType = string(content.MsgType)
		return dbMsg.Insert(ctx)
	})
	if err != nil {
		log.Err(err).Msg("Failed to save outbound message mapping")
	}
	portal.maybeSendDeliveryReceipt(ctx, evt.ID)
}

func (portal *Portal) handleMatrixEdit(ctx context.Context, sender *User, evt *event.Event, content *event.MessageEventContent) {
	log := zerolog.Ctx(ctx)
	target, err := portal.bridge.DB.Message.GetByMXID(ctx, content.RelatesTo.EventID, portal.MXID)
	if err != nil {
		log.Err(err).Msg("Failed to get edit target mapping")
		return
	} else if target == nil {
		log.Debug().Stringer("target", content.RelatesTo.EventID).Msg("Dropping edit of unknown message")
		return
	}
	via, isRelay := portal.senderFor(sender)
	if via == nil {
		log.Warn().Msg("Dropping edit: sender not logged in and relay mode disabled")
		return
	}
	newContent := content.NewContent
	if newContent == nil {
		newContent = content
	}
	if isRelay {
		newContent = portal.applyRelayFormat(ctx, evt.Sender, newContent)
	}
	text, annotations := matrixfmt.Parse(newContent, portal.mentionToGChat)
	resp, err := portal.sendWithRetry(ctx, via, func(ctx context.Context) (*gchat.SendResponse, error) {
		return via.Client.EditMessage(ctx, &gchat.EditMessageRequest{
			GroupID:     portal.Key.GCID,
			TopicID:     target.ParentID,
			MessageID:   target.GCID,
			Text:        text,
			Annotations: annotations,
		})
	})
	if err != nil {
		log.Err(err).Msg("Failed to send edit to Google Chat")
		portal.sendErrorNotice(ctx, evt.ID, "edit not delivered")
		return
	}
	// Suppress the stream echo of this edit.
	if prev, ok := portal.editDedup.Get(target.GCID); !ok || resp.Timestamp > prev {
		portal.markEditBridged(target.GCID, resp.Timestamp)
	}
}

func (portal *Portal) handleMatrixReaction(ctx context.Context, sender *User, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}
	via, _ := portal.senderFor(sender)
	if via == nil {
		log.Debug().Msg("Dropping reaction: no usable session")
		return
	}
	target, err := portal.bridge.DB.Message.GetByMXID(ctx, content.RelatesTo.EventID, portal.MXID)
	if err != nil || target == nil {
		log.Debug().Msg("Dropping reaction to unknown message")
		return
	}
	emoji := variationselector.Remove(content.RelatesTo.Key)
	if err = via.Client.React(ctx, portal.Key.GCID, target.ParentID, target.GCID, emoji, false); err != nil {
		log.Err(err).Msg("Failed to send reaction to Google Chat")
		return
	}
	dbReaction := portal.bridge.DB.Reaction.New()
	dbReaction.MXID = evt.ID
	dbReaction.MXRoom = portal.MXID
	dbReaction.Emoji = emoji
	dbReaction.Sender = via.GCID
	dbReaction.MessageID = target.GCID
	dbReaction.Chat = portal.Key.GCID
	dbReaction.Receiver = portal.Key.Receiver
	dbReaction.Timestamp = evt.Timestamp * 1000
	if err = dbReaction.Insert(ctx); err != nil {
		log.Err(err).Msg("Failed to save reaction mapping")
	}
}

// handleMatrixRedaction removes the redacted message or reaction on
// the Google Chat side. Redactions of unmapped events are a no-op.
func (portal *Portal) handleMatrixRedaction(ctx context.Context, sender *User, evt *event.Event) {
	log := zerolog.Ctx(ctx)
	via, _ := portal.senderFor(sender)
	if via == nil {
		log.Debug().Msg("Dropping redaction: no usable session")
		return
	}
	msg, err := portal.bridge.DB.Message.GetByMXID(ctx, evt.Redacts, portal.MXID)
	if err != nil {
		log.Err(err).Msg("Failed to get redaction target")
		return
	}
	if msg != nil {
		if err = via.Client.DeleteMessage(ctx, portal.Key.GCID, msg.ParentID, msg.GCID); err != nil {
			log.Err(err).Msg("Failed to delete message on Google Chat")
			return
		}
		parts, partsErr := portal.bridge.DB.Message.GetAllPartsByGCID(ctx, msg.GCID, portal.Key.GCID, portal.Key.Receiver)
		if partsErr != nil {
			log.Err(partsErr).Msg("Failed to get message parts for cleanup")
			return
		}
		for _, part := range parts {
			if err = part.Delete(ctx); err != nil {
				log.Err(err).Msg("Failed to delete message mapping")
			}
		}
		return
	}
	reaction, err := portal.bridge.DB.Reaction.GetByMXID(ctx, evt.Redacts, portal.MXID)
	if err != nil {
		log.Err(err).Msg("Failed to get redacted reaction")
		return
	}
	if reaction == nil {
		log.Debug().Stringer("redacts", evt.Redacts).Msg("Ignoring redaction of unknown event")
		return
	}
	if err = via.Client.React(ctx, portal.Key.GCID, "", reaction.MessageID, reaction.Emoji, true); err != nil {
		log.Err(err).Msg("Failed to remove reaction on Google Chat")
		return
	}
	if err = reaction.Delete(ctx); err != nil {
		log.Err(err).Msg("Failed to delete reaction mapping")
	}
}

// HandleMatrixTyping forwards a typing state change. Called directly
// by the dispatcher since typing is not order-sensitive.
func (portal *Portal) HandleMatrixTyping(ctx context.Context, user *User, typing bool) {
	if user == nil || !user.IsLoggedIn() {
		return
	}
	if err := user.Client.SetTyping(ctx, portal.Key.GCID, typing); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to bridge typing state")
	}
}

// HandleMatrixReadReceipt marks the conversation read up to the
// acknowledged event's remote timestamp.
func (portal *Portal) HandleMatrixReadReceipt(ctx context.Context, user *User, eventID id.EventID) {
	if user == nil || !user.IsLoggedIn() {
		return
	}
	log := zerolog.Ctx(ctx)
	msg, err := portal.bridge.DB.Message.GetByMXID(ctx, eventID, portal.MXID)
	if err != nil {
		log.Err(err).Msg("Failed to get read receipt target")
		return
	}
	if msg == nil {
		msg, err = portal.bridge.DB.Message.GetLastInChat(ctx, portal.Key.GCID, portal.Key.Receiver)
		if err != nil || msg == nil {
			return
		}
	}
	if err = user.Client.MarkRead(ctx, portal.Key.GCID, msg.Timestamp); err != nil {
		log.Err(err).Msg("Failed to bridge read receipt")
	}
}

// HandleMatrixLeave cleans up DM portals when the real user leaves.
func (portal *Portal) HandleMatrixLeave(ctx context.Context, user *User) {
	if !portal.IsDM() || user == nil || user.GCID != portal.Key.Receiver {
		return
	}
	zerolog.Ctx(ctx).Info().Msg("User left DM portal, cleaning up")
	portal.Cleanup(ctx)
	portal.Delete(ctx)
}

// sendWithRetry runs one remote send under the user's send lock,
// retrying transient failures a bounded number of times.
func (portal *Portal) sendWithRetry(ctx context.Context, via *User, send func(context.Context) (*gchat.SendResponse, error)) (*gchat.SendResponse, error) {
	via.sendLock.Lock()
	defer via.sendLock.Unlock()
	var lastErr error
	for attempt := 0; attempt < sendAttemptCount; attempt++ {
		resp, err := send(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !gchat.IsTransient(err) {
			return nil, err
		}
		wait := time.Duration(attempt+1) * 2 * time.Second
		var rateLimit *gchat.RateLimitError
		if errors.As(err, &rateLimit) && rateLimit.RetryAfter > 0 {
			wait = rateLimit.RetryAfter
		}
		zerolog.Ctx(ctx).Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("retry_in", wait).
			Msg("Transient send failure, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// topicFor maps a Matrix thread relation to the Google Chat topic.
func (portal *Portal) topicFor(ctx context.Context, content *event.MessageEventContent) gchat.TopicID {
	if !portal.IsThreaded || content.RelatesTo == nil || content.RelatesTo.Type != event.RelThread {
		return ""
	}
	root, err := portal.bridge.DB.Message.GetByMXID(ctx, content.RelatesTo.EventID, portal.MXID)
	if err != nil || root == nil {
		return ""
	}
	if root.ParentID != "" {
		return root.ParentID
	}
	return gchat.TopicID(root.GCID)
}

func (portal *Portal) mentionToGChat(mxid id.UserID) gchat.UserID {
	if puppet := portal.bridge.GetPuppetByMXID(mxid); puppet != nil {
		return puppet.GCID
	}
	if user := portal.bridge.GetUserByMXID(mxid); user != nil {
		return user.GCID
	}
	return ""
}

func (portal *Portal) applyRelayFormat(ctx context.Context, sender id.UserID, content *event.MessageEventContent) *event.MessageEventContent {
	name := string(sender)
	if member, err := portal.bridge.StateStore.GetMember(ctx, portal.MXID, sender); err == nil && member != nil && member.Displayname != "" {
		name = member.Displayname
	}
	clone := *content
	clone.Body = fmt.Sprintf(portal.bridge.Config.Bridge.RelayFormat, name, content.Body)
	if clone.FormattedBody != "" {
		clone.FormattedBody = fmt.Sprintf(portal.bridge.Config.Bridge.RelayFormat, name, content.FormattedBody)
	}
	return &clone
}

func shiftAnnotations(annotations []gchat.Annotation, offset int) {
	for i := range annotations {
		annotations[i].Start += offset
	}
}

// uploadMatrixMedia moves an attachment from the Matrix content
// repository to Google's servers, decrypting it when needed.
func (portal *Portal) uploadMatrixMedia(ctx context.Context, via *User, content *event.MessageEventContent) (*gchat.UploadMetadata, error) {
	var uri id.ContentURIString
	if content.File != nil {
		uri = content.File.URL
	} else {
		uri = content.URL
	}
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content URI: %w", err)
	}
	data, err := portal.bridge.Bot.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to download from content repository: %w", err)
	}
	if content.File != nil {
		if err = content.File.DecryptInPlace(data); err != nil {
			return nil, fmt.Errorf("failed to decrypt attachment: %w", err)
		}
	}
	mimeType := content.GetInfo().MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return via.Client.UploadFile(ctx, portal.Key.GCID, content.Body, mimeType, data)
}

// sendErrorNotice posts a visible bridging failure into the room.
func (portal *Portal) sendErrorNotice(ctx context.Context, eventID id.EventID, message string) {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf("⚠️ Your message may not have been bridged: %s", message),
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: eventID},
		},
	}
	if _, err := portal.bridge.Bot.SendMessageEvent(ctx, portal.MXID, event.EventMessage, content); err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to send error notice")
	}
}
