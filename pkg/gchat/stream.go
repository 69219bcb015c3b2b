// Copyright 2024-2026 Aiku AI

package gchat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Event type names from the space events endpoint.
const (
	eventMessageCreated    = "google.workspace.chat.message.v1.created"
	eventMessageUpdated    = "google.workspace.chat.message.v1.updated"
	eventMessageDeleted    = "google.workspace.chat.message.v1.deleted"
	eventReactionCreated   = "google.workspace.chat.reaction.v1.created"
	eventReactionDeleted   = "google.workspace.chat.reaction.v1.deleted"
	eventMembershipCreated = "google.workspace.chat.membership.v1.created"
	eventMembershipDeleted = "google.workspace.chat.membership.v1.deleted"
	eventSpaceUpdated      = "google.workspace.chat.space.v1.updated"
	eventSpaceDeleted      = "google.workspace.chat.space.v1.deleted"
)

// maxConsecutivePollFailures is how many poll rounds may fail before
// the stream reports itself down and lets the session layer reconnect.
const maxConsecutivePollFailures = 5

type apiReaction struct {
	Name  string  `json:"name"`
	User  apiUser `json:"user"`
	Emoji struct {
		Unicode string `json:"unicode"`
	} `json:"emoji"`
}

type apiMembershipEventData struct {
	Membership apiMembership `json:"membership"`
}

type apiSpaceEvent struct {
	Name      string `json:"name"`
	EventTime string `json:"eventTime"`
	EventType string `json:"eventType"`

	MessageCreatedEventData *struct {
		Message apiMessage `json:"message"`
	} `json:"messageCreatedEventData,omitempty"`
	MessageUpdatedEventData *struct {
		Message apiMessage `json:"message"`
	} `json:"messageUpdatedEventData,omitempty"`
	MessageDeletedEventData *struct {
		Message apiMessage `json:"message"`
	} `json:"messageDeletedEventData,omitempty"`
	ReactionCreatedEventData *struct {
		Reaction apiReaction `json:"reaction"`
	} `json:"reactionCreatedEventData,omitempty"`
	ReactionDeletedEventData *struct {
		Reaction apiReaction `json:"reaction"`
	} `json:"reactionDeletedEventData,omitempty"`
	MembershipCreatedEventData *apiMembershipEventData `json:"membershipCreatedEventData,omitempty"`
	MembershipDeletedEventData *apiMembershipEventData `json:"membershipDeletedEventData,omitempty"`
}

// Connect starts polling space events and delivers them on the
// returned channel until the context is cancelled or Disconnect is
// called.
func (c *httpClient) Connect(ctx context.Context) (<-chan Event, error) {
	if _, err := c.fetchSelf(ctx); err != nil {
		return nil, err
	}
	c.streamLock.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.streamCancel = cancel
	c.streamLock.Unlock()

	events := make(chan Event, 32)
	go c.pollLoop(streamCtx, events)
	return events, nil
}

func (c *httpClient) Disconnect() {
	c.streamLock.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.streamLock.Unlock()
}

func (c *httpClient) pollLoop(ctx context.Context, events chan<- Event) {
	defer close(events)
	spaces, err := c.refreshSpaceList(ctx, time.Now().UnixMicro())
	if err != nil {
		c.emit(ctx, events, &StreamStateEvent{Connected: false, Err: err})
		return
	}
	c.emit(ctx, events, &StreamStateEvent{Connected: true})

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	lastSpaceRefresh := time.Now()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(lastSpaceRefresh) > spaceRefreshEvery {
			if refreshed, refreshErr := c.refreshSpaceList(ctx, time.Now().UnixMicro()); refreshErr == nil {
				spaces = refreshed
				lastSpaceRefresh = time.Now()
			} else {
				c.log.Warn().Err(refreshErr).Msg("Failed to refresh space list")
			}
		}
		roundErr := c.pollRound(ctx, spaces, events)
		if roundErr == nil {
			failures = 0
			continue
		}
		if errors.Is(roundErr, context.Canceled) {
			return
		}
		failures++
		c.log.Warn().Err(roundErr).Int("consecutive_failures", failures).Msg("Event poll failed")
		if errors.Is(roundErr, ErrAuthExpired) || failures >= maxConsecutivePollFailures {
			c.emit(ctx, events, &StreamStateEvent{Connected: false, Err: roundErr})
			return
		}
	}
}

// refreshSpaceList lists spaces and seeds event cursors for new ones.
func (c *httpClient) refreshSpaceList(ctx context.Context, nowMicro int64) ([]string, error) {
	groups, err := c.Sync(ctx)
	if err != nil {
		return nil, err
	}
	spaces := make([]string, 0, len(groups))
	c.cursorLock.Lock()
	for _, group := range groups {
		name := spaceResource(group.ID)
		spaces = append(spaces, name)
		if _, seen := c.cursors[name]; !seen {
			c.cursors[name] = nowMicro
		}
	}
	c.cursorLock.Unlock()
	return spaces, nil
}

func (c *httpClient) pollRound(ctx context.Context, spaces []string, events chan<- Event) error {
	for _, space := range spaces {
		if err := c.pollSpace(ctx, space, events); err != nil {
			return fmt.Errorf("polling %s: %w", space, err)
		}
	}
	return nil
}

func (c *httpClient) pollSpace(ctx context.Context, space string, events chan<- Event) error {
	c.cursorLock.Lock()
	cursor := c.cursors[space]
	c.cursorLock.Unlock()

	filter := fmt.Sprintf(`start_time > %q AND (event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q OR event_types:%q)`,
		time.UnixMicro(cursor).UTC().Format(time.RFC3339Nano),
		eventMessageCreated, eventMessageUpdated, eventMessageDeleted,
		eventReactionCreated, eventReactionDeleted,
		eventMembershipCreated, eventMembershipDeleted,
		eventSpaceUpdated, eventSpaceDeleted)
	pageToken := ""
	for {
		var resp struct {
			SpaceEvents   []apiSpaceEvent `json:"spaceEvents"`
			NextPageToken string          `json:"nextPageToken"`
		}
		query := url.Values{
			"filter":   {filter},
			"pageSize": {strconv.Itoa(100)},
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		if err := c.get(ctx, c.chatBase+"/"+space+"/spaceEvents", query, &resp); err != nil {
			return err
		}
		for i := range resp.SpaceEvents {
			c.deliverSpaceEvent(ctx, space, &resp.SpaceEvents[i], events)
			if ts := parseRFC3339Micro(resp.SpaceEvents[i].EventTime); ts > cursor {
				cursor = ts
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	c.cursorLock.Lock()
	c.cursors[space] = cursor
	c.cursorLock.Unlock()
	return nil
}

func (c *httpClient) deliverSpaceEvent(ctx context.Context, space string, raw *apiSpaceEvent, events chan<- Event) {
	gid := c.groupIDFor(space)
	ts := parseRFC3339Micro(raw.EventTime)
	var evt Event
	switch raw.EventType {
	case eventMessageCreated:
		if raw.MessageCreatedEventData != nil {
			evt = &MessageEvent{Message: c.convertMessage(gid, &raw.MessageCreatedEventData.Message)}
		}
	case eventMessageUpdated:
		if raw.MessageUpdatedEventData != nil {
			evt = &MessageEditedEvent{Message: c.convertMessage(gid, &raw.MessageUpdatedEventData.Message)}
		}
	case eventMessageDeleted:
		if raw.MessageDeletedEventData != nil {
			evt = &MessageDeletedEvent{
				GroupID:   gid,
				MessageID: MessageID(lastSegment(raw.MessageDeletedEventData.Message.Name)),
				Timestamp: ts,
			}
		}
	case eventReactionCreated:
		if raw.ReactionCreatedEventData != nil {
			evt = reactionEventFrom(gid, &raw.ReactionCreatedEventData.Reaction, ReactionAdd, ts)
		}
	case eventReactionDeleted:
		if raw.ReactionDeletedEventData != nil {
			evt = reactionEventFrom(gid, &raw.ReactionDeletedEventData.Reaction, ReactionRemove, ts)
		}
	case eventMembershipCreated:
		if raw.MembershipCreatedEventData != nil {
			evt = &MembershipEvent{
				GroupID: gid,
				UserID:  UserID(strings.TrimPrefix(raw.MembershipCreatedEventData.Membership.Member.Name, "users/")),
				Type:    MembershipJoined,
			}
		}
	case eventMembershipDeleted:
		if raw.MembershipDeletedEventData != nil {
			evt = &MembershipEvent{
				GroupID: gid,
				UserID:  UserID(strings.TrimPrefix(raw.MembershipDeletedEventData.Membership.Member.Name, "users/")),
				Type:    MembershipLeft,
			}
		}
	case eventSpaceUpdated:
		evt = &GroupUpdatedEvent{GroupID: gid}
	case eventSpaceDeleted:
		evt = &ConversationClosedEvent{GroupID: gid}
	}
	if evt != nil {
		c.emit(ctx, events, evt)
	}
}

// reactionEventFrom extracts the message ID from the reaction resource
// name "spaces/X/messages/Y/reactions/Z".
func reactionEventFrom(gid GroupID, reaction *apiReaction, change ReactionChangeType, ts int64) Event {
	parts := strings.Split(reaction.Name, "/")
	var msgID MessageID
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "messages" {
			msgID = MessageID(parts[i+1])
			break
		}
	}
	if msgID == "" {
		return nil
	}
	return &ReactionEvent{
		GroupID:   gid,
		MessageID: msgID,
		Sender:    UserID(strings.TrimPrefix(reaction.User.Name, "users/")),
		Emoji:     reaction.Emoji.Unicode,
		Type:      change,
		Timestamp: ts,
	}
}

func (c *httpClient) emit(ctx context.Context, events chan<- Event, evt Event) {
	select {
	case events <- evt:
	case <-ctx.Done():
	}
}
