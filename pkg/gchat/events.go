// Copyright 2024-2026 Aiku AI

package gchat

// Event is the closed set of events pushed by the Google Chat stream.
// Each variant carries the group it belongs to so the dispatcher can
// route it without inspecting the payload further.
type Event interface {
	EventGroupID() GroupID
}

// MessageEvent is a new message in a group.
type MessageEvent struct {
	Message Message
}

func (e *MessageEvent) EventGroupID() GroupID { return e.Message.GroupID }

// MessageEditedEvent is an in-place edit of an existing message.
type MessageEditedEvent struct {
	Message Message
}

func (e *MessageEditedEvent) EventGroupID() GroupID { return e.Message.GroupID }

// MessageDeletedEvent is a server-side message deletion.
type MessageDeletedEvent struct {
	GroupID   GroupID
	MessageID MessageID
	Timestamp int64
}

func (e *MessageDeletedEvent) EventGroupID() GroupID { return e.GroupID }

// ReactionChangeType distinguishes reaction additions from removals.
type ReactionChangeType int

const (
	ReactionAdd ReactionChangeType = iota
	ReactionRemove
)

// ReactionEvent is a reaction added to or removed from a message.
type ReactionEvent struct {
	GroupID   GroupID
	MessageID MessageID
	Sender    UserID
	Emoji     string
	Type      ReactionChangeType
	Timestamp int64
}

func (e *ReactionEvent) EventGroupID() GroupID { return e.GroupID }

// TypingEvent is a typing state change for one participant.
type TypingEvent struct {
	GroupID GroupID
	Sender  UserID
	Typing  bool
}

func (e *TypingEvent) EventGroupID() GroupID { return e.GroupID }

// ReadReceiptsEvent carries the full updated read receipt set of a group.
type ReadReceiptsEvent struct {
	GroupID  GroupID
	Receipts []ReadReceipt
}

func (e *ReadReceiptsEvent) EventGroupID() GroupID { return e.GroupID }

// MembershipChangeType is the closed set of membership transitions.
type MembershipChangeType int

const (
	MembershipJoined MembershipChangeType = iota
	MembershipLeft
	MembershipInvited
)

// MembershipEvent is a participant joining, leaving or being invited.
type MembershipEvent struct {
	GroupID GroupID
	UserID  UserID
	Type    MembershipChangeType
}

func (e *MembershipEvent) EventGroupID() GroupID { return e.GroupID }

// GroupUpdatedEvent signals that group metadata (name, member list,
// threading mode) changed and should be re-synced.
type GroupUpdatedEvent struct {
	GroupID GroupID
}

func (e *GroupUpdatedEvent) EventGroupID() GroupID { return e.GroupID }

// ConversationClosedEvent signals that the conversation ended on the
// Google Chat side (DM hidden or space deleted).
type ConversationClosedEvent struct {
	GroupID GroupID
}

func (e *ConversationClosedEvent) EventGroupID() GroupID { return e.GroupID }

// StreamStateEvent reports push channel health. It is not tied to a
// group; the session manager consumes it for its own state machine.
type StreamStateEvent struct {
	Connected bool
	// Err carries the cause when Connected is false.
	Err error
}

func (e *StreamStateEvent) EventGroupID() GroupID { return "" }
