// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// MessageDirection records which protocol a message originated from.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "in"  // Google Chat -> Matrix
	DirectionOutbound MessageDirection = "out" // Matrix -> Google Chat
)

// Message is a correspondence between one Google Chat message and one
// Matrix event. Multi-part messages (text + attachments) store one row
// per part, sharing the gcid with distinct indexes.
type Message struct {
	qh *dbutil.QueryHelper[*Message]

	MXID     id.EventID
	MXRoom   id.RoomID
	GCID     gchat.MessageID
	GCChat   gchat.GroupID
	Receiver gchat.UserID
	Sender   gchat.UserID
	// ParentID is the thread (topic) the message belongs to, if any.
	ParentID  gchat.TopicID
	Index     int
	Direction MessageDirection
	// Timestamp is the Google Chat event time in microseconds; it is
	// the ordering and backfill cursor for the portal.
	Timestamp int64
	MsgType   string
}

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

const (
	getMessageBaseQuery = `
		SELECT mxid, mx_room, gcid, gc_chat, gc_receiver, gc_sender, gc_parent_id, "index", direction, timestamp, msgtype
		FROM message
	`
	getMessageByGCIDQuery         = getMessageBaseQuery + `WHERE gcid=$1 AND gc_chat=$2 AND gc_receiver=$3 AND "index"=$4`
	getAllMessagePartsByGCIDQuery = getMessageBaseQuery + `WHERE gcid=$1 AND gc_chat=$2 AND gc_receiver=$3 ORDER BY "index"`
	getMessageByMXIDQuery         = getMessageBaseQuery + `WHERE mxid=$1 AND mx_room=$2`
	getLastMessageInThreadQuery   = getMessageBaseQuery + `
		WHERE gc_parent_id=$1 AND gc_chat=$2 AND gc_receiver=$3 AND "index"=0
		ORDER BY timestamp DESC LIMIT 1
	`
	getClosestMessageBeforeQuery = getMessageBaseQuery + `
		WHERE gc_chat=$1 AND gc_receiver=$2 AND timestamp<=$3
		ORDER BY timestamp DESC, "index" DESC LIMIT 1
	`
	getLastMessageInChatQuery = getMessageBaseQuery + `
		WHERE gc_chat=$1 AND gc_receiver=$2
		ORDER BY timestamp DESC, "index" DESC LIMIT 1
	`
	insertMessageQuery = `
		INSERT INTO message (mxid, mx_room, gcid, gc_chat, gc_receiver, gc_sender, gc_parent_id, "index", direction, timestamp, msgtype)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	deleteMessageQuery           = `DELETE FROM message WHERE gcid=$1 AND gc_chat=$2 AND gc_receiver=$3 AND "index"=$4`
	deleteAllMessagesInRoomQuery = `DELETE FROM message WHERE mx_room=$1`
)

// GetByGCID returns the first part of the mapping for a Google Chat
// message ID, or nil if the message has not been bridged.
func (mq *MessageQuery) GetByGCID(ctx context.Context, gcid gchat.MessageID, chat gchat.GroupID, receiver gchat.UserID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByGCIDQuery, gcid, chat, receiver, 0)
}

// GetAllPartsByGCID returns every part of a multi-part message.
func (mq *MessageQuery) GetAllPartsByGCID(ctx context.Context, gcid gchat.MessageID, chat gchat.GroupID, receiver gchat.UserID) ([]*Message, error) {
	return mq.QueryMany(ctx, getAllMessagePartsByGCIDQuery, gcid, chat, receiver)
}

func (mq *MessageQuery) GetByMXID(ctx context.Context, mxid id.EventID, room id.RoomID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, mxid, room)
}

// GetLastInThread returns the newest bridged message of a thread, used
// as the reply target for inbound thread messages.
func (mq *MessageQuery) GetLastInThread(ctx context.Context, parentID gchat.TopicID, chat gchat.GroupID, receiver gchat.UserID) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessageInThreadQuery, parentID, chat, receiver)
}

// GetClosestBefore resolves a read receipt timestamp (microseconds) to
// the newest message at or before it.
func (mq *MessageQuery) GetClosestBefore(ctx context.Context, chat gchat.GroupID, receiver gchat.UserID, tsMicro int64) (*Message, error) {
	return mq.QueryOne(ctx, getClosestMessageBeforeQuery, chat, receiver, tsMicro)
}

// GetLastInChat returns the newest bridged message of a portal.
func (mq *MessageQuery) GetLastInChat(ctx context.Context, chat gchat.GroupID, receiver gchat.UserID) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessageInChatQuery, chat, receiver)
}

func (mq *MessageQuery) DeleteAllInRoom(ctx context.Context, room id.RoomID) error {
	return mq.Exec(ctx, deleteAllMessagesInRoomQuery, room)
}

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var parentID, msgType sql.NullString
	var direction string
	err := row.Scan(&m.MXID, &m.MXRoom, &m.GCID, &m.GCChat, &m.Receiver, &m.Sender, &parentID, &m.Index, &direction, &m.Timestamp, &msgType)
	if err != nil {
		return nil, err
	}
	m.ParentID = gchat.TopicID(parentID.String)
	m.Direction = MessageDirection(direction)
	m.MsgType = msgType.String
	return m, nil
}

func (m *Message) sqlVariables() []any {
	return []any{
		m.MXID,
		m.MXRoom,
		m.GCID,
		m.GCChat,
		m.Receiver,
		m.Sender,
		dbutil.StrPtr(string(m.ParentID)),
		m.Index,
		string(m.Direction),
		m.Timestamp,
		dbutil.StrPtr(m.MsgType),
	}
}

// Insert records the mapping. Run inside the same transaction as the
// send acknowledgment bookkeeping so a redelivery cannot slip between
// the send and the mapping becoming visible.
func (m *Message) Insert(ctx context.Context) error {
	return m.qh.Exec(ctx, insertMessageQuery, m.sqlVariables()...)
}

func (m *Message) Delete(ctx context.Context) error {
	return m.qh.Exec(ctx, deleteMessageQuery, m.GCID, m.GCChat, m.Receiver, m.Index)
}
