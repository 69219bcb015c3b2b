// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// Reaction maps one Google Chat reaction to its Matrix counterpart
// event. The natural key is (emoji, sender, target message).
type Reaction struct {
	qh *dbutil.QueryHelper[*Reaction]

	MXID      id.EventID
	MXRoom    id.RoomID
	Emoji     string
	Sender    gchat.UserID
	MessageID gchat.MessageID
	Chat      gchat.GroupID
	Receiver  gchat.UserID
	Timestamp int64
}

type ReactionQuery struct {
	*dbutil.QueryHelper[*Reaction]
}

func newReaction(qh *dbutil.QueryHelper[*Reaction]) *Reaction {
	return &Reaction{qh: qh}
}

const (
	getReactionBaseQuery = `
		SELECT mxid, mx_room, emoji, gc_sender, gc_msgid, gc_chat, gc_receiver, timestamp FROM reaction
	`
	getReactionByGCIDQuery = getReactionBaseQuery + `
		WHERE emoji=$1 AND gc_sender=$2 AND gc_msgid=$3 AND gc_chat=$4 AND gc_receiver=$5
	`
	getReactionByMXIDQuery       = getReactionBaseQuery + `WHERE mxid=$1 AND mx_room=$2`
	insertReactionQuery          = `
		INSERT INTO reaction (mxid, mx_room, emoji, gc_sender, gc_msgid, gc_chat, gc_receiver, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	deleteReactionQuery          = `DELETE FROM reaction WHERE emoji=$1 AND gc_sender=$2 AND gc_msgid=$3 AND gc_chat=$4 AND gc_receiver=$5`
	deleteAllReactionsInRoomQuery = `DELETE FROM reaction WHERE mx_room=$1`
)

func (rq *ReactionQuery) GetByGCID(ctx context.Context, emoji string, sender gchat.UserID, msgID gchat.MessageID, chat gchat.GroupID, receiver gchat.UserID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByGCIDQuery, emoji, sender, msgID, chat, receiver)
}

func (rq *ReactionQuery) GetByMXID(ctx context.Context, mxid id.EventID, room id.RoomID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByMXIDQuery, mxid, room)
}

func (rq *ReactionQuery) DeleteAllInRoom(ctx context.Context, room id.RoomID) error {
	return rq.Exec(ctx, deleteAllReactionsInRoomQuery, room)
}

func (r *Reaction) Scan(row dbutil.Scannable) (*Reaction, error) {
	err := row.Scan(&r.MXID, &r.MXRoom, &r.Emoji, &r.Sender, &r.MessageID, &r.Chat, &r.Receiver, &r.Timestamp)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reaction) sqlVariables() []any {
	return []any{r.MXID, r.MXRoom, r.Emoji, r.Sender, r.MessageID, r.Chat, r.Receiver, r.Timestamp}
}

func (r *Reaction) Insert(ctx context.Context) error {
	return r.qh.Exec(ctx, insertReactionQuery, r.sqlVariables()...)
}

func (r *Reaction) Delete(ctx context.Context) error {
	return r.qh.Exec(ctx, deleteReactionQuery, r.Emoji, r.Sender, r.MessageID, r.Chat, r.Receiver)
}
