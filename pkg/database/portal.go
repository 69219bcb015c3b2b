// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// PortalState is the lifecycle state of a bridged conversation.
type PortalState string

const (
	// PortalStateUninitialized means the conversation is known but no
	// Matrix room exists yet.
	PortalStateUninitialized PortalState = "uninitialized"
	// PortalStateActive means the room exists and relay is enabled.
	PortalStateActive PortalState = "active"
	// PortalStateArchived means relay stopped; history is retained.
	PortalStateArchived PortalState = "archived"
)

// PortalKey is the natural key of a portal. DMs are scoped to the
// bridge user that owns them (Receiver); spaces are global and use an
// empty receiver.
type PortalKey struct {
	GCID     gchat.GroupID
	Receiver gchat.UserID
}

// NewPortalKey scopes the key by receiver for DMs only.
func NewPortalKey(gcid gchat.GroupID, receiver gchat.UserID) PortalKey {
	if gcid.IsSpace() {
		receiver = ""
	}
	return PortalKey{GCID: gcid, Receiver: receiver}
}

// Portal is the durable state of one bridged conversation.
type Portal struct {
	qh *dbutil.QueryHelper[*Portal]

	Key         PortalKey
	OtherUserID gchat.UserID
	MXID        id.RoomID
	Name        string
	AvatarMXC   id.ContentURI
	NameSet     bool
	AvatarSet   bool
	Encrypted   bool
	RelayMode   bool
	IsThreaded  bool
	// Revision is the catch-up backfill cursor: the world revision of
	// the newest event known to be bridged.
	Revision int64
	State    PortalState
}

type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

func newPortal(qh *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{qh: qh, State: PortalStateUninitialized}
}

const (
	getPortalBaseQuery = `
		SELECT gcid, gc_receiver, other_user_id, mxid, name, avatar_mxc, name_set, avatar_set,
		       encrypted, relay_mode, is_threaded, revision, state
		FROM portal
	`
	getPortalByKeyQuery       = getPortalBaseQuery + `WHERE gcid=$1 AND gc_receiver=$2`
	getPortalByMXIDQuery      = getPortalBaseQuery + `WHERE mxid=$1`
	getAllPortalsQuery        = getPortalBaseQuery + `WHERE mxid IS NOT NULL`
	getPortalsByReceiverQuery = getPortalBaseQuery + `WHERE gc_receiver=$1 OR gc_receiver=''`
	insertPortalQuery         = `
		INSERT INTO portal (gcid, gc_receiver, other_user_id, mxid, name, avatar_mxc, name_set, avatar_set,
		                    encrypted, relay_mode, is_threaded, revision, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (gcid, gc_receiver) DO NOTHING
	`
	updatePortalQuery = `
		UPDATE portal SET other_user_id=$3, mxid=$4, name=$5, avatar_mxc=$6, name_set=$7, avatar_set=$8,
		                  encrypted=$9, relay_mode=$10, is_threaded=$11, revision=$12, state=$13
		WHERE gcid=$1 AND gc_receiver=$2
	`
	deletePortalQuery = `DELETE FROM portal WHERE gcid=$1 AND gc_receiver=$2`
)

func (pq *PortalQuery) GetByKey(ctx context.Context, key PortalKey) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByKeyQuery, key.GCID, key.Receiver)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, mxid)
}

// GetAllWithMXID returns every portal that has a Matrix room.
func (pq *PortalQuery) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsQuery)
}

// GetAllForReceiver returns the portals visible to one bridge user:
// their DM portals plus all space portals.
func (pq *PortalQuery) GetAllForReceiver(ctx context.Context, receiver gchat.UserID) ([]*Portal, error) {
	return pq.QueryMany(ctx, getPortalsByReceiverQuery, receiver)
}

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var otherUserID, mxid, avatarMXC sql.NullString
	var state string
	err := row.Scan(&p.Key.GCID, &p.Key.Receiver, &otherUserID, &mxid, &p.Name, &avatarMXC,
		&p.NameSet, &p.AvatarSet, &p.Encrypted, &p.RelayMode, &p.IsThreaded, &p.Revision, &state)
	if err != nil {
		return nil, err
	}
	p.OtherUserID = gchat.UserID(otherUserID.String)
	p.MXID = id.RoomID(mxid.String)
	if avatarMXC.Valid {
		parsed, err := id.ParseContentURI(avatarMXC.String)
		if err == nil {
			p.AvatarMXC = parsed
		}
	}
	p.State = PortalState(state)
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	return []any{
		p.Key.GCID,
		p.Key.Receiver,
		dbutil.StrPtr(string(p.OtherUserID)),
		dbutil.StrPtr(string(p.MXID)),
		p.Name,
		p.AvatarMXC.String(),
		p.NameSet,
		p.AvatarSet,
		p.Encrypted,
		p.RelayMode,
		p.IsThreaded,
		p.Revision,
		string(p.State),
	}
}

// Insert creates the portal row with insert-if-absent semantics, so
// two workers materializing the same conversation on first sight
// cannot create duplicates.
func (p *Portal) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPortalQuery, p.sqlVariables()...)
}

func (p *Portal) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePortalQuery, p.sqlVariables()...)
}

// Delete removes the portal row. Message and reaction rows cascade.
func (p *Portal) Delete(ctx context.Context) error {
	return p.qh.Exec(ctx, deletePortalQuery, p.Key.GCID, p.Key.Receiver)
}
