// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// Puppet is the synthetic Matrix identity for one Google Chat
// participant. There is exactly one row per gcid.
type Puppet struct {
	qh *dbutil.QueryHelper[*Puppet]

	GCID      gchat.UserID
	Name      string
	PhotoID   string
	PhotoMXC  id.ContentURI
	NameSet   bool
	AvatarSet bool
	// IsRegistered tracks whether the ghost Matrix account has been
	// registered with the homeserver.
	IsRegistered bool
	// CustomMXID is set when the puppet is double-puppeted by a real
	// Matrix user.
	CustomMXID  id.UserID
	AccessToken string
}

type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

func newPuppet(qh *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{qh: qh}
}

const (
	getPuppetBaseQuery = `
		SELECT gcid, name, photo_id, photo_mxc, name_set, avatar_set, is_registered, custom_mxid, access_token FROM puppet
	`
	getPuppetByGCIDQuery       = getPuppetBaseQuery + `WHERE gcid=$1`
	getPuppetByCustomMXIDQuery = getPuppetBaseQuery + `WHERE custom_mxid=$1`
	getAllPuppetsWithCustomMXIDQuery = getPuppetBaseQuery + `WHERE custom_mxid<>''`
	insertPuppetQuery = `
		INSERT INTO puppet (gcid, name, photo_id, photo_mxc, name_set, avatar_set, is_registered, custom_mxid, access_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gcid) DO NOTHING
	`
	updatePuppetQuery = `
		UPDATE puppet SET name=$2, photo_id=$3, photo_mxc=$4, name_set=$5, avatar_set=$6, is_registered=$7, custom_mxid=$8, access_token=$9
		WHERE gcid=$1
	`
)

func (pq *PuppetQuery) GetByGCID(ctx context.Context, gcid gchat.UserID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByGCIDQuery, gcid)
}

func (pq *PuppetQuery) GetByCustomMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByCustomMXIDQuery, mxid)
}

// GetAllWithCustomMXID returns the puppets with double puppeting set
// up, for restoring custom intents on startup.
func (pq *PuppetQuery) GetAllWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	return pq.QueryMany(ctx, getAllPuppetsWithCustomMXIDQuery)
}

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	var photoMXC, customMXID, accessToken sql.NullString
	err := row.Scan(&p.GCID, &p.Name, &p.PhotoID, &photoMXC, &p.NameSet, &p.AvatarSet, &p.IsRegistered, &customMXID, &accessToken)
	if err != nil {
		return nil, err
	}
	if photoMXC.Valid {
		parsed, err := id.ParseContentURI(photoMXC.String)
		if err == nil {
			p.PhotoMXC = parsed
		}
	}
	p.CustomMXID = id.UserID(customMXID.String)
	p.AccessToken = accessToken.String
	return p, nil
}

func (p *Puppet) sqlVariables() []any {
	return []any{
		p.GCID,
		p.Name,
		p.PhotoID,
		p.PhotoMXC.String(),
		p.NameSet,
		p.AvatarSet,
		p.IsRegistered,
		dbutil.StrPtr(string(p.CustomMXID)),
		dbutil.StrPtr(p.AccessToken),
	}
}

// Insert creates the puppet row. The insert is keyed on gcid with
// conflict-ignore semantics so concurrent first-sight creation races
// collapse to a single row.
func (p *Puppet) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPuppetQuery, p.sqlVariables()...)
}

func (p *Puppet) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}
