// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-googlechat/pkg/gchat"
)

// User is one human owner of a bridged Google Chat account.
type User struct {
	qh *dbutil.QueryHelper[*User]

	MXID         id.UserID
	GCID         gchat.UserID
	RefreshToken string
	NoticeRoom   id.RoomID
	SpaceRoom    id.RoomID
	// CustomMXIDAccessToken enables double puppeting for this user.
	CustomMXIDAccessToken string
	RelayEnabled          bool
}

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

func newUser(qh *dbutil.QueryHelper[*User]) *User {
	return &User{qh: qh}
}

const (
	getUserBaseQuery = `
		SELECT mxid, gcid, refresh_token, notice_room, space_mxid, custom_mxid_access_token, relay_enabled FROM "user"
	`
	getUserByMXIDQuery    = getUserBaseQuery + `WHERE mxid=$1`
	getUserByGCIDQuery    = getUserBaseQuery + `WHERE gcid=$1`
	getAllLoggedInQuery   = getUserBaseQuery + `WHERE refresh_token<>''`
	insertUserQuery       = `INSERT INTO "user" (mxid, gcid, refresh_token, notice_room, space_mxid, custom_mxid_access_token, relay_enabled) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	updateUserQuery       = `UPDATE "user" SET gcid=$2, refresh_token=$3, notice_room=$4, space_mxid=$5, custom_mxid_access_token=$6, relay_enabled=$7 WHERE mxid=$1`
)

func (uq *UserQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*User, error) {
	return uq.QueryOne(ctx, getUserByMXIDQuery, mxid)
}

func (uq *UserQuery) GetByGCID(ctx context.Context, gcid gchat.UserID) (*User, error) {
	return uq.QueryOne(ctx, getUserByGCIDQuery, gcid)
}

// GetAllLoggedIn returns every user with stored credentials, for
// reconnecting sessions on startup.
func (uq *UserQuery) GetAllLoggedIn(ctx context.Context) ([]*User, error) {
	return uq.QueryMany(ctx, getAllLoggedInQuery)
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var gcid, refreshToken, noticeRoom, spaceRoom, customToken sql.NullString
	err := row.Scan(&u.MXID, &gcid, &refreshToken, &noticeRoom, &spaceRoom, &customToken, &u.RelayEnabled)
	if err != nil {
		return nil, err
	}
	u.GCID = gchat.UserID(gcid.String)
	u.RefreshToken = refreshToken.String
	u.NoticeRoom = id.RoomID(noticeRoom.String)
	u.SpaceRoom = id.RoomID(spaceRoom.String)
	u.CustomMXIDAccessToken = customToken.String
	return u, nil
}

func (u *User) sqlVariables() []any {
	return []any{
		u.MXID,
		dbutil.StrPtr(string(u.GCID)),
		u.RefreshToken,
		dbutil.StrPtr(string(u.NoticeRoom)),
		dbutil.StrPtr(string(u.SpaceRoom)),
		dbutil.StrPtr(u.CustomMXIDAccessToken),
		u.RelayEnabled,
	}
}

func (u *User) Insert(ctx context.Context) error {
	return u.qh.Exec(ctx, insertUserQuery, u.sqlVariables()...)
}

func (u *User) Update(ctx context.Context) error {
	return u.qh.Exec(ctx, updateUserQuery, u.sqlVariables()...)
}
