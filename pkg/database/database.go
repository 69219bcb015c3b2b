// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database is the bridge's mapping store: the single durable
// owner of users, puppets, portals, message/reaction mappings and the
// media upload cache. Every cross-network correspondence the bridge
// relies on for idempotency lives here, and a process restart can
// rebuild all in-memory state from it.
package database

import (
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-googlechat/pkg/database/upgrades"
)

// Database bundles the query helpers for all bridge-owned tables.
type Database struct {
	*dbutil.Database

	User       *UserQuery
	Puppet     *PuppetQuery
	Portal     *PortalQuery
	Message    *MessageQuery
	Reaction   *ReactionQuery
	MediaCache *MediaCacheQuery
}

// New wraps an opened dbutil database with the bridge's schema upgrade
// table and query helpers. The caller is expected to run Upgrade before
// using any query.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database:   db,
		User:       &UserQuery{dbutil.MakeQueryHelper(db, newUser)},
		Puppet:     &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
		Portal:     &PortalQuery{dbutil.MakeQueryHelper(db, newPortal)},
		Message:    &MessageQuery{dbutil.MakeQueryHelper(db, newMessage)},
		Reaction:   &ReactionQuery{dbutil.MakeQueryHelper(db, newReaction)},
		MediaCache: &MediaCacheQuery{dbutil.MakeQueryHelper(db, newMediaCache)},
	}
}
