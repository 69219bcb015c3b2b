// Copyright 2024-2026 Aiku AI

// Package upgrades contains the forward-only schema migrations for the
// bridge database. Revisions are ordered SQL files; dbutil applies the
// missing ones on startup and refuses to run against a database whose
// stored version is newer than the registered set.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the bridge's schema upgrade table.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}
