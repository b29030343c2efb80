// Package database is the durable implementation of the room event graph
// store, backed by dbutil (PostgreSQL or SQLite).
package database

import (
	"go.mau.fi/util/dbutil"

	"go.mau.fi/roomgraph/database/upgrades"
)

type Database struct {
	*dbutil.Database
	Event *EventQuery
}

func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,
		Event:    &EventQuery{dbutil.MakeQueryHelper(db, newEvent)},
	}
}
