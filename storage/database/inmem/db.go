// Package inmemdb provides a mutex-guarded in-memory store, used for local
// development and the API test suite.
package inmemdb

import (
	"sync"

	"github.com/trezcool/chekechea/core/enroll"
	"github.com/trezcool/chekechea/core/staff"
)

type DB struct {
	mu sync.Mutex

	children map[string]*enroll.Child
	sites    map[string]*enroll.Site
	rooms    map[string]*enroll.Classroom
	bands    []enroll.AgeBand
	settings enroll.Settings
	history  []enroll.HistoryEntry

	staff map[string]*staff.Staff
}

func New() *DB {
	return &DB{
		children: make(map[string]*enroll.Child),
		sites:    make(map[string]*enroll.Site),
		rooms:    make(map[string]*enroll.Classroom),
		settings: enroll.Settings{
			OfferResponseDays:        5,
			CutoffMonth:              3,
			CutoffDay:                31,
			BeneficiaryKeepsPosition: true,
		},
		staff: make(map[string]*staff.Staff),
	}
}

type dbSnapshot struct {
	children map[string]*enroll.Child
	rooms    map[string]*enroll.Classroom
	history  []enroll.HistoryEntry
}

// snapshot copies the state Atomic may mutate; sites, bands, settings and
// staff only change through seeding and the staff repository, never inside an
// enrollment transaction.
func (db *DB) snapshot() dbSnapshot {
	snap := dbSnapshot{
		children: make(map[string]*enroll.Child, len(db.children)),
		rooms:    make(map[string]*enroll.Classroom, len(db.rooms)),
		history:  append([]enroll.HistoryEntry(nil), db.history...),
	}
	for id, ch := range db.children {
		c := *ch
		snap.children[id] = &c
	}
	for id, cr := range db.rooms {
		r := *cr
		snap.rooms[id] = &r
	}
	return snap
}

func (db *DB) restore(snap dbSnapshot) {
	db.children = snap.children
	db.rooms = snap.rooms
	db.history = snap.history
}
