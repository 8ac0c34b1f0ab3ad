package dummydb

import (
	"sync"

	"github.com/tabaruka/mahudhurio/core/attendance"
)

type (
	DB struct {
		scans    *scanTable
		sessions *sessionTable
	}

	scanTable struct {
		sync.RWMutex
		rows []attendance.ScanAttempt
	}

	sessionTable struct {
		sync.RWMutex
		table map[string]*attendance.Session
	}
)

func Open() (*DB, error) {
	db := &DB{
		scans:    &scanTable{},
		sessions: &sessionTable{table: make(map[string]*attendance.Session)},
	}
	return db, nil
}
