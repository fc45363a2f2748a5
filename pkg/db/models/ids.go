package models

import "github.com/google/uuid"

// assignID fills a zero primary key before insert. IDs are generated in Go so
// sqlite and Postgres behave the same.
func assignID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
