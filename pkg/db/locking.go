package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockForUpdate adds a FOR UPDATE row lock where the dialect supports one.
// SQLite serializes writers already, so the clause is omitted there.
func LockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
