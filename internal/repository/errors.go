package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("record not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
