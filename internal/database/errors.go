package database

import (
	"context"
	"errors"
	"fmt"

	"seminarhall/internal/domain"

	"github.com/mattn/go-sqlite3"
)

// ErrConcurrentModification is returned when the stored version no longer matches.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// mapError translates driver failures into engine error kinds.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrConcurrentModification) {
		return domain.Transient(op, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return domain.Transient(op, err)
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return &domain.Error{Kind: domain.KindConflict, Message: op + ": unique constraint violated", Err: err}
			}
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
