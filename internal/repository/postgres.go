package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// pgError classifies a driver error into the apperr taxonomy.
func pgError(err error, op, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return apperr.Conflict("%s already exists", entity)
		case pqForeignKeyViolation:
			return apperr.NotFound("referenced " + entity)
		}
	}
	// already classified further down
	for _, kind := range []error{apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrValidation, apperr.ErrForbidden, apperr.ErrTransient} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return apperr.Transient(op, err)
}

func uuidArray(ids []uuid.UUID) any {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return pq.Array(out)
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func rowsAffected(res sql.Result, op, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient(op, err)
	}
	if n == 0 {
		return apperr.NotFound(entity)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
