package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Diagnostic is a flattened view of an error chain for alert-level logs. It
// keeps driver detail that the typed error hides from callers and is never
// returned across the engine boundary.
type Diagnostic struct {
	Code      Code     `json:"code,omitempty"`
	Retryable bool     `json:"retryable"`
	Chain     []string `json:"chain,omitempty"`

	Postgres *PostgresDetail `json:"postgres,omitempty"`
	SQLite   string          `json:"sqlite,omitempty"`
}

type PostgresDetail struct {
	SQLState   string `json:"sqlstate"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Table      string `json:"table,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

// Dump walks err's chain, outermost first. Joined errors are followed
// through their first branch only.
func Dump(err error) Diagnostic {
	if err == nil {
		return Diagnostic{}
	}
	d := Diagnostic{Retryable: IsRetryable(err)}
	if typed := As(err); typed != nil {
		d.Code = typed.code
	}

	for e := err; e != nil; e = next(e) {
		if typed, ok := e.(*Error); ok {
			d.Chain = append(d.Chain, fmt.Sprintf("%s: %s", typed.code, typed.message))
			continue
		}
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
		if d.SQLite == "" && strings.Contains(e.Error(), "SQLITE_") {
			d.SQLite = e.Error()
		}
	}

	var pgErr *pgconn.PgError
	if stdErrors.As(err, &pgErr) {
		d.Postgres = &PostgresDetail{
			SQLState:   pgErr.Code,
			Message:    pgErr.Message,
			Detail:     pgErr.Detail,
			Table:      pgErr.TableName,
			Constraint: pgErr.ConstraintName,
		}
	}
	return d
}

func next(err error) error {
	switch e := err.(type) {
	case interface{ Unwrap() error }:
		return e.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := e.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}
