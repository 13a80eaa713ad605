package patientid

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pediclinic/clinic/internal/platform/db"
)

// pgUndefinedFunction is raised when get_next_patient_number_for_clinic is
// not installed.
const pgUndefinedFunction = "42883"

type storePG struct {
	pool *pgxpool.Pool
}

// NewStorePG returns a Store backed by the patients table. It also
// implements SequenceSource.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) FindTopIdentifierByPrefix(ctx context.Context, clinicRef uuid.UUID, prefix string, width int) (string, bool, error) {
	var top string
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT patient_id FROM patients
		WHERE clinic_id = $1
		  AND patient_id IS NOT NULL
		  AND patient_id LIKE $2
		  AND char_length(patient_id) = $3
		ORDER BY patient_id DESC
		LIMIT 1`,
		clinicRef, escapeLike(prefix)+"%", len(prefix)+width,
	).Scan(&top)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return top, true, nil
}

func (s *storePG) FindExactIdentifier(ctx context.Context, clinicRef uuid.UUID, candidate string) (bool, error) {
	var one int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT 1 FROM patients WHERE clinic_id = $1 AND patient_id = $2 LIMIT 1`,
		clinicRef, candidate,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *storePG) NextPatientNumber(ctx context.Context, clinicSubdomain string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT get_next_patient_number_for_clinic($1)`, clinicSubdomain,
	).Scan(&n)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedFunction {
			return 0, ErrSequenceUnsupported
		}
		return 0, err
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
