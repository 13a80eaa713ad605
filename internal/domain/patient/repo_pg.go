package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pediclinic/clinic/internal/domain/patientid"
	"github.com/pediclinic/clinic/internal/platform/db"
)

const (
	pgUniqueViolation      = "23505"
	patientIDUniqueKeyName = "patients_clinic_patient_id_key"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, clinic_id, patient_id, patient_id_policy,
	first_name, middle_name, last_name, birth_date, gender,
	guardian_name, guardian_relationship, guardian_phone, email,
	address_line1, city, postal_code, allergies, notes,
	active, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()

	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (
			id, clinic_id, patient_id, patient_id_policy,
			first_name, middle_name, last_name, birth_date, gender,
			guardian_name, guardian_relationship, guardian_phone, email,
			address_line1, city, postal_code, allergies, notes, active
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,$9,
			$10,$11,$12,$13,
			$14,$15,$16,$17,$18,$19
		)
		RETURNING created_at, updated_at`,
		p.ID, p.ClinicID, nullIfEmpty(p.PatientID), nullIfEmpty(string(p.PatientIDPolicy)),
		p.FirstName, p.MiddleName, p.LastName, p.BirthDate, p.Gender,
		p.GuardianName, p.GuardianRelationship, p.GuardianPhone, p.Email,
		p.AddressLine1, p.City, p.PostalCode, p.Allergies, p.Notes, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == patientIDUniqueKeyName {
			return fmt.Errorf("%w: %s", ErrDuplicatePatientID, p.PatientID)
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients
		WHERE clinic_id = $1 AND id = $2 AND deleted_at IS NULL`, clinicID, id))
}

func (r *repoPG) GetByPatientID(ctx context.Context, clinicID uuid.UUID, patientID string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients
		WHERE clinic_id = $1 AND patient_id = $2 AND deleted_at IS NULL`, clinicID, patientID))
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Patient, int, error) {
	where := `clinic_id = $1 AND deleted_at IS NULL`
	args := []interface{}{clinicID}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where += ` AND (first_name ILIKE $2 OR last_name ILIKE $2 OR patient_id ILIKE $2)`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM patients WHERE %s
		ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, patientCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// Update rewrites the demographic columns. patient_id, its policy and
// active are never part of the statement.
func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			first_name = $3, middle_name = $4, last_name = $5, birth_date = $6, gender = $7,
			guardian_name = $8, guardian_relationship = $9, guardian_phone = $10, email = $11,
			address_line1 = $12, city = $13, postal_code = $14, allergies = $15, notes = $16,
			updated_at = NOW()
		WHERE clinic_id = $1 AND id = $2 AND deleted_at IS NULL
		RETURNING updated_at`,
		p.ClinicID, p.ID,
		p.FirstName, p.MiddleName, p.LastName, p.BirthDate, p.Gender,
		p.GuardianName, p.GuardianRelationship, p.GuardianPhone, p.Email,
		p.AddressLine1, p.City, p.PostalCode, p.Allergies, p.Notes,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

// Delete is a soft delete so the identifier stays reserved.
func (r *repoPG) Delete(ctx context.Context, clinicID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET deleted_at = NOW(), active = FALSE, updated_at = NOW()
		WHERE clinic_id = $1 AND id = $2 AND deleted_at IS NULL`, clinicID, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var patientID, policy *string
	err := row.Scan(
		&p.ID, &p.ClinicID, &patientID, &policy,
		&p.FirstName, &p.MiddleName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.GuardianName, &p.GuardianRelationship, &p.GuardianPhone, &p.Email,
		&p.AddressLine1, &p.City, &p.PostalCode, &p.Allergies, &p.Notes,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	if patientID != nil {
		p.PatientID = *patientID
	}
	if policy != nil {
		p.PatientIDPolicy = patientid.Policy(*policy)
	}
	return &p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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
