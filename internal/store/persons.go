package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Person is one persons-table row. Timestamps are stored as RFC3339 text.
type Person struct {
	ID         int64
	LastName   string
	FirstName  string
	BirthDate  string
	Phone      string
	Email      string
	GradeLevel string
	Status     string
	NaturalKey string
	Extra      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PersonByNaturalKey finds a person by the caller-computed natural key.
// Returns (nil, nil) when no match exists.
func (s *Store) PersonByNaturalKey(ctx context.Context, key string) (*Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, last_name, first_name, birth_date, phone, email,
		        grade_level, status, natural_key, extra, created_at, updated_at
		 FROM persons WHERE natural_key = ? LIMIT 1`, key)

	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: finding person by natural key: %w", err)
	}

	return p, nil
}

// InsertPerson inserts a new person and returns the assigned local id.
// Local identifier assignment happens here, never in submissions: no stable
// identifier is guaranteed across independently generated files.
func (s *Store) InsertPerson(ctx context.Context, p *Person) (int64, error) {
	now := time.Now().UTC()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (last_name, first_name, birth_date, phone, email,
		                      grade_level, status, natural_key, extra, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.LastName, p.FirstName, p.BirthDate, p.Phone, p.Email,
		p.GradeLevel, p.Status, p.NaturalKey, p.Extra,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("store: inserting person: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: person insert id: %w", err)
	}

	return id, nil
}

// UpdatePerson rewrites the mutable fields of an existing person.
func (s *Store) UpdatePerson(ctx context.Context, p *Person) error {
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`UPDATE persons SET last_name = ?, first_name = ?, birth_date = ?, phone = ?,
		        email = ?, grade_level = ?, status = ?, natural_key = ?, extra = ?, updated_at = ?
		 WHERE id = ?`,
		p.LastName, p.FirstName, p.BirthDate, p.Phone, p.Email,
		p.GradeLevel, p.Status, p.NaturalKey, p.Extra,
		p.UpdatedAt.Format(time.RFC3339), p.ID)
	if err != nil {
		return fmt.Errorf("store: updating person %d: %w", p.ID, err)
	}

	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (*Person, error) {
	var (
		p                    Person
		birthDate            sql.NullString
		phone, email         sql.NullString
		gradeLevel, extra    sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(&p.ID, &p.LastName, &p.FirstName, &birthDate, &phone, &email,
		&gradeLevel, &p.Status, &p.NaturalKey, &extra, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.BirthDate = birthDate.String
	p.Phone = phone.String
	p.Email = email.String
	p.GradeLevel = gradeLevel.String
	p.Extra = extra.String

	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		p.CreatedAt = t
	}

	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		p.UpdatedAt = t
	}

	return &p, nil
}
