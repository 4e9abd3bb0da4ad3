package datapoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines persistence for objects and state values.
type Repository interface {
	// GetObject returns ErrObjectNotFound if id does not exist.
	GetObject(ctx context.Context, id string) (*Object, error)

	// ListObjects returns all objects of the given kind, or every object
	// when kind is empty.
	ListObjects(ctx context.Context, kind Kind) ([]Object, error)

	// UpsertObjects writes all objects in a single transaction.
	UpsertObjects(ctx context.Context, objects []Object) error

	// DeleteObject removes an object and its state. Missing IDs are not an error.
	DeleteObject(ctx context.Context, id string) error

	// GetState returns ErrStateNotFound if the datapoint was never written.
	GetState(ctx context.Context, id string) (*State, error)

	// SetState stores the latest value of a datapoint.
	SetState(ctx context.Context, state State) error
}

// SQLiteRepository implements Repository on the objects and states tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const objectColumns = `id, kind, common, native, created_at, updated_at`

// GetObject retrieves one object by ID.
func (r *SQLiteRepository) GetObject(ctx context.Context, id string) (*Object, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = ?`, id)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("querying object %s: %w", id, err)
	}
	return obj, nil
}

// ListObjects retrieves objects ordered by ID.
func (r *SQLiteRepository) ListObjects(ctx context.Context, kind Kind) ([]Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		objects = append(objects, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects: %w", err)
	}
	return objects, nil
}

// UpsertObjects inserts or replaces objects. created_at survives updates.
func (r *SQLiteRepository) UpsertObjects(ctx context.Context, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO objects (id, kind, common, native, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			common = excluded.common,
			native = excluded.native,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range objects {
		obj := &objects[i]
		if err := obj.Validate(); err != nil {
			return err
		}

		common, err := json.Marshal(obj.Common)
		if err != nil {
			return fmt.Errorf("marshalling common for %s: %w", obj.ID, err)
		}
		native, err := json.Marshal(obj.Native)
		if err != nil {
			return fmt.Errorf("marshalling native for %s: %w", obj.ID, err)
		}

		created := obj.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, obj.ID, string(obj.Kind), string(common), string(native),
			created.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("upserting object %s: %w", obj.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing objects: %w", err)
	}
	return nil
}

// DeleteObject removes the object row and any state row with the same ID.
func (r *SQLiteRepository) DeleteObject(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM states WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting state %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting object %s: %w", id, err)
	}
	return tx.Commit()
}

// GetState retrieves the stored value of a datapoint.
func (r *SQLiteRepository) GetState(ctx context.Context, id string) (*State, error) {
	var (
		raw       sql.NullString
		ack       int
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT value, ack, updated_at FROM states WHERE id = ?`, id,
	).Scan(&raw, &ack, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("querying state %s: %w", id, err)
	}

	st := &State{ID: id, Ack: ack != 0}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // written by SetState
	if raw.Valid {
		if err := json.Unmarshal([]byte(raw.String), &st.Value); err != nil {
			return nil, fmt.Errorf("decoding state %s: %w", id, err)
		}
	}
	return st, nil
}

// SetState stores a datapoint value as JSON.
func (r *SQLiteRepository) SetState(ctx context.Context, state State) error {
	raw, err := json.Marshal(state.Value)
	if err != nil {
		return fmt.Errorf("encoding state %s: %w", state.ID, err)
	}
	ts := state.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO states (id, value, ack, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			ack = excluded.ack,
			updated_at = excluded.updated_at`,
		state.ID, string(raw), boolToInt(state.Ack), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing state %s: %w", state.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*Object, error) {
	var (
		obj                  Object
		kind, common, native string
		createdAt, updatedAt string
	)
	if err := row.Scan(&obj.ID, &kind, &common, &native, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	obj.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(common), &obj.Common); err != nil {
		return nil, fmt.Errorf("decoding common for %s: %w", obj.ID, err)
	}
	if err := json.Unmarshal([]byte(native), &obj.Native); err != nil {
		return nil, fmt.Errorf("decoding native for %s: %w", obj.ID, err)
	}
	obj.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // written by UpsertObjects
	obj.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by UpsertObjects
	return &obj, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
