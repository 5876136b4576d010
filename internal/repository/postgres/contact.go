package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crosslink-io/identity-server/internal/model"
)

var _ model.ContactStore = (*ContactRepository)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// repository code serves pooled queries and transaction-bound ones.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type ContactRepository struct {
	db   querier
	pool *Connection
}

func NewContactRepository(db *Connection) *ContactRepository {
	return &ContactRepository{
		db:   db,
		pool: db,
	}
}

const contactColumns = `id, email, phone, linked_id, precedence, created_at, updated_at, deleted_at`

func scanContact(row pgx.Row) (model.Contact, error) {
	var contact model.Contact
	err := row.Scan(
		&contact.ID, &contact.Email, &contact.Phone, &contact.LinkedID,
		&contact.Precedence, &contact.CreatedAt, &contact.UpdatedAt, &contact.DeletedAt,
	)
	return contact, err
}

func (r *ContactRepository) FindByEmail(ctx context.Context, email string) (model.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE email = $1 AND deleted_at IS NULL
		ORDER BY id
		LIMIT 1`

	contact, err := scanContact(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, model.ErrNotFound
		}
		return model.Contact{}, err
	}

	return contact, nil
}

func (r *ContactRepository) FindByPhone(ctx context.Context, phone string) (model.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE phone = $1 AND deleted_at IS NULL
		ORDER BY id
		LIMIT 1`

	contact, err := scanContact(r.db.QueryRow(ctx, query, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, model.ErrNotFound
		}
		return model.Contact{}, err
	}

	return contact, nil
}

func (r *ContactRepository) GetByID(ctx context.Context, id int64) (model.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE id = $1 AND deleted_at IS NULL`

	contact, err := scanContact(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, model.ErrNotFound
		}
		return model.Contact{}, err
	}

	return contact, nil
}

func (r *ContactRepository) GetCluster(ctx context.Context, primaryID int64) ([]model.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE (id = $1 OR linked_id = $1) AND deleted_at IS NULL
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, primaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return contacts, nil
}

func (r *ContactRepository) Create(ctx context.Context, params model.CreateContactParams) (model.Contact, error) {
	query := `
		INSERT INTO contacts (email, phone, precedence, linked_id)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + contactColumns

	contact, err := scanContact(r.db.QueryRow(ctx, query,
		params.Email, params.Phone, string(params.Precedence), params.LinkedID,
	))
	if err != nil {
		return model.Contact{}, err
	}

	return contact, nil
}

func (r *ContactRepository) UpdatePrecedenceAndLink(ctx context.Context, id int64, precedence model.Precedence, linkedID *int64) error {
	const query = `
		UPDATE contacts
		SET precedence = $2, linked_id = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	cmd, err := r.db.Exec(ctx, query, id, string(precedence), linkedID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *ContactRepository) RepointSecondaries(ctx context.Context, oldPrimaryID, newPrimaryID int64) error {
	const query = `
		UPDATE contacts
		SET linked_id = $2, updated_at = NOW()
		WHERE linked_id = $1 AND deleted_at IS NULL`

	_, err := r.db.Exec(ctx, query, oldPrimaryID, newPrimaryID)
	return err
}

// InTransaction runs fn against a repository bound to one serializable
// transaction. Serialization failures map to model.ErrConflict so the
// caller can re-run the whole decision from fresh lookups.
func (r *ContactRepository) InTransaction(ctx context.Context, fn func(ctx context.Context, store model.ContactStore) error) error {
	if r.pool == nil {
		// Already inside a transaction, reuse it.
		return fn(ctx, r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &ContactRepository{db: tx}); err != nil {
		return mapConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapConflict(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return model.ErrConflict
		}
	}
	return err
}
