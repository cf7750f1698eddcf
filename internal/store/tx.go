package store

import (
	"context"
	"database/sql"
	"fmt"

	"pageperm/api/internal/permissions"
)

// Tx is the write side used by permission synchronization. Everything done
// through one Tx commits or rolls back together.
type Tx interface {
	DeleteGrants(ctx context.Context, grantIDs []string) error
	CreateGrants(ctx context.Context, grants []permissions.Grant) error
	UpdateProposalStatus(ctx context.Context, proposalID, status string) error
}

// RunInTx runs fn inside a read-committed transaction. The transaction is
// rolled back when fn returns an error or panics.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		} else if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// DeleteGrants removes the rows in a single statement so that inherited rows
// and their sources can go together.
func (t *pgTx) DeleteGrants(ctx context.Context, grantIDs []string) error {
	if len(grantIDs) == 0 {
		return nil
	}
	placeholders, args := inList(1, grantIDs)
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM page_permissions WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	return nil
}

// CreateGrants inserts grants in order; sources must precede the rows that
// reference them.
func (t *pgTx) CreateGrants(ctx context.Context, grants []permissions.Grant) error {
	for _, grant := range grants {
		userID, roleID, spaceID, public := assigneeColumns(grant.Assignee)
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO page_permissions (id, page_id, permission_level, user_id, role_id, space_id, public, source_permission_id, origin)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, grant.ID, grant.PageID, string(grant.Level), userID, roleID, spaceID, public, grant.SourcePermissionID, string(grant.Origin)); err != nil {
			return fmt.Errorf("create grant %s: %w", grant.ID, err)
		}
	}
	return nil
}

func (t *pgTx) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE proposals SET status=$2, updated_at=NOW() WHERE id=$1`, proposalID, status)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update proposal status: %w", ErrNotFound)
	}
	return nil
}
