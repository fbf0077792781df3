package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// PutAssignment records a group assignment.
func (s *Scope) PutAssignment(ctx context.Context, rec storage.AssignmentRecord) (bool, error) {
	return putMembership(ctx, s.tx, "assignments", rec)
}

// DeleteAssignment removes a group assignment.
func (s *Scope) DeleteAssignment(ctx context.Context, groupID, userID string) (bool, error) {
	return deleteMembership(ctx, s.tx, "assignments", groupID, userID)
}

// ListAssignmentsByUser lists the assignments of a user.
func (s *Scope) ListAssignmentsByUser(ctx context.Context, userID string) ([]storage.AssignmentRecord, error) {
	return listMemberships(ctx, s.tx, "assignments", "user_id", userID)
}

// ListAssignmentsByGroup lists the assignments of a group.
func (s *Scope) ListAssignmentsByGroup(ctx context.Context, groupID string) ([]storage.AssignmentRecord, error) {
	return listMemberships(ctx, s.tx, "assignments", "group_id", groupID)
}

// DeleteAssignmentsByUser removes every assignment of a user.
func (s *Scope) DeleteAssignmentsByUser(ctx context.Context, userID string) (int, error) {
	return deleteMemberships(ctx, s.tx, "assignments", "user_id", userID)
}

// DeleteAssignmentsByGroup removes every assignment of a group.
func (s *Scope) DeleteAssignmentsByGroup(ctx context.Context, groupID string) (int, error) {
	return deleteMemberships(ctx, s.tx, "assignments", "group_id", groupID)
}

// Membership tables share one shape; table and column names below are
// constants chosen by this package, never caller input.

func putMembership(ctx context.Context, tx *sql.Tx, table string, rec storage.AssignmentRecord) (bool, error) {
	if strings.TrimSpace(rec.GroupID) == "" || strings.TrimSpace(rec.UserID) == "" {
		return false, fmt.Errorf("group id and user id are required")
	}
	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE group_id = ? AND user_id = ?`, rec.GroupID, rec.UserID,
	).Scan(&existing); err != nil {
		return false, fmt.Errorf("inspect %s %s/%s: %w", table, rec.GroupID, rec.UserID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (group_id, user_id, role, assigned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_id, user_id) DO UPDATE SET role = excluded.role`,
		rec.GroupID, rec.UserID, rec.Role, toMillis(rec.AssignedAt),
	); err != nil {
		return false, fmt.Errorf("put %s %s/%s: %w", table, rec.GroupID, rec.UserID, err)
	}
	return existing == 0, nil
}

func deleteMembership(ctx context.Context, tx *sql.Tx, table, groupID, userID string) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE group_id = ? AND user_id = ?`, groupID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("delete %s %s/%s: %w", table, groupID, userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect %s delete: %w", table, err)
	}
	return n > 0, nil
}

func deleteMemberships(ctx context.Context, tx *sql.Tx, table, column, id string) (int, error) {
	result, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete %s by %s: %w", table, column, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect %s delete: %w", table, err)
	}
	return int(n), nil
}

func listMemberships(ctx context.Context, tx *sql.Tx, table, column, id string) ([]storage.AssignmentRecord, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT group_id, user_id, role, assigned_at FROM `+table+` WHERE `+column+` = ? ORDER BY group_id, user_id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", table, column, err)
	}
	defer rows.Close()

	var out []storage.AssignmentRecord
	for rows.Next() {
		var (
			rec        storage.AssignmentRecord
			assignedAt int64
		)
		if err := rows.Scan(&rec.GroupID, &rec.UserID, &rec.Role, &assignedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		rec.AssignedAt = fromMillis(assignedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
