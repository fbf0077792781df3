package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// PutUserView upserts a user document.
func (s *Scope) PutUserView(ctx context.Context, view storage.UserView) error {
	view.UserID = strings.TrimSpace(view.UserID)
	if view.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	props, err := encodeProperties(view.Properties)
	if err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO api_user_views (user_id, properties_json, group_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		     properties_json = excluded.properties_json,
		     group_count = excluded.group_count,
		     updated_at = excluded.updated_at`,
		view.UserID, props, view.GroupCount, toMillis(view.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put user view %s: %w", view.UserID, err)
	}
	return nil
}

// GetUserView returns storage.ErrNotFound when the document is missing.
func (s *Scope) GetUserView(ctx context.Context, userID string) (storage.UserView, error) {
	var (
		view      storage.UserView
		props     string
		updatedAt int64
	)
	err := s.tx.QueryRowContext(ctx,
		`SELECT user_id, properties_json, group_count, updated_at FROM api_user_views WHERE user_id = ?`, userID,
	).Scan(&view.UserID, &props, &view.GroupCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UserView{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UserView{}, fmt.Errorf("get user view %s: %w", userID, err)
	}
	if view.Properties, err = decodeProperties(props); err != nil {
		return storage.UserView{}, err
	}
	view.UpdatedAt = fromMillis(updatedAt)
	return view, nil
}

// DeleteUserView removes a user document if present.
func (s *Scope) DeleteUserView(ctx context.Context, userID string) error {
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM api_user_views WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user view %s: %w", userID, err)
	}
	return nil
}

// PutGroupView upserts a group document.
func (s *Scope) PutGroupView(ctx context.Context, view storage.GroupView) error {
	view.GroupID = strings.TrimSpace(view.GroupID)
	if view.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO api_group_views (group_id, name, parent_id, member_count, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (group_id) DO UPDATE SET
		     name = excluded.name,
		     parent_id = excluded.parent_id,
		     member_count = excluded.member_count,
		     updated_at = excluded.updated_at`,
		view.GroupID, view.Name, view.ParentID, view.MemberCount, toMillis(view.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put group view %s: %w", view.GroupID, err)
	}
	return nil
}

// GetGroupView returns storage.ErrNotFound when the document is missing.
func (s *Scope) GetGroupView(ctx context.Context, groupID string) (storage.GroupView, error) {
	var (
		view      storage.GroupView
		updatedAt int64
	)
	err := s.tx.QueryRowContext(ctx,
		`SELECT group_id, name, parent_id, member_count, updated_at FROM api_group_views WHERE group_id = ?`, groupID,
	).Scan(&view.GroupID, &view.Name, &view.ParentID, &view.MemberCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GroupView{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GroupView{}, fmt.Errorf("get group view %s: %w", groupID, err)
	}
	view.UpdatedAt = fromMillis(updatedAt)
	return view, nil
}

// DeleteGroupView removes a group document if present.
func (s *Scope) DeleteGroupView(ctx context.Context, groupID string) error {
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM api_group_views WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group view %s: %w", groupID, err)
	}
	return nil
}

// PutViewMembership records a membership used by the view counters.
func (s *Scope) PutViewMembership(ctx context.Context, rec storage.AssignmentRecord) (bool, error) {
	return putMembership(ctx, s.tx, "api_memberships", rec)
}

// DeleteViewMembership removes a view membership.
func (s *Scope) DeleteViewMembership(ctx context.Context, groupID, userID string) (bool, error) {
	return deleteMembership(ctx, s.tx, "api_memberships", groupID, userID)
}

// ListViewMembershipsByUser lists the view memberships of a user.
func (s *Scope) ListViewMembershipsByUser(ctx context.Context, userID string) ([]storage.AssignmentRecord, error) {
	return listMemberships(ctx, s.tx, "api_memberships", "user_id", userID)
}

// ListViewMembershipsByGroup lists the view memberships of a group.
func (s *Scope) ListViewMembershipsByGroup(ctx context.Context, groupID string) ([]storage.AssignmentRecord, error) {
	return listMemberships(ctx, s.tx, "api_memberships", "group_id", groupID)
}
