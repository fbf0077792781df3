// Package apiview maintains the flattened user and group documents the API
// serves. It is the tier command callers wait on.
package apiview

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
	"github.com/louisbranch/identity.space/internal/services/projector/tiers/graph"
)

// Name is the tier name used for cursors, logs and health.
const Name = "apiview"

type apply[P any] = projection.Apply[P, storage.APIViewStore]

// Registry returns the strict handler table for the API view tier.
func Registry() (*projection.Registry[storage.APIViewStore], error) {
	b := projection.NewBuilder[storage.APIViewStore](Name, projection.PolicyStrict)
	err := errors.Join(
		projection.Handle(b, identity.EventTypeUserCreated, userCreated),
		projection.Handle(b, identity.EventTypeUserPropertiesChanged, userPropertiesChanged),
		projection.Handle(b, identity.EventTypeUserDeleted, userDeleted),
		projection.Handle(b, identity.EventTypeGroupCreated, groupCreated),
		projection.Handle(b, identity.EventTypeGroupDeleted, groupDeleted),
		projection.Handle(b, identity.EventTypeMemberAssigned, memberAssigned),
		projection.Handle(b, identity.EventTypeMemberUnassigned, memberUnassigned),
	)
	if err != nil {
		return nil, err
	}
	return b.Build(identity.Catalog())
}

func userCreated(ctx context.Context, in apply[identity.UserCreated]) error {
	if in.Inverted() {
		return removeUser(ctx, in.Scope, in.Payload.UserID, in.Event.Metadata.Timestamp)
	}
	return putUser(ctx, in.Scope, in.Payload.UserID, in.Payload.Properties, in.Event.Metadata.Timestamp)
}

// putUser writes a fresh user document. Memberships from streams projected
// earlier seed the group count.
func putUser(ctx context.Context, scope storage.APIViewStore, userID string, props map[string]string, at time.Time) error {
	memberships, err := scope.ListViewMembershipsByUser(ctx, userID)
	if err != nil {
		return err
	}
	return scope.PutUserView(ctx, storage.UserView{
		UserID:     userID,
		Properties: maps.Clone(props),
		GroupCount: len(memberships),
		UpdatedAt:  at,
	})
}

func userPropertiesChanged(ctx context.Context, in apply[identity.UserPropertiesChanged]) error {
	view, err := in.Scope.GetUserView(ctx, in.Payload.UserID)
	if err != nil {
		return fmt.Errorf("load user view %s: %w", in.Payload.UserID, err)
	}
	view.Properties = graph.ApplyChanges(view.Properties, in.Payload.Changes, in.Inverted())
	view.UpdatedAt = in.Event.Metadata.Timestamp
	return in.Scope.PutUserView(ctx, view)
}

func userDeleted(ctx context.Context, in apply[identity.UserDeleted]) error {
	if in.Inverted() {
		return putUser(ctx, in.Scope, in.Payload.UserID, in.Payload.Properties, in.Event.Metadata.Timestamp)
	}
	return removeUser(ctx, in.Scope, in.Payload.UserID, in.Event.Metadata.Timestamp)
}

// removeUser drops the user document and its memberships, decrementing the
// member count of every group it belonged to.
func removeUser(ctx context.Context, scope storage.APIViewStore, userID string, at time.Time) error {
	memberships, err := scope.ListViewMembershipsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if _, err := scope.DeleteViewMembership(ctx, m.GroupID, userID); err != nil {
			return err
		}
		if err := adjustGroup(ctx, scope, m.GroupID, -1, at); err != nil {
			return err
		}
	}
	return scope.DeleteUserView(ctx, userID)
}

func groupCreated(ctx context.Context, in apply[identity.GroupCreated]) error {
	p := in.Payload
	if in.Inverted() {
		return removeGroup(ctx, in.Scope, p.GroupID, in.Event.Metadata.Timestamp)
	}
	return putGroup(ctx, in.Scope, p.GroupID, p.Name, p.ParentID, in.Event.Metadata.Timestamp)
}

func putGroup(ctx context.Context, scope storage.APIViewStore, groupID, name, parentID string, at time.Time) error {
	memberships, err := scope.ListViewMembershipsByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	return scope.PutGroupView(ctx, storage.GroupView{
		GroupID:     groupID,
		Name:        name,
		ParentID:    parentID,
		MemberCount: len(memberships),
		UpdatedAt:   at,
	})
}

func groupDeleted(ctx context.Context, in apply[identity.GroupDeleted]) error {
	p := in.Payload
	if in.Inverted() {
		return putGroup(ctx, in.Scope, p.GroupID, p.Name, p.ParentID, in.Event.Metadata.Timestamp)
	}
	return removeGroup(ctx, in.Scope, p.GroupID, in.Event.Metadata.Timestamp)
}

// removeGroup drops the group document and its memberships, decrementing
// the group count of every member.
func removeGroup(ctx context.Context, scope storage.APIViewStore, groupID string, at time.Time) error {
	memberships, err := scope.ListViewMembershipsByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if _, err := scope.DeleteViewMembership(ctx, groupID, m.UserID); err != nil {
			return err
		}
		if err := adjustUser(ctx, scope, m.UserID, -1, at); err != nil {
			return err
		}
	}
	return scope.DeleteGroupView(ctx, groupID)
}

func assign(ctx context.Context, scope storage.APIViewStore, groupID, userID, role string, at time.Time) error {
	added, err := scope.PutViewMembership(ctx, storage.AssignmentRecord{GroupID: groupID, UserID: userID, Role: role, AssignedAt: at})
	if err != nil || !added {
		return err
	}
	if err := adjustGroup(ctx, scope, groupID, 1, at); err != nil {
		return err
	}
	return adjustUser(ctx, scope, userID, 1, at)
}

func unassign(ctx context.Context, scope storage.APIViewStore, groupID, userID string, at time.Time) error {
	removed, err := scope.DeleteViewMembership(ctx, groupID, userID)
	if err != nil || !removed {
		return err
	}
	if err := adjustGroup(ctx, scope, groupID, -1, at); err != nil {
		return err
	}
	return adjustUser(ctx, scope, userID, -1, at)
}

func memberAssigned(ctx context.Context, in apply[identity.MemberAssigned]) error {
	p, at := in.Payload, in.Event.Metadata.Timestamp
	if in.Inverted() {
		return unassign(ctx, in.Scope, p.GroupID, p.UserID, at)
	}
	return assign(ctx, in.Scope, p.GroupID, p.UserID, p.Role, at)
}

func memberUnassigned(ctx context.Context, in apply[identity.MemberUnassigned]) error {
	p, at := in.Payload, in.Event.Metadata.Timestamp
	if in.Inverted() {
		return assign(ctx, in.Scope, p.GroupID, p.UserID, p.Role, at)
	}
	return unassign(ctx, in.Scope, p.GroupID, p.UserID, at)
}

// adjustGroup moves a group's member count. A missing document is left
// alone.
func adjustGroup(ctx context.Context, scope storage.APIViewStore, groupID string, delta int, at time.Time) error {
	view, err := scope.GetGroupView(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	view.MemberCount = max(view.MemberCount+delta, 0)
	view.UpdatedAt = at
	return scope.PutGroupView(ctx, view)
}

func adjustUser(ctx context.Context, scope storage.APIViewStore, userID string, delta int, at time.Time) error {
	view, err := scope.GetUserView(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	view.GroupCount = max(view.GroupCount+delta, 0)
	view.UpdatedAt = at
	return scope.PutUserView(ctx, view)
}
