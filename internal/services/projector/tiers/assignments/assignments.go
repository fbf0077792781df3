// Package assignments maintains the user-to-group assignment index. The tier
// is lenient: it consumes only membership and deletion events.
package assignments

import (
	"context"
	"errors"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// Name is the tier name used for cursors, logs and health.
const Name = "assignments"

type apply[P any] = projection.Apply[P, storage.AssignmentStore]

// Registry returns the lenient handler table for the assignment tier.
func Registry() (*projection.Registry[storage.AssignmentStore], error) {
	b := projection.NewBuilder[storage.AssignmentStore](Name, projection.PolicyLenient)
	err := errors.Join(
		projection.Handle(b, identity.EventTypeMemberAssigned, memberAssigned),
		projection.Handle(b, identity.EventTypeMemberUnassigned, memberUnassigned),
		projection.Handle(b, identity.EventTypeUserDeleted, userDeleted),
		projection.Handle(b, identity.EventTypeGroupDeleted, groupDeleted),
	)
	if err != nil {
		return nil, err
	}
	return b.Build(identity.Catalog())
}

func memberAssigned(ctx context.Context, in apply[identity.MemberAssigned]) error {
	p := in.Payload
	if in.Inverted() {
		_, err := in.Scope.DeleteAssignment(ctx, p.GroupID, p.UserID)
		return err
	}
	_, err := in.Scope.PutAssignment(ctx, storage.AssignmentRecord{
		GroupID: p.GroupID, UserID: p.UserID, Role: p.Role, AssignedAt: in.Event.Metadata.Timestamp,
	})
	return err
}

func memberUnassigned(ctx context.Context, in apply[identity.MemberUnassigned]) error {
	p := in.Payload
	if in.Inverted() {
		_, err := in.Scope.PutAssignment(ctx, storage.AssignmentRecord{
			GroupID: p.GroupID, UserID: p.UserID, Role: p.Role, AssignedAt: in.Event.Metadata.Timestamp,
		})
		return err
	}
	_, err := in.Scope.DeleteAssignment(ctx, p.GroupID, p.UserID)
	return err
}

// Deletion events carry no membership list, so their inverse leaves the
// index unchanged. Restored memberships arrive as inverted unassignments.
func userDeleted(ctx context.Context, in apply[identity.UserDeleted]) error {
	if in.Inverted() {
		return nil
	}
	_, err := in.Scope.DeleteAssignmentsByUser(ctx, in.Payload.UserID)
	return err
}

func groupDeleted(ctx context.Context, in apply[identity.GroupDeleted]) error {
	if in.Inverted() {
		return nil
	}
	_, err := in.Scope.DeleteAssignmentsByGroup(ctx, in.Payload.GroupID)
	return err
}
