// Package graph maintains the graph of truth: users and groups as nodes,
// memberships and group nesting as edges.
package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// Name is the tier name used for cursors, logs and health.
const Name = "graph"

type apply[P any] = projection.Apply[P, storage.GraphStore]

// Registry returns the strict handler table for the graph tier.
func Registry() (*projection.Registry[storage.GraphStore], error) {
	b := projection.NewBuilder[storage.GraphStore](Name, projection.PolicyStrict)
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

// UserNode returns the node id of a user.
func UserNode(userID string) string {
	return identity.UserStream(userID)
}

// GroupNode returns the node id of a group.
func GroupNode(groupID string) string {
	return identity.GroupStream(groupID)
}

func userCreated(ctx context.Context, in apply[identity.UserCreated]) error {
	id := UserNode(in.Payload.UserID)
	if in.Inverted() {
		return in.Scope.DeleteNode(ctx, id)
	}
	return in.Scope.PutNode(ctx, storage.NodeRecord{
		ID:         id,
		Kind:       storage.NodeUser,
		Label:      in.Payload.UserID,
		Properties: maps.Clone(in.Payload.Properties),
		UpdatedAt:  in.Event.Metadata.Timestamp,
	})
}

func userPropertiesChanged(ctx context.Context, in apply[identity.UserPropertiesChanged]) error {
	id := UserNode(in.Payload.UserID)
	node, err := in.Scope.GetNode(ctx, id)
	if err != nil {
		return fmt.Errorf("load user node %s: %w", id, err)
	}
	node.Properties = ApplyChanges(node.Properties, in.Payload.Changes, in.Inverted())
	node.UpdatedAt = in.Event.Metadata.Timestamp
	return in.Scope.PutNode(ctx, node)
}

// ApplyChanges returns props with changes applied. Inverted changes restore
// each Old side.
func ApplyChanges(props map[string]string, changes []identity.PropertyChange, inverted bool) map[string]string {
	out := maps.Clone(props)
	if out == nil {
		out = make(map[string]string, len(changes))
	}
	for _, c := range changes {
		target := c.New
		if inverted {
			target = c.Old
		}
		if target == nil {
			delete(out, c.Key)
			continue
		}
		out[c.Key] = *target
	}
	return out
}

func userDeleted(ctx context.Context, in apply[identity.UserDeleted]) error {
	id := UserNode(in.Payload.UserID)
	if in.Inverted() {
		return in.Scope.PutNode(ctx, storage.NodeRecord{
			ID:         id,
			Kind:       storage.NodeUser,
			Label:      in.Payload.UserID,
			Properties: maps.Clone(in.Payload.Properties),
			UpdatedAt:  in.Event.Metadata.Timestamp,
		})
	}
	return in.Scope.DeleteNode(ctx, id)
}

func putGroup(ctx context.Context, scope storage.GraphStore, groupID, name, parentID string, at time.Time) error {
	id := GroupNode(groupID)
	if err := scope.PutNode(ctx, storage.NodeRecord{
		ID:        id,
		Kind:      storage.NodeGroup,
		Label:     name,
		UpdatedAt: at,
	}); err != nil {
		return err
	}
	if parentID == "" {
		return nil
	}
	return scope.PutEdge(ctx, storage.EdgeRecord{
		FromID:    id,
		ToID:      GroupNode(parentID),
		Kind:      storage.EdgeChildOf,
		UpdatedAt: at,
	})
}

func groupCreated(ctx context.Context, in apply[identity.GroupCreated]) error {
	if in.Inverted() {
		return in.Scope.DeleteNode(ctx, GroupNode(in.Payload.GroupID))
	}
	return putGroup(ctx, in.Scope, in.Payload.GroupID, in.Payload.Name, in.Payload.ParentID, in.Event.Metadata.Timestamp)
}

func groupDeleted(ctx context.Context, in apply[identity.GroupDeleted]) error {
	if in.Inverted() {
		return putGroup(ctx, in.Scope, in.Payload.GroupID, in.Payload.Name, in.Payload.ParentID, in.Event.Metadata.Timestamp)
	}
	return in.Scope.DeleteNode(ctx, GroupNode(in.Payload.GroupID))
}

func memberEdge(groupID, userID, role string, at time.Time) storage.EdgeRecord {
	return storage.EdgeRecord{
		FromID:    UserNode(userID),
		ToID:      GroupNode(groupID),
		Kind:      storage.EdgeMemberOf,
		Role:      role,
		UpdatedAt: at,
	}
}

func memberAssigned(ctx context.Context, in apply[identity.MemberAssigned]) error {
	p := in.Payload
	if in.Inverted() {
		return in.Scope.DeleteEdge(ctx, UserNode(p.UserID), GroupNode(p.GroupID), storage.EdgeMemberOf)
	}
	return in.Scope.PutEdge(ctx, memberEdge(p.GroupID, p.UserID, p.Role, in.Event.Metadata.Timestamp))
}

func memberUnassigned(ctx context.Context, in apply[identity.MemberUnassigned]) error {
	p := in.Payload
	if in.Inverted() {
		return in.Scope.PutEdge(ctx, memberEdge(p.GroupID, p.UserID, p.Role, in.Event.Metadata.Timestamp))
	}
	return in.Scope.DeleteEdge(ctx, UserNode(p.UserID), GroupNode(p.GroupID), storage.EdgeMemberOf)
}
