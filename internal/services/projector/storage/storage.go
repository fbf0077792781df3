// Package storage defines the read-model records the identity tiers
// maintain and the store contracts their handlers write through.
//
// Every store is used inside one projection unit, so implementations bind to
// an open transaction and never commit on their own.
package storage

import (
	"context"
	"time"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// ErrNotFound indicates a requested read-model record is missing.
var ErrNotFound = platformerrors.New(platformerrors.CodeNotFound, "record not found")

// Node kinds in the graph of truth.
const (
	NodeUser  = "user"
	NodeGroup = "group"
)

// Edge kinds in the graph of truth.
const (
	EdgeMemberOf = "member_of"
	EdgeChildOf  = "child_of"
)

// NodeRecord is one entity in the graph of truth.
type NodeRecord struct {
	ID         string
	Kind       string
	Label      string
	Properties map[string]string
	UpdatedAt  time.Time
}

// EdgeRecord is a directed relation between two nodes.
type EdgeRecord struct {
	FromID    string
	ToID      string
	Kind      string
	Role      string
	UpdatedAt time.Time
}

// UserView is the flattened user document served by the API.
type UserView struct {
	UserID     string
	Properties map[string]string
	GroupCount int
	UpdatedAt  time.Time
}

// GroupView is the flattened group document served by the API.
type GroupView struct {
	GroupID     string
	Name        string
	ParentID    string
	MemberCount int
	UpdatedAt   time.Time
}

// AssignmentRecord links a user to a group with a role.
type AssignmentRecord struct {
	GroupID    string
	UserID     string
	Role       string
	AssignedAt time.Time
}

// SettingRecord is one volatile runtime setting of an entity.
type SettingRecord struct {
	EntityID  string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// GraphStore maintains the graph of truth.
type GraphStore interface {
	PutNode(ctx context.Context, node NodeRecord) error
	GetNode(ctx context.Context, id string) (NodeRecord, error)
	// DeleteNode removes the node and every edge touching it.
	DeleteNode(ctx context.Context, id string) error
	PutEdge(ctx context.Context, edge EdgeRecord) error
	DeleteEdge(ctx context.Context, fromID, toID, kind string) error
	ListEdges(ctx context.Context, nodeID string) ([]EdgeRecord, error)
}

// APIViewStore maintains the flattened API documents.
type APIViewStore interface {
	PutUserView(ctx context.Context, view UserView) error
	GetUserView(ctx context.Context, userID string) (UserView, error)
	DeleteUserView(ctx context.Context, userID string) error
	PutGroupView(ctx context.Context, view GroupView) error
	GetGroupView(ctx context.Context, groupID string) (GroupView, error)
	DeleteGroupView(ctx context.Context, groupID string) error
	// PutViewMembership reports whether the pair was newly recorded. View
	// memberships back the member and group counters.
	PutViewMembership(ctx context.Context, rec AssignmentRecord) (bool, error)
	DeleteViewMembership(ctx context.Context, groupID, userID string) (bool, error)
	ListViewMembershipsByUser(ctx context.Context, userID string) ([]AssignmentRecord, error)
	ListViewMembershipsByGroup(ctx context.Context, groupID string) ([]AssignmentRecord, error)
}

// AssignmentStore maintains the assignment index.
type AssignmentStore interface {
	// PutAssignment reports whether the pair was newly assigned.
	PutAssignment(ctx context.Context, rec AssignmentRecord) (bool, error)
	// DeleteAssignment reports whether the pair existed.
	DeleteAssignment(ctx context.Context, groupID, userID string) (bool, error)
	ListAssignmentsByUser(ctx context.Context, userID string) ([]AssignmentRecord, error)
	ListAssignmentsByGroup(ctx context.Context, groupID string) ([]AssignmentRecord, error)
	DeleteAssignmentsByUser(ctx context.Context, userID string) (int, error)
	DeleteAssignmentsByGroup(ctx context.Context, groupID string) (int, error)
}

// SettingStore maintains the volatile-settings index.
type SettingStore interface {
	PutSetting(ctx context.Context, rec SettingRecord) error
	GetSetting(ctx context.Context, entityID, key string) (SettingRecord, error)
	DeleteSetting(ctx context.Context, entityID, key string) error
	ListSettings(ctx context.Context, entityID string) ([]SettingRecord, error)
}
