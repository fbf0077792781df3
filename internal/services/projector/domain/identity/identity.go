// Package identity declares the identity event types and payloads consumed
// by the projection tiers.
package identity

import (
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/streamname"
)

// Entity types used in stream names.
const (
	EntityUser     = "User"
	EntityGroup    = "Group"
	EntitySettings = "Settings"
)

// Event types.
const (
	EventTypeUserCreated           event.Type = "user.created"
	EventTypeUserPropertiesChanged event.Type = "user.properties_changed"
	EventTypeUserDeleted           event.Type = "user.deleted"

	EventTypeGroupCreated     event.Type = "group.created"
	EventTypeGroupDeleted     event.Type = "group.deleted"
	EventTypeMemberAssigned   event.Type = "group.member_assigned"
	EventTypeMemberUnassigned event.Type = "group.member_unassigned"

	EventTypeVolatileSettingSet     event.Type = "setting.volatile_set"
	EventTypeVolatileSettingCleared event.Type = "setting.volatile_cleared"
)

// UserCreated records a new user and its initial properties.
type UserCreated struct {
	UserID     string            `json:"user_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// PropertyChange is one property transition. A nil side means absent.
type PropertyChange struct {
	Key string  `json:"key"`
	Old *string `json:"old,omitempty"`
	New *string `json:"new,omitempty"`
}

// UserPropertiesChanged records property edits on a user.
type UserPropertiesChanged struct {
	UserID  string           `json:"user_id"`
	Changes []PropertyChange `json:"changes"`
}

// UserDeleted records a removed user with a snapshot of its properties.
type UserDeleted struct {
	UserID     string            `json:"user_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// GroupCreated records a new group.
type GroupCreated struct {
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// GroupDeleted records a removed group.
type GroupDeleted struct {
	GroupID  string `json:"group_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// MemberAssigned records a user joining a group with a role.
type MemberAssigned struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role,omitempty"`
}

// MemberUnassigned records a user leaving a group.
type MemberUnassigned struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role,omitempty"`
}

// VolatileSettingSet records a runtime setting value. Previous is nil when
// the key was unset before.
type VolatileSettingSet struct {
	EntityID string  `json:"entity_id"`
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	Previous *string `json:"previous,omitempty"`
}

// VolatileSettingCleared records a removed runtime setting.
type VolatileSettingCleared struct {
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Previous string `json:"previous"`
}

// Catalog returns the identity event catalog.
func Catalog() *event.Catalog {
	catalog, err := event.NewCatalog(event.DefaultCodec(),
		event.Definition[UserCreated](EventTypeUserCreated),
		event.Definition[UserPropertiesChanged](EventTypeUserPropertiesChanged),
		event.Definition[UserDeleted](EventTypeUserDeleted),
		event.Definition[GroupCreated](EventTypeGroupCreated),
		event.Definition[GroupDeleted](EventTypeGroupDeleted),
		event.Definition[MemberAssigned](EventTypeMemberAssigned),
		event.Definition[MemberUnassigned](EventTypeMemberUnassigned),
		event.Definition[VolatileSettingSet](EventTypeVolatileSettingSet),
		event.Definition[VolatileSettingCleared](EventTypeVolatileSettingCleared),
	)
	if err != nil {
		panic(err)
	}
	return catalog
}

// StreamEventTypes returns the event types written to user and group
// streams. Strict tiers reading those streams must handle all of them.
func StreamEventTypes() []event.Type {
	return []event.Type{
		EventTypeUserCreated,
		EventTypeUserPropertiesChanged,
		EventTypeUserDeleted,
		EventTypeGroupCreated,
		EventTypeGroupDeleted,
		EventTypeMemberAssigned,
		EventTypeMemberUnassigned,
	}
}

// Streams returns the resolver for user and group streams.
func Streams() *streamname.Resolver {
	r, err := streamname.NewResolver(EntityUser, EntityGroup)
	if err != nil {
		panic(err)
	}
	return r
}

// UserStream returns the stream name for a user.
func UserStream(userID string) string {
	return streamname.Format(EntityUser, userID)
}

// GroupStream returns the stream name for a group.
func GroupStream(groupID string) string {
	return streamname.Format(EntityGroup, groupID)
}

// SettingsStream returns the stream name for an entity's settings.
func SettingsStream(entityID string) string {
	return streamname.Format(EntitySettings, entityID)
}
