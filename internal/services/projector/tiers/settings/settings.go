// Package settings maintains the volatile-settings index. It reads every
// stream in global order and consumes only setting events.
package settings

import (
	"context"
	"errors"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/identity"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

// Name is the tier name used for cursors, logs and health.
const Name = "settings"

type apply[P any] = projection.Apply[P, storage.SettingStore]

// Registry returns the lenient handler table for the settings tier.
func Registry() (*projection.Registry[storage.SettingStore], error) {
	b := projection.NewBuilder[storage.SettingStore](Name, projection.PolicyLenient)
	err := errors.Join(
		projection.Handle(b, identity.EventTypeVolatileSettingSet, settingSet),
		projection.Handle(b, identity.EventTypeVolatileSettingCleared, settingCleared),
	)
	if err != nil {
		return nil, err
	}
	return b.Build(identity.Catalog())
}

func settingSet(ctx context.Context, in apply[identity.VolatileSettingSet]) error {
	p := in.Payload
	if !in.Inverted() {
		return put(ctx, in.Scope, p.EntityID, p.Key, p.Value, in)
	}
	if p.Previous == nil {
		return in.Scope.DeleteSetting(ctx, p.EntityID, p.Key)
	}
	return put(ctx, in.Scope, p.EntityID, p.Key, *p.Previous, in)
}

func settingCleared(ctx context.Context, in apply[identity.VolatileSettingCleared]) error {
	p := in.Payload
	if in.Inverted() {
		return put(ctx, in.Scope, p.EntityID, p.Key, p.Previous, in)
	}
	return in.Scope.DeleteSetting(ctx, p.EntityID, p.Key)
}

func put[P any](ctx context.Context, scope storage.SettingStore, entityID, key, value string, in apply[P]) error {
	return scope.PutSetting(ctx, storage.SettingRecord{
		EntityID:  entityID,
		Key:       key,
		Value:     value,
		UpdatedAt: in.Event.Metadata.Timestamp,
	})
}
