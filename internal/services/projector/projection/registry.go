package projection

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	platformerrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
)

// Policy decides what happens to an event type without a handler.
type Policy uint8

const (
	// PolicyStrict fails the tier on an unknown event type.
	PolicyStrict Policy = iota
	// PolicyLenient skips unknown event types and still advances the cursor.
	PolicyLenient
)

func (p Policy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyLenient:
		return "lenient"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Apply is the input of one handler invocation. Scope is the unit-scoped
// store the handler writes through.
type Apply[P, S any] struct {
	Event   event.Event
	Header  event.Header
	Payload P
	Scope   S
}

// Inverted reports whether the handler must undo its default effect.
func (a Apply[P, S]) Inverted() bool {
	return a.Event.Metadata.HasToBeInverted
}

// HandlerFunc applies one decoded event of payload type P.
type HandlerFunc[P, S any] func(ctx context.Context, in Apply[P, S]) error

// Binding is the registered handler for one event type.
type Binding[S any] struct {
	Type    event.Type
	payload reflect.Type
	apply   func(ctx context.Context, codec event.Codec, evt event.Event, header event.Header, scope S) error
	codec   event.Codec
}

// Apply decodes the payload and runs the handler to completion.
func (b *Binding[S]) Apply(ctx context.Context, evt event.Event, header event.Header, scope S) error {
	return b.apply(ctx, b.codec, evt, header, scope)
}

// Builder collects handler registrations for one tier.
type Builder[S any] struct {
	tier     string
	policy   Policy
	bindings map[event.Type]*Binding[S]
}

// NewBuilder starts a registration list for tier.
func NewBuilder[S any](tier string, policy Policy) *Builder[S] {
	return &Builder[S]{
		tier:     tier,
		policy:   policy,
		bindings: make(map[event.Type]*Binding[S]),
	}
}

// Handle registers fn for event type t. A second registration for the same
// type is rejected.
func Handle[P, S any](b *Builder[S], t event.Type, fn HandlerFunc[P, S]) error {
	t = event.Type(strings.TrimSpace(string(t)))
	if t == "" {
		return fmt.Errorf("tier %s: event type is required", b.tier)
	}
	if fn == nil {
		return fmt.Errorf("tier %s: handler for %s is required", b.tier, t)
	}
	if _, ok := b.bindings[t]; ok {
		return fmt.Errorf("%w: tier %s event type %s", ErrDuplicateHandler, b.tier, t)
	}
	b.bindings[t] = &Binding[S]{
		Type:    t,
		payload: reflect.TypeFor[P](),
		apply: func(ctx context.Context, codec event.Codec, evt event.Event, header event.Header, scope S) error {
			var payload P
			if err := codec.Unmarshal(evt.PayloadJSON, &payload); err != nil {
				return platformerrors.Wrap(platformerrors.CodeEventPayloadInvalid, "decode "+string(t)+" payload", err)
			}
			return fn(ctx, Apply[P, S]{Event: evt, Header: header, Payload: payload, Scope: scope})
		},
	}
	return nil
}

// Build validates every registration against the catalog and freezes the
// lookup table.
func (b *Builder[S]) Build(catalog *event.Catalog) (*Registry[S], error) {
	if catalog == nil {
		return nil, fmt.Errorf("tier %s: event catalog is required", b.tier)
	}
	r := &Registry[S]{
		tier:     b.tier,
		policy:   b.policy,
		bindings: make(map[event.Type]*Binding[S], len(b.bindings)),
	}
	for t, binding := range b.bindings {
		want, err := catalog.PayloadType(t)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", b.tier, err)
		}
		if want != binding.payload {
			return nil, fmt.Errorf("%w: tier %s event type %s handles %s, catalog has %s",
				ErrPayloadMismatch, b.tier, t, binding.payload, want)
		}
		frozen := *binding
		frozen.codec = catalog.Codec()
		r.bindings[t] = &frozen
		r.types = append(r.types, t)
	}
	sort.Slice(r.types, func(i, j int) bool { return r.types[i] < r.types[j] })
	return r, nil
}

// Registry is the frozen handler table for one tier.
type Registry[S any] struct {
	tier     string
	policy   Policy
	bindings map[event.Type]*Binding[S]
	types    []event.Type
}

// Policy returns the tier dispatch policy.
func (r *Registry[S]) Policy() Policy {
	return r.policy
}

// Resolve returns the binding for t.
func (r *Registry[S]) Resolve(t event.Type) (*Binding[S], bool) {
	b, ok := r.bindings[t]
	return b, ok
}

// Dispatch resolves t under the tier policy. A lenient tier returns a nil
// binding and nil error for unknown types.
func (r *Registry[S]) Dispatch(t event.Type) (*Binding[S], error) {
	if b, ok := r.bindings[t]; ok {
		return b, nil
	}
	if r.policy == PolicyLenient {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: tier %s event type %s", ErrNotSupported, r.tier, t)
}

// Covers reports the types a strict tier cannot handle. Lenient tiers cover
// everything.
func (r *Registry[S]) Covers(types ...event.Type) error {
	if r.policy == PolicyLenient {
		return nil
	}
	var missing []string
	for _, t := range types {
		if _, ok := r.bindings[t]; !ok {
			missing = append(missing, string(t))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: tier %s missing %s", ErrNotSupported, r.tier, strings.Join(missing, ", "))
}

// HandledTypes returns the registered event types in sorted order.
func (r *Registry[S]) HandledTypes() []event.Type {
	return append([]event.Type(nil), r.types...)
}
