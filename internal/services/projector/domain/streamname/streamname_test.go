package streamname

import (
	"errors"
	"testing"
)

func TestResolverResolve(t *testing.T) {
	r, err := NewResolver("User", "Group")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	tests := []struct {
		stream   string
		wantID   string
		wantType string
		wantErr  bool
	}{
		{stream: Format("User", "1"), wantID: "1", wantType: "User"},
		{stream: "Group#a#b", wantID: "a#b", wantType: "Group"},
		{stream: "Settings#1", wantErr: true},
		{stream: "User#", wantErr: true},
		{stream: "User", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.stream, func(t *testing.T) {
			id, typ, err := r.Resolve(tt.stream)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidStreamName) {
					t.Fatalf("expected ErrInvalidStreamName, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if id != tt.wantID || typ != tt.wantType {
				t.Fatalf("resolve = (%q, %q), want (%q, %q)", id, typ, tt.wantID, tt.wantType)
			}
		})
	}
}

func TestResolverPattern(t *testing.T) {
	r, err := NewResolver("User", "Group", "User")
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if got := r.Pattern().String(); got != `^(Group|User)#(.+)$` {
		t.Fatalf("pattern = %s", got)
	}
}

func TestNewResolverRejectsInvalidTypes(t *testing.T) {
	for _, types := range [][]string{nil, {""}, {"A#B"}} {
		if _, err := NewResolver(types...); err == nil {
			t.Fatalf("expected error for %v", types)
		}
	}
}
