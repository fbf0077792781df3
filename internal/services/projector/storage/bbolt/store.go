// Package bbolt stores the volatile-settings index and its cursor in BoltDB.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"github.com/louisbranch/identity.space/internal/services/projector/domain/event"
	"github.com/louisbranch/identity.space/internal/services/projector/projection"
	"github.com/louisbranch/identity.space/internal/services/projector/storage"
)

const (
	settingsBucket  = "settings"
	positionsBucket = "positions"
	streamsBucket   = "streams"
	globalKey       = "global"
)

// Store provides a BoltDB-backed settings index.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureReady creates the top-level buckets.
func (s *Store) EnsureReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{settingsBucket, positionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// LoadStreamPositions implements projection.PositionReader.
func (s *Store) LoadStreamPositions(ctx context.Context, tier string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions := make(map[string]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		streams := tierBucket(tx, tier).nested(streamsBucket)
		if streams == nil {
			return nil
		}
		return streams.ForEach(func(k, v []byte) error {
			positions[string(k)] = decodePosition(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load stream positions: %w", err)
	}
	return positions, nil
}

// LoadGlobalPosition implements projection.PositionReader.
func (s *Store) LoadGlobalPosition(ctx context.Context, tier string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return projection.FromStart, err
	}
	position := projection.FromStart
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tierBucket(tx, tier).bucket; b != nil {
			if v := b.Get([]byte(globalKey)); v != nil {
				position = decodePosition(v)
			}
		}
		return nil
	})
	if err != nil {
		return projection.FromStart, fmt.Errorf("load global position: %w", err)
	}
	return position, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Scope) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&Scope{tx: tx})
	})
}

// NewUnitOfWork returns units backed by one writable BoltDB transaction.
// BoltDB allows a single writer, so units of one store serialize.
func NewUnitOfWork[S any](store *Store, tier string, scope func(*Scope) S) (projection.UnitOfWork[S], error) {
	if store == nil || store.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return nil, fmt.Errorf("tier is required")
	}
	if scope == nil {
		return nil, fmt.Errorf("scope mapper is required")
	}
	return projection.UnitOfWorkFunc[S](func(ctx context.Context) (projection.Unit[S], error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx, err := store.db.Begin(true)
		if err != nil {
			return nil, fmt.Errorf("begin settings tx: %w", err)
		}
		return &unit[S]{tier: tier, tx: tx, scope: scope(&Scope{tx: tx})}, nil
	}), nil
}

type unit[S any] struct {
	tier  string
	tx    *bbolt.Tx
	scope S
}

func (u *unit[S]) Scope() S {
	return u.scope
}

func (u *unit[S]) RecordPosition(_ context.Context, mode projection.Mode, h event.Header) error {
	positions, err := u.tx.CreateBucketIfNotExists([]byte(positionsBucket))
	if err != nil {
		return fmt.Errorf("create positions bucket: %w", err)
	}
	tierB, err := positions.CreateBucketIfNotExists([]byte(u.tier))
	if err != nil {
		return fmt.Errorf("create tier bucket: %w", err)
	}
	if mode == projection.ModeGlobal {
		return putMax(tierB, []byte(globalKey), h.GlobalPosition)
	}
	streams, err := tierB.CreateBucketIfNotExists([]byte(streamsBucket))
	if err != nil {
		return fmt.Errorf("create streams bucket: %w", err)
	}
	return putMax(streams, []byte(h.StreamID), h.Version)
}

func (u *unit[S]) Commit(context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit settings tx: %w", err)
	}
	return nil
}

func (u *unit[S]) Rollback() error {
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, bolterrors.ErrTxClosed) {
		return fmt.Errorf("rollback settings tx: %w", err)
	}
	return nil
}

// Scope is the settings store bound to one BoltDB transaction.
type Scope struct {
	tx *bbolt.Tx
}

var _ storage.SettingStore = (*Scope)(nil)

// PutSetting stores rec under its entity bucket.
func (s *Scope) PutSetting(_ context.Context, rec storage.SettingRecord) error {
	if strings.TrimSpace(rec.EntityID) == "" || strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("entity id and key are required")
	}
	root, err := s.tx.CreateBucketIfNotExists([]byte(settingsBucket))
	if err != nil {
		return fmt.Errorf("create settings bucket: %w", err)
	}
	entity, err := root.CreateBucketIfNotExists([]byte(rec.EntityID))
	if err != nil {
		return fmt.Errorf("create entity bucket %s: %w", rec.EntityID, err)
	}
	payload, err := json.Marshal(settingDoc{Value: rec.Value, UpdatedAt: rec.UpdatedAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal setting: %w", err)
	}
	return entity.Put([]byte(rec.Key), payload)
}

// GetSetting returns storage.ErrNotFound when the key is unset.
func (s *Scope) GetSetting(_ context.Context, entityID, key string) (storage.SettingRecord, error) {
	entity := s.entity(entityID)
	if entity == nil {
		return storage.SettingRecord{}, storage.ErrNotFound
	}
	payload := entity.Get([]byte(key))
	if payload == nil {
		return storage.SettingRecord{}, storage.ErrNotFound
	}
	return decodeSetting(entityID, key, payload)
}

// DeleteSetting removes a key. The entity bucket goes once it is empty.
func (s *Scope) DeleteSetting(_ context.Context, entityID, key string) error {
	entity := s.entity(entityID)
	if entity == nil {
		return nil
	}
	if err := entity.Delete([]byte(key)); err != nil {
		return fmt.Errorf("delete setting %s/%s: %w", entityID, key, err)
	}
	if k, _ := entity.Cursor().First(); k == nil {
		if err := s.tx.Bucket([]byte(settingsBucket)).DeleteBucket([]byte(entityID)); err != nil {
			return fmt.Errorf("delete entity bucket %s: %w", entityID, err)
		}
	}
	return nil
}

// ListSettings returns an entity's settings ordered by key.
func (s *Scope) ListSettings(_ context.Context, entityID string) ([]storage.SettingRecord, error) {
	entity := s.entity(entityID)
	if entity == nil {
		return nil, nil
	}
	var out []storage.SettingRecord
	err := entity.ForEach(func(k, v []byte) error {
		rec, err := decodeSetting(entityID, string(k), v)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Scope) entity(entityID string) *bbolt.Bucket {
	root := s.tx.Bucket([]byte(settingsBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(entityID))
}

type settingDoc struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func decodeSetting(entityID, key string, payload []byte) (storage.SettingRecord, error) {
	var doc settingDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return storage.SettingRecord{}, fmt.Errorf("unmarshal setting %s/%s: %w", entityID, key, err)
	}
	return storage.SettingRecord{EntityID: entityID, Key: key, Value: doc.Value, UpdatedAt: doc.UpdatedAt}, nil
}

type tierView struct {
	bucket *bbolt.Bucket
}

func tierBucket(tx *bbolt.Tx, tier string) tierView {
	positions := tx.Bucket([]byte(positionsBucket))
	if positions == nil {
		return tierView{}
	}
	return tierView{bucket: positions.Bucket([]byte(tier))}
}

func (v tierView) nested(name string) *bbolt.Bucket {
	if v.bucket == nil {
		return nil
	}
	return v.bucket.Bucket([]byte(name))
}

func putMax(b *bbolt.Bucket, key []byte, value int64) error {
	if current := b.Get(key); current != nil && decodePosition(current) >= value {
		return nil
	}
	return b.Put(key, encodePosition(value))
}

func encodePosition(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodePosition(b []byte) int64 {
	if len(b) != 8 {
		return projection.FromStart
	}
	return int64(binary.BigEndian.Uint64(b))
}
