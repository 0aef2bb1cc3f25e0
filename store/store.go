// Package store exposes the durable object and process store to the sync
// engine: hash-verified puts, record loads, completeness updates and the
// retention machinery shared with the clean (garbage collection) operation.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
	"github.com/tangramdotdev/tangram/sql/objects"
	"github.com/tangramdotdev/tangram/sql/processes"
)

// ErrHashMismatch is returned when object bytes do not hash to the id they
// were declared under.
var ErrHashMismatch = errors.New("store: object bytes do not match id")

// ErrNotFound is returned when a requested item does not exist.
var ErrNotFound = sql.ErrNotFound

const defaultVerifiedCacheSize = 10_000

// Opt is a type to configure the store.
type Opt func(*Store)

// WithClock overrides the time source used for retention timestamps.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithVerifiedCacheSize overrides the size of the verified object id cache.
func WithVerifiedCacheSize(size int) Opt {
	return func(s *Store) {
		cache, err := lru.New[types.ObjectID, struct{}](size)
		if err != nil {
			panic(err)
		}
		s.verified = cache
	}
}

// Store is the durable object/process store and its retention index.
type Store struct {
	logger *zap.Logger
	db     *sql.Database
	clock  clockwork.Clock

	// verified caches ids whose bytes were already hash-checked, so
	// re-putting an object a peer sends twice skips the blake3 pass.
	verified *lru.Cache[types.ObjectID, struct{}]

	// gcMux excludes clean from running while sync sessions hold items
	// they have touched but not yet transferred.
	gcMux sync.RWMutex
}

// New creates a store on top of an opened database.
func New(logger *zap.Logger, db *sql.Database, opts ...Opt) *Store {
	cache, err := lru.New[types.ObjectID, struct{}](defaultVerifiedCacheSize)
	if err != nil {
		panic(err)
	}
	s := &Store{
		logger:   logger,
		db:       db,
		clock:    clockwork.NewRealClock(),
		verified: cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying database for query packages.
func (s *Store) DB() *sql.Database { return s.db }

// PutObject verifies that blob hashes to id, checks that it decodes as an
// object, and stores it. Storing is idempotent.
func (s *Store) PutObject(id types.ObjectID, blob []byte) error {
	if _, ok := s.verified.Get(id); !ok {
		if types.CalcObjectID(blob) != id {
			return fmt.Errorf("%w: %s", ErrHashMismatch, id)
		}
	}
	var object types.Object
	if err := codec.Decode(blob, &object); err != nil {
		return fmt.Errorf("malformed object %s: %w", id, err)
	}
	if !object.Kind.Valid() {
		return fmt.Errorf("malformed object %s: bad kind %d", id, object.Kind)
	}
	if err := objects.Add(s.db, id, object.Kind, blob, s.clock.Now()); err != nil {
		return err
	}
	s.verified.Add(id, struct{}{})
	return nil
}

// GetObject loads an object's kind and serialized bytes.
func (s *Store) GetObject(id types.ObjectID) (types.ObjectKind, []byte, error) {
	return objects.Get(s.db, id)
}

// GetObjectChildren loads an object and returns the ids it references.
func (s *Store) GetObjectChildren(id types.ObjectID) ([]types.ObjectID, error) {
	_, blob, err := objects.Get(s.db, id)
	if err != nil {
		return nil, err
	}
	var object types.Object
	if err := codec.Decode(blob, &object); err != nil {
		return nil, fmt.Errorf("deserialize object %s: %w", id, err)
	}
	return object.Children, nil
}

// PutProcess stores a process record.
func (s *Store) PutProcess(id types.ProcessID, record *types.ProcessRecord) error {
	return processes.Add(s.db, id, record, s.clock.Now())
}

// GetProcess loads a process record.
func (s *Store) GetProcess(id types.ProcessID) (*types.ProcessRecord, error) {
	return processes.Get(s.db, id)
}

// TouchObjects refreshes retention and reads completeness for a batch of
// objects in a single round trip.
func (s *Store) TouchObjects(ids []types.ObjectID) ([]*objects.Completeness, error) {
	return objects.TouchAndGetStoredBatch(s.db, ids, s.clock.Now())
}

// TouchProcesses refreshes retention and reads completeness for a batch of
// processes in a single round trip.
func (s *Store) TouchProcesses(ids []types.ProcessID) ([]*processes.Completeness, error) {
	return processes.TouchAndGetStoredBatch(s.db, ids, s.clock.Now())
}

// UpdateObjectStored ors completeness bits into the object's index row.
func (s *Store) UpdateObjectStored(id types.ObjectID, stored types.ObjectStored, metadata types.Metadata) error {
	return objects.UpdateStored(s.db, id, stored, metadata)
}

// UpdateProcessStored ors completeness bits into the process's index row.
func (s *Store) UpdateProcessStored(id types.ProcessID, stored types.ProcessStored, metadata types.Metadata) error {
	return processes.UpdateStored(s.db, id, stored, metadata)
}

// StartSync registers a running sync session with the store. Clean is held
// off until the returned release function is called, so items the session
// has touched cannot be reclaimed mid-transfer.
func (s *Store) StartSync() (release func()) {
	s.gcMux.RLock()
	return s.gcMux.RUnlock
}

// Clean removes unreferenced items whose retention timestamp is older than
// the grace period. It is mutually excluded with sync sessions.
func (s *Store) Clean(ctx context.Context, grace time.Duration) (int, error) {
	s.gcMux.Lock()
	defer s.gcMux.Unlock()
	cutoff := s.clock.Now().Add(-grace)
	removedObjects, err := objects.DeleteUntouched(s.db, cutoff)
	if err != nil {
		return 0, err
	}
	removedProcesses, err := processes.DeleteUntouched(s.db, cutoff)
	if err != nil {
		return removedObjects, err
	}
	s.logger.Info("clean finished",
		zap.Int("objects", removedObjects),
		zap.Int("processes", removedProcesses),
	)
	return removedObjects + removedProcesses, nil
}
