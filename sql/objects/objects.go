// Package objects contains queries for the objects table: content-addressed
// blobs plus the index columns tracking completeness and retention.
package objects

import (
	"context"
	"fmt"
	"time"

	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
)

// Completeness is the result of a touch-and-get query for a single object.
type Completeness struct {
	Kind     types.ObjectKind
	Stored   types.ObjectStored
	Metadata types.Metadata
}

// Add inserts an object. Inserting the same id twice is a no-op: the bytes
// are content-addressed, so an existing row is always identical.
func Add(db sql.Executor, id types.ObjectID, kind types.ObjectKind, blob []byte, now time.Time) error {
	if _, err := db.Exec(`insert into objects (id, kind, bytes, size, touched) values (?1, ?2, ?3, ?4, ?5)
		on conflict(id) do update set touched=?5;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
			stmt.BindInt64(2, int64(kind))
			stmt.BindBytes(3, blob)
			stmt.BindInt64(4, int64(len(blob)))
			stmt.BindInt64(5, now.UnixNano())
		}, nil); err != nil {
		return fmt.Errorf("add object %s: %w", id, err)
	}
	return nil
}

// Has returns true if the object is in the database.
func Has(db sql.Executor, id types.ObjectID) (bool, error) {
	rows, err := db.Exec("select 1 from objects where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has object %s: %w", id, err)
	}
	return rows > 0, nil
}

// Get returns the object's kind and serialized bytes.
func Get(db sql.Executor, id types.ObjectID) (types.ObjectKind, []byte, error) {
	var (
		kind types.ObjectKind
		blob []byte
	)
	rows, err := db.Exec("select kind, bytes from objects where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		},
		func(stmt *sql.Statement) bool {
			kind = types.ObjectKind(stmt.ColumnInt64(0))
			blob = make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)
			return true
		})
	if err != nil {
		return 0, nil, fmt.Errorf("get object %s: %w", id, err)
	} else if rows == 0 {
		return 0, nil, fmt.Errorf("get object %s: %w", id, sql.ErrNotFound)
	}
	return kind, blob, nil
}

// GetStored returns the object's completeness bits.
func GetStored(db sql.Executor, id types.ObjectID) (types.ObjectStored, error) {
	var stored types.ObjectStored
	rows, err := db.Exec("select stored from objects where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		},
		func(stmt *sql.Statement) bool {
			stored.Subtree = stmt.ColumnInt64(0)&1 != 0
			return true
		})
	if err != nil {
		return stored, fmt.Errorf("get object stored %s: %w", id, err)
	} else if rows == 0 {
		return stored, fmt.Errorf("get object stored %s: %w", id, sql.ErrNotFound)
	}
	return stored, nil
}

// UpdateStored ors the given completeness bits and metadata into the
// object's row. Bits are never cleared.
func UpdateStored(db sql.Executor, id types.ObjectID, stored types.ObjectStored, metadata types.Metadata) error {
	var bits int64
	if stored.Subtree {
		bits = 1
	}
	if _, err := db.Exec(`update objects set stored = stored | ?2,
		count = max(coalesce(count, 0), ?3), weight = max(coalesce(weight, 0), ?4) where id = ?1;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
			stmt.BindInt64(2, bits)
			stmt.BindInt64(3, int64(metadata.Count))
			stmt.BindInt64(4, int64(metadata.Weight))
		}, nil); err != nil {
		return fmt.Errorf("update object stored %s: %w", id, err)
	}
	return nil
}

// TouchAndGetStoredBatch refreshes the retention timestamp of every listed
// object and reads its completeness and metadata, all in one immediate
// transaction. The result slice is parallel to ids; absent objects yield
// nil entries.
func TouchAndGetStoredBatch(db *sql.Database, ids []types.ObjectID, now time.Time) ([]*Completeness, error) {
	results := make([]*Completeness, len(ids))
	err := db.WithTxImmediate(context.Background(), func(tx *sql.Tx) error {
		for i, id := range ids {
			// The returning clause makes the statement report a row per
			// match, which is how absent ids are told apart.
			rows, err := tx.Exec("update objects set touched = ?2 where id = ?1 returning 1;",
				func(stmt *sql.Statement) {
					stmt.BindBytes(1, id.Bytes())
					stmt.BindInt64(2, now.UnixNano())
				}, nil)
			if err != nil {
				return fmt.Errorf("touch object %s: %w", id, err)
			}
			if rows == 0 {
				continue
			}
			result := &Completeness{}
			if _, err := tx.Exec("select kind, stored, count, weight from objects where id = ?1;",
				func(stmt *sql.Statement) {
					stmt.BindBytes(1, id.Bytes())
				},
				func(stmt *sql.Statement) bool {
					result.Kind = types.ObjectKind(stmt.ColumnInt64(0))
					result.Stored.Subtree = stmt.ColumnInt64(1)&1 != 0
					if !sql.IsNull(stmt, 2) {
						result.Metadata.Count = uint64(stmt.ColumnInt64(2))
					}
					if !sql.IsNull(stmt, 3) {
						result.Metadata.Weight = uint64(stmt.ColumnInt64(3))
					}
					return true
				}); err != nil {
				return fmt.Errorf("get object completeness %s: %w", id, err)
			}
			results[i] = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteUntouched removes objects that have no references and were not
// touched since the cutoff. Used by the store's clean operation.
func DeleteUntouched(db sql.Executor, cutoff time.Time) (int, error) {
	rows, err := db.Exec("delete from objects where refcount = 0 and touched < ?1 returning 1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, cutoff.UnixNano())
		}, nil)
	if err != nil {
		return 0, fmt.Errorf("delete untouched objects: %w", err)
	}
	return rows, nil
}
