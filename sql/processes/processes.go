// Package processes contains queries for the processes table: durable
// process records plus the index columns tracking per-facet completeness
// and retention.
package processes

import (
	"context"
	"fmt"
	"time"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
)

// Completeness is the result of a touch-and-get query for a single process.
type Completeness struct {
	Stored   types.ProcessStored
	Metadata types.Metadata
}

// Add inserts a process record. A process may be re-put while running;
// the record is replaced, completeness bits are preserved.
func Add(db sql.Executor, id types.ProcessID, record *types.ProcessRecord, now time.Time) error {
	blob, err := codec.Encode(record)
	if err != nil {
		return fmt.Errorf("serialize process %s: %w", id, err)
	}
	if _, err := db.Exec(`insert into processes (id, record, touched) values (?1, ?2, ?3)
		on conflict(id) do update set record=?2, touched=?3;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
			stmt.BindBytes(2, blob)
			stmt.BindInt64(3, now.UnixNano())
		}, nil); err != nil {
		return fmt.Errorf("add process %s: %w", id, err)
	}
	return nil
}

// Has returns true if the process is in the database.
func Has(db sql.Executor, id types.ProcessID) (bool, error) {
	rows, err := db.Exec("select 1 from processes where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has process %s: %w", id, err)
	}
	return rows > 0, nil
}

// Get returns the process record.
func Get(db sql.Executor, id types.ProcessID) (*types.ProcessRecord, error) {
	var blob []byte
	rows, err := db.Exec("select record from processes where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		},
		func(stmt *sql.Statement) bool {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("get process %s: %w", id, err)
	} else if rows == 0 {
		return nil, fmt.Errorf("get process %s: %w", id, sql.ErrNotFound)
	}
	var record types.ProcessRecord
	if err := codec.Decode(blob, &record); err != nil {
		return nil, fmt.Errorf("deserialize process %s: %w", id, err)
	}
	return &record, nil
}

// GetStored returns the process's completeness bits.
func GetStored(db sql.Executor, id types.ProcessID) (types.ProcessStored, error) {
	var stored types.ProcessStored
	rows, err := db.Exec("select stored from processes where id = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
		},
		func(stmt *sql.Statement) bool {
			stored = types.ProcessStoredFromBits(uint16(stmt.ColumnInt64(0)))
			return true
		})
	if err != nil {
		return stored, fmt.Errorf("get process stored %s: %w", id, err)
	} else if rows == 0 {
		return stored, fmt.Errorf("get process stored %s: %w", id, sql.ErrNotFound)
	}
	return stored, nil
}

// UpdateStored ors the given completeness bits and metadata into the
// process's row. Bits are never cleared.
func UpdateStored(db sql.Executor, id types.ProcessID, stored types.ProcessStored, metadata types.Metadata) error {
	if _, err := db.Exec(`update processes set stored = stored | ?2,
		count = max(coalesce(count, 0), ?3), weight = max(coalesce(weight, 0), ?4) where id = ?1;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, id.Bytes())
			stmt.BindInt64(2, int64(stored.Bits()))
			stmt.BindInt64(3, int64(metadata.Count))
			stmt.BindInt64(4, int64(metadata.Weight))
		}, nil); err != nil {
		return fmt.Errorf("update process stored %s: %w", id, err)
	}
	return nil
}

// TouchAndGetStoredBatch refreshes the retention timestamp of every listed
// process and reads its completeness and metadata, all in one immediate
// transaction. The result slice is parallel to ids; absent processes yield
// nil entries.
func TouchAndGetStoredBatch(db *sql.Database, ids []types.ProcessID, now time.Time) ([]*Completeness, error) {
	results := make([]*Completeness, len(ids))
	err := db.WithTxImmediate(context.Background(), func(tx *sql.Tx) error {
		for i, id := range ids {
			// The returning clause makes the statement report a row per
			// match, which is how absent ids are told apart.
			rows, err := tx.Exec("update processes set touched = ?2 where id = ?1 returning 1;",
				func(stmt *sql.Statement) {
					stmt.BindBytes(1, id.Bytes())
					stmt.BindInt64(2, now.UnixNano())
				}, nil)
			if err != nil {
				return fmt.Errorf("touch process %s: %w", id, err)
			}
			if rows == 0 {
				continue
			}
			result := &Completeness{}
			if _, err := tx.Exec("select stored, count, weight from processes where id = ?1;",
				func(stmt *sql.Statement) {
					stmt.BindBytes(1, id.Bytes())
				},
				func(stmt *sql.Statement) bool {
					result.Stored = types.ProcessStoredFromBits(uint16(stmt.ColumnInt64(0)))
					if !sql.IsNull(stmt, 1) {
						result.Metadata.Count = uint64(stmt.ColumnInt64(1))
					}
					if !sql.IsNull(stmt, 2) {
						result.Metadata.Weight = uint64(stmt.ColumnInt64(2))
					}
					return true
				}); err != nil {
				return fmt.Errorf("get process completeness %s: %w", id, err)
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

// DeleteUntouched removes processes that have no references and were not
// touched since the cutoff. Used by the store's clean operation.
func DeleteUntouched(db sql.Executor, cutoff time.Time) (int, error) {
	rows, err := db.Exec("delete from processes where refcount = 0 and touched < ?1 returning 1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, cutoff.UnixNano())
		}, nil)
	if err != nil {
		return 0, fmt.Errorf("delete untouched processes: %w", err)
	}
	return rows, nil
}
