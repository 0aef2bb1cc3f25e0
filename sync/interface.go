package sync

import (
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql/objects"
	"github.com/tangramdotdev/tangram/sql/processes"
)

// Store is the engine's view of the durable object and process store.
// Implementations must make items durable before reporting them stored,
// and Touch* must refresh retention so a concurrent clean cannot reclaim
// items mid-session.
type Store interface {
	PutObject(id types.ObjectID, blob []byte) error
	GetObject(id types.ObjectID) (types.ObjectKind, []byte, error)
	GetObjectChildren(id types.ObjectID) ([]types.ObjectID, error)
	PutProcess(id types.ProcessID, record *types.ProcessRecord) error
	GetProcess(id types.ProcessID) (*types.ProcessRecord, error)

	// TouchObjects refreshes retention and returns completeness for each
	// id, nil for ids not present.
	TouchObjects(ids []types.ObjectID) ([]*objects.Completeness, error)
	// TouchProcesses is the process counterpart of TouchObjects.
	TouchProcesses(ids []types.ProcessID) ([]*processes.Completeness, error)

	UpdateObjectStored(id types.ObjectID, stored types.ObjectStored, metadata types.Metadata) error
	UpdateProcessStored(id types.ProcessID, stored types.ProcessStored, metadata types.Metadata) error

	// StartSync blocks reclamation until the returned release is called.
	StartSync() (release func())
}
