package coedit

import (
	"context"
	"sync"
	"time"
)

// Snapshot is an immutable serialized document state at a sequence.
// A snapshot is superseded only by a later snapshot with a higher sequence.
type Snapshot struct {
	DocumentId DocumentId
	State      []byte
	Seq        uint64
	CreateTime time.Time
}

// SnapshotStore is the durable persistence collaborator. Implementations must
// be safe for concurrent use across documents. "Latest wins" is enforced by
// monotonic sequence comparison, never by store ordering.
type SnapshotStore interface {
	// Load returns the latest snapshot, or ErrSnapshotNotFound.
	Load(ctx context.Context, documentId DocumentId) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Presence tracks which clients are live on a document. Optional collaborator:
// groups announce joins and withdraw on leave. Failures are logged, never
// surfaced to sessions.
type Presence interface {
	Announce(ctx context.Context, documentId DocumentId, clientId Id) error
	Withdraw(ctx context.Context, documentId DocumentId, clientId Id) error
}

// MemorySnapshotStore keeps snapshots in process memory.
// Development and tests only.
type MemorySnapshotStore struct {
	mutex     sync.Mutex
	snapshots map[DocumentId]*Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: map[DocumentId]*Snapshot{},
	}
}

func (self *MemorySnapshotStore) Load(ctx context.Context, documentId DocumentId) (*Snapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	snapshot, ok := self.snapshots[documentId]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (self *MemorySnapshotStore) Save(ctx context.Context, snapshot *Snapshot) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	current, ok := self.snapshots[snapshot.DocumentId]
	if ok && snapshot.Seq <= current.Seq {
		// stale write, the stored snapshot is newer
		return nil
	}
	state := make([]byte, len(snapshot.State))
	copy(state, snapshot.State)
	self.snapshots[snapshot.DocumentId] = &Snapshot{
		DocumentId: snapshot.DocumentId,
		State:      state,
		Seq:        snapshot.Seq,
		CreateTime: snapshot.CreateTime,
	}
	return nil
}
