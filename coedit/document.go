package coedit

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Mergeable document state. The representation is a delta-state last-writer-wins
// map: each key holds one register stamped with a Lamport timestamp and the
// origin that wrote it. Two properties hold for any interleaving of concurrent
// updates across replicas:
// - idempotent. An update is identified by (origin, clock), and the exact
//   applied pairs are tracked. Re-applying an applied update leaves the state
//   unchanged.
// - convergent. Register resolution compares (ts, origin) with a total order,
//   so the final state does not depend on arrival order, including per-origin
//   reordering.
// The state is owned by exactly one broadcast group and is never mutated
// outside the group's run loop.

type RegisterOp struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
	// lamport timestamp assigned by the writing client
	Ts uint64 `json:"ts"`
}

// Update is transient. It is decoded, merged, fanned out, then discarded.
type Update struct {
	Origin  Id
	Clock   uint64
	BaseSeq uint64
	Ops     []RegisterOp
}

type register struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Ts      uint64          `json:"ts"`
	Origin  Id              `json:"origin"`
}

type appliedUpdate struct {
	seq    uint64
	origin Id
	ops    []RegisterOp
}

// originState tracks exactly which clocks from one origin have been applied.
// Clocks 1..contiguous are all applied. sparse holds applied clocks above the
// contiguous prefix, so an origin's updates can arrive in any order without
// being mistaken for duplicates.
type originState struct {
	contiguous uint64
	sparse     map[uint64]bool
}

func (self *originState) applied(clock uint64) bool {
	return clock <= self.contiguous || self.sparse[clock]
}

func (self *originState) markApplied(clock uint64) {
	if clock == self.contiguous+1 {
		self.contiguous = clock
		for self.sparse[self.contiguous+1] {
			self.contiguous += 1
			delete(self.sparse, self.contiguous)
		}
		return
	}
	if self.sparse == nil {
		self.sparse = map[uint64]bool{}
	}
	self.sparse[clock] = true
}

type DocStateSettings struct {
	// applied updates retained for delta resync. Older gaps force a full resync.
	RetainedUpdates int
}

func DefaultDocStateSettings() *DocStateSettings {
	return &DocStateSettings{
		RetainedUpdates: 1024,
	}
}

type DocState struct {
	registers map[string]*register
	// applied clocks per origin
	origins map[Id]*originState
	lamport uint64
	seq     uint64

	history []appliedUpdate
	// lowest base sequence still serviceable by delta replay
	historyFloor uint64

	settings *DocStateSettings
}

func NewDocStateWithDefaults() *DocState {
	return NewDocState(DefaultDocStateSettings())
}

func NewDocState(settings *DocStateSettings) *DocState {
	return &DocState{
		registers: map[string]*register{},
		origins:   map[Id]*originState{},
		settings:  settings,
	}
}

// docSnapshot is the serialized form. History is intentionally excluded:
// a state restored from a snapshot can only answer full resyncs until new
// updates accumulate.
type docSnapshot struct {
	Registers map[string]*register      `json:"registers"`
	Versions  map[string]*originVersion `json:"versions"`
	Lamport   uint64                    `json:"lamport"`
	Seq       uint64                    `json:"seq"`
}

type originVersion struct {
	Contiguous uint64 `json:"contiguous"`
	// sorted ascending for a canonical serialization
	Sparse []uint64 `json:"sparse,omitempty"`
}

func NewDocStateFromSnapshot(state []byte, settings *DocStateSettings) (*DocState, error) {
	snapshot := &docSnapshot{}
	if err := json.Unmarshal(state, snapshot); err != nil {
		return nil, err
	}
	origins := map[Id]*originState{}
	for originStr, version := range snapshot.Versions {
		origin, err := ParseId(originStr)
		if err != nil {
			return nil, err
		}
		tracked := &originState{
			contiguous: version.Contiguous,
		}
		for _, clock := range version.Sparse {
			tracked.markApplied(clock)
		}
		origins[origin] = tracked
	}
	registers := snapshot.Registers
	if registers == nil {
		registers = map[string]*register{}
	}
	return &DocState{
		registers:    registers,
		origins:      origins,
		lamport:      snapshot.Lamport,
		seq:          snapshot.Seq,
		historyFloor: snapshot.Seq,
		settings:     settings,
	}, nil
}

func (self *DocState) Seq() uint64 {
	return self.seq
}

func (self *DocState) Lamport() uint64 {
	return self.lamport
}

// NextLamport returns a timestamp strictly above everything applied so far.
// Used by locally originated edits in tests and tooling.
func (self *DocState) NextLamport() uint64 {
	return self.lamport + 1
}

// Version is the highest clock through which every update from the origin has
// been applied.
func (self *DocState) Version(origin Id) uint64 {
	if state, ok := self.origins[origin]; ok {
		return state.contiguous
	}
	return 0
}

// Apply merges one update.
// Accepted updates advance the sequence and are recorded in history.
// A duplicate (origin, clock) is accepted as a no-op with duplicate=true.
// A base older than retained history is rejected with ErrStaleBase and the
// caller answers the originator with a full resync instead of merging.
func (self *DocState) Apply(update *Update) (seq uint64, duplicate bool, err error) {
	if err := self.validate(update); err != nil {
		return 0, false, err
	}

	origin := self.origins[update.Origin]
	if origin == nil {
		origin = &originState{}
		self.origins[update.Origin] = origin
	}
	if origin.applied(update.Clock) {
		// already incorporated
		return self.seq, true, nil
	}

	if update.BaseSeq < self.historyFloor {
		return 0, false, ErrStaleBase
	}

	for _, op := range update.Ops {
		self.applyOp(update.Origin, op)
		if self.lamport < op.Ts {
			self.lamport = op.Ts
		}
	}
	origin.markApplied(update.Clock)
	self.seq += 1

	self.history = append(self.history, appliedUpdate{
		seq:    self.seq,
		origin: update.Origin,
		ops:    update.Ops,
	})
	if self.settings.RetainedUpdates < len(self.history) {
		drop := len(self.history) - self.settings.RetainedUpdates
		self.history = self.history[drop:]
		self.historyFloor = self.history[0].seq - 1
	}

	return self.seq, false, nil
}

func (self *DocState) validate(update *Update) error {
	if update.Origin == (Id{}) {
		return fmt.Errorf("%w: missing origin", ErrMalformedUpdate)
	}
	if update.Clock == 0 {
		return fmt.Errorf("%w: missing clock", ErrMalformedUpdate)
	}
	if len(update.Ops) == 0 {
		return fmt.Errorf("%w: empty ops", ErrMalformedUpdate)
	}
	for _, op := range update.Ops {
		if op.Key == "" {
			return fmt.Errorf("%w: empty key", ErrMalformedUpdate)
		}
		if op.Ts == 0 {
			return fmt.Errorf("%w: missing ts", ErrMalformedUpdate)
		}
		if !op.Delete && len(op.Value) == 0 {
			return fmt.Errorf("%w: empty value for key %s", ErrMalformedUpdate, op.Key)
		}
	}
	return nil
}

func (self *DocState) applyOp(origin Id, op RegisterOp) {
	current, ok := self.registers[op.Key]
	if ok && !lessRegister(current.Ts, current.Origin, op.Ts, origin) {
		// the existing register wins
		return
	}
	self.registers[op.Key] = &register{
		Value:   op.Value,
		Deleted: op.Delete,
		Ts:      op.Ts,
		Origin:  origin,
	}
}

// total order on (ts, origin). True when a < b.
func lessRegister(aTs uint64, aOrigin Id, bTs uint64, bOrigin Id) bool {
	if aTs != bTs {
		return aTs < bTs
	}
	return aOrigin.LessThan(bOrigin)
}

// Get returns the live value for a key. Deleted and absent keys return ok=false.
func (self *DocState) Get(key string) (json.RawMessage, bool) {
	current, ok := self.registers[key]
	if !ok || current.Deleted {
		return nil, false
	}
	return current.Value, true
}

func (self *DocState) Len() int {
	n := 0
	for _, current := range self.registers {
		if !current.Deleted {
			n += 1
		}
	}
	return n
}

// DeltasSince returns the fan-out frames for all updates applied after seq,
// oldest first. ok=false means the gap exceeds retained history and the
// caller must send a full resync instead.
func (self *DocState) DeltasSince(seq uint64) (deltas []*DeltaFrame, ok bool) {
	if seq < self.historyFloor {
		return nil, false
	}
	if self.seq <= seq {
		return nil, true
	}
	for _, applied := range self.history {
		if applied.seq <= seq {
			continue
		}
		deltas = append(deltas, &DeltaFrame{
			AssignedSequence: applied.seq,
			OriginClientId:   applied.origin,
			Ops:              applied.ops,
		})
	}
	return deltas, true
}

// Serialize returns the canonical snapshot bytes. Registers are serialized as
// a map, which is stable under Go's deterministic JSON map key ordering, so
// two converged replicas serialize identically.
func (self *DocState) Serialize() ([]byte, error) {
	versions := map[string]*originVersion{}
	for origin, state := range self.origins {
		version := &originVersion{
			Contiguous: state.contiguous,
		}
		for clock := range state.sparse {
			version.Sparse = append(version.Sparse, clock)
		}
		slices.Sort(version.Sparse)
		versions[origin.String()] = version
	}
	return json.Marshal(&docSnapshot{
		Registers: self.registers,
		Versions:  versions,
		Lamport:   self.lamport,
		Seq:       self.seq,
	})
}

func (self *DocState) RequireSerialize() []byte {
	state, err := self.Serialize()
	if err != nil {
		panic(err)
	}
	return state
}
