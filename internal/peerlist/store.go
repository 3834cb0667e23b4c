package peerlist

import (
	"sort"
)

// Handle is a weak reference to a PeerRecord. It stays valid until the
// record is erased; afterwards every lookup through it fails, even if the
// record's slot has been reused. The zero Handle is never valid.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsValid returns false for the zero Handle. A non-zero handle may still
// refer to an erased record.
func (h Handle) IsValid() bool {
	return h.gen != 0
}

type peerSlot struct {
	rec  PeerRecord
	gen  uint32
	used bool
}

// peerStore holds the records of one transfer in a slab, with an index
// sorted by address for lookups and round-robin scans. It is not
// thread-safe, assuming it is only used by PeerList, which runs on its
// transfer's goroutine.
//
// Records with the same address are adjacent in the index, in no particular
// order. The index is never sorted by port, so changing a port in place
// keeps it sorted.
//
// The counters and cursors are the store's only cross-cutting state, and
// insert and erase are the only places they change size-wise.
type peerStore struct {
	slots []peerSlot
	free  []uint32
	order []uint32

	// multi keys records by address and port rather than by address.
	multi bool

	// cursors into order for the connect selector and the eviction scan.
	cursor      int
	evictCursor int

	numCandidates int
	numSeeds      int
	numConnected  int
}

func newPeerStore(multi bool) *peerStore {
	return &peerStore{multi: multi}
}

// Size returns the number of peers in the store.
func (s *peerStore) Size() int {
	return len(s.order)
}

// get returns the record referenced by h, or nil if h is stale.
func (s *peerStore) get(h Handle) *PeerRecord {
	if int(h.slot) >= len(s.slots) {
		return nil
	}
	slot := &s.slots[h.slot]
	if !slot.used || slot.gen != h.gen {
		return nil
	}
	return &slot.rec
}

// at returns the handle and record at position i of the index.
func (s *peerStore) at(i int) (Handle, *PeerRecord) {
	idx := s.order[i]
	slot := &s.slots[idx]
	return Handle{slot: idx, gen: slot.gen}, &slot.rec
}

// lowerBound returns the first index position whose address is not less
// than ep's.
func (s *peerStore) lowerBound(ep Endpoint) int {
	return sort.Search(len(s.order), func(i int) bool {
		return compareAddress(s.slots[s.order[i]].rec.Endpoint, ep) >= 0
	})
}

// find looks up the record keyed by ep: the record with ep's address, and
// additionally its port if the store holds multiple records per address.
func (s *peerStore) find(ep Endpoint) (Handle, bool) {
	if s.multi {
		return s.findExact(ep)
	}
	i := s.lowerBound(ep)
	if i < len(s.order) {
		if h, rec := s.at(i); sameAddress(rec.Endpoint, ep) {
			return h, true
		}
	}
	return Handle{}, false
}

// findExact looks up the record with exactly ep's address and port.
func (s *peerStore) findExact(ep Endpoint) (Handle, bool) {
	for i := s.lowerBound(ep); i < len(s.order); i++ {
		h, rec := s.at(i)
		if !sameAddress(rec.Endpoint, ep) {
			break
		}
		if rec.Endpoint.Port == ep.Port {
			return h, true
		}
	}
	return Handle{}, false
}

// position returns the index position of h.
func (s *peerStore) position(h Handle) (int, bool) {
	rec := s.get(h)
	if rec == nil {
		return 0, false
	}
	for i := s.lowerBound(rec.Endpoint); i < len(s.order); i++ {
		if s.order[i] == h.slot {
			return i, true
		}
		if !sameAddress(s.slots[s.order[i]].rec.Endpoint, rec.Endpoint) {
			break
		}
	}
	return 0, false
}

// insert adds a record, which must not collide with an existing key.
func (s *peerStore) insert(rec PeerRecord) Handle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, peerSlot{gen: 1})
	}
	slot := &s.slots[idx]
	slot.rec = rec
	slot.used = true

	pos := s.lowerBound(rec.Endpoint)
	s.order = append(s.order, 0)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = idx

	// Keep the cursors on the entries they pointed at.
	if pos < s.cursor {
		s.cursor++
	}
	if pos < s.evictCursor {
		s.evictCursor++
	}

	if rec.candidate {
		s.numCandidates++
	}
	if rec.Seed {
		s.numSeeds++
	}
	if rec.conn != nil {
		s.numConnected++
	}
	return Handle{slot: idx, gen: slot.gen}
}

// erase removes the record referenced by h. It returns the record as it was
// when erased, so the caller can release anything it referenced.
func (s *peerStore) erase(h Handle) (PeerRecord, bool) {
	pos, ok := s.position(h)
	if !ok {
		return PeerRecord{}, false
	}
	slot := &s.slots[h.slot]
	rec := slot.rec

	copy(s.order[pos:], s.order[pos+1:])
	s.order = s.order[:len(s.order)-1]
	s.cursor = adjustCursor(s.cursor, pos, len(s.order))
	s.evictCursor = adjustCursor(s.evictCursor, pos, len(s.order))

	if rec.candidate {
		s.numCandidates--
	}
	if rec.Seed {
		s.numSeeds--
	}
	if rec.conn != nil {
		s.numConnected--
	}

	slot.rec = PeerRecord{}
	slot.used = false
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	s.free = append(s.free, h.slot)
	return rec, true
}

// adjustCursor keeps a cursor on the same entry after the entry at pos was
// removed, wrapping to the start if it runs off the end.
func adjustCursor(cursor, pos, size int) int {
	if cursor > pos {
		cursor--
	}
	if cursor >= size {
		cursor = 0
	}
	return cursor
}
