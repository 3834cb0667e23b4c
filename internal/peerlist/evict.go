package peerlist

import (
	"github.com/anacrolix/multiless"
)

// IsEraseCandidate reports whether the peer h may be evicted: it has been
// tried this session or is only known from resume data, and is neither
// connected, banned nor about to be tried again.
func (l *PeerList) IsEraseCandidate(h Handle) bool {
	rec := l.store.get(h)
	return rec != nil && isEraseCandidate(rec)
}

// Resume-only peers count as tried, since session times aren't persisted.
func isEraseCandidate(rec *PeerRecord) bool {
	return rec.conn == nil && (rec.LastConnected != 0 || resumeOnly(rec)) && !rec.Banned && !rec.candidate
}

func resumeOnly(rec *PeerRecord) bool {
	return rec.Source == SourceResumeData
}

// CompareEraseCandidates returns true if a should be evicted before b. Peers
// only known from resume data go first, then peers we can't dial, then peers
// that failed more often.
func CompareEraseCandidates(a, b *PeerRecord) bool {
	return multiless.New().
		Int(boolInt(!resumeOnly(a)), boolInt(!resumeOnly(b))).
		Int(boolInt(a.Connectable), boolInt(b.Connectable)).
		Int64(int64(b.FailCount), int64(a.FailCount)).
		Less()
}

// eraseScan collects eviction decisions during a scan. Records are only
// erased once the scan is over, so the scan never walks a changing index.
type eraseScan struct {
	immediate []Handle
	best      Handle
	bestRec   *PeerRecord
}

func (s *eraseScan) visit(h Handle, rec *PeerRecord) {
	if !isEraseCandidate(rec) {
		return
	}
	if resumeOnly(rec) {
		s.immediate = append(s.immediate, h)
		return
	}
	if s.bestRec == nil || CompareEraseCandidates(rec, s.bestRec) {
		s.best, s.bestRec = h, rec
	}
}

// applyErase erases the peers collected by s. Resume-only peers are cheap to
// rediscover and all go; otherwise only the best candidate goes, and only if
// the peer list is still at or above low.
func (l *PeerList) applyErase(s *eraseScan, low int) int {
	erased := 0
	for _, h := range s.immediate {
		if l.erase(h) == nil {
			erased++
			l.metrics.PeersEvicted.With("reason", "resume").Add(1)
		}
	}
	if s.bestRec != nil && l.store.Size() >= low {
		if l.erase(s.best) == nil {
			erased++
			l.metrics.PeersEvicted.With("reason", "best").Add(1)
		}
	}
	if erased > 0 {
		l.logger.Debug("evicted peers", "count", erased, "size", l.store.Size())
	}
	return erased
}

// lowWatermark returns the size at which trimming starts, 95% of the current
// limit, or false if the peer list is unlimited.
func (l *PeerList) lowWatermark() (int, bool) {
	max := l.maxPeers()
	if max == 0 {
		return 0, false
	}
	low := max * 95 / 100
	if low == max {
		low--
	}
	return low, true
}

// ErasePeers trims the peer list if it is at or above 95% of its limit. It
// looks at up to 300 peers from where the previous pass stopped and returns
// the number of peers erased. Peers that are connected, banned or connect
// candidates are never erased, nor are peers untried this session unless
// they are only known from resume data, so the peer list can stay above its
// limit.
func (l *PeerList) ErasePeers() int {
	low, ok := l.lowWatermark()
	size := l.store.Size()
	if !ok || size == 0 || size < low {
		return 0
	}
	if l.store.evictCursor >= size {
		l.store.evictCursor = 0
	}

	start := l.store.evictCursor
	scan := min(maxScan, size)
	var s eraseScan
	i := 0
	for ; i < scan && size-len(s.immediate) >= low; i++ {
		h, rec := l.store.at((start + i) % size)
		s.visit(h, rec)
	}
	l.store.evictCursor = (start + i) % size

	return l.applyErase(&s, low)
}
