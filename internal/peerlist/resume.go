package peerlist

import (
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/time/rate"
)

const (
	prefixResumePeer int64 = 1

	resumeVersion uint64 = 1
)

// Persisted record flags.
const (
	resumeBanned uint64 = 1 << iota
	resumeSeed
	resumeConnectable
	resumeExtensions
	resumeHolepunch
	resumeEncryption
)

// ResumePeer is a persisted peer record.
type ResumePeer struct {
	Endpoint          Endpoint
	Banned            bool
	Seed              bool
	Connectable       bool
	Flags             PeerFlags
	FailCount         uint8
	Uploaded          uint32
	Downloaded        uint32
	UploadRateLimit   rate.Limit
	DownloadRateLimit rate.Limit
}

// SaveResume persists the peers worth remembering across sessions, those we
// can dial and those we banned, replacing what was previously saved for the
// transfer. Session times are not persisted.
func (l *PeerList) SaveResume(db dbm.DB, transfer string) error {
	start, end := keyResumePeerRange(transfer)
	iter, err := db.Iterator(start, end)
	if err != nil {
		return err
	}
	var stale [][]byte
	for ; iter.Valid(); iter.Next() {
		stale = append(stale, append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	if err := iter.Close(); err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()
	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}

	saved := 0
	for _, idx := range l.store.order {
		rec := &l.store.slots[idx].rec
		if !rec.Connectable && !rec.Banned {
			continue
		}
		bz, err := encodeResumePeer(resumePeerFromRecord(rec))
		if err != nil {
			return err
		}
		if err := batch.Set(keyResumePeer(transfer, rec.Endpoint), bz); err != nil {
			return err
		}
		saved++
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	l.logger.Debug("saved resume state", "transfer", transfer, "peers", saved)
	return nil
}

// LoadResume adds the peers persisted for the transfer to the peer list,
// with the resume data source. Peers that no longer fit or are blocked are
// skipped. It returns the number of peers added.
func (l *PeerList) LoadResume(db dbm.DB, transfer string) (int, error) {
	peers, err := ListResume(db, transfer)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, p := range peers {
		flags := p.Flags
		if p.Seed {
			flags |= FlagSeed
		}
		h, created, err := l.FindOrCreate(p.Endpoint, SourceResumeData, flags)
		if err != nil {
			l.logger.Debug("skipped resume peer", "peer", p.Endpoint, "err", err)
			continue
		}
		rec := l.store.get(h)
		if created {
			added++
			rec.Connectable = p.Connectable
			rec.FailCount = p.FailCount
			rec.PrevUploaded, rec.PrevDownloaded = p.Uploaded, p.Downloaded
			rec.UploadRateLimit, rec.DownloadRateLimit = p.UploadRateLimit, p.DownloadRateLimit
		}
		if p.Banned {
			rec.Banned = true
		}
		l.refresh(rec)
	}
	l.updateGauges()
	return added, nil
}

// ListResume returns the peers persisted for the transfer, in key order.
func ListResume(db dbm.DB, transfer string) ([]ResumePeer, error) {
	start, end := keyResumePeerRange(transfer)
	iter, err := db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var peers []ResumePeer
	for ; iter.Valid(); iter.Next() {
		var id string
		if _, err := orderedcode.Parse(string(iter.Key()), new(int64), new(string), &id); err != nil {
			return nil, fmt.Errorf("invalid resume key: %w", err)
		}
		ep, err := ParseEndpoint(id)
		if err != nil {
			return nil, fmt.Errorf("invalid resume peer: %w", err)
		}
		p, err := decodeResumePeer(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("invalid resume peer %v: %w", ep, err)
		}
		p.Endpoint = ep
		peers = append(peers, p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return peers, nil
}

// ResumeTransfers returns the ids of all transfers with persisted peers,
// sorted.
func ResumeTransfers(db dbm.DB) ([]string, error) {
	start, err := orderedcode.Append(nil, prefixResumePeer)
	if err != nil {
		return nil, err
	}
	end, err := orderedcode.Append(nil, prefixResumePeer+1)
	if err != nil {
		return nil, err
	}
	iter, err := db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var transfers []string
	for ; iter.Valid(); iter.Next() {
		var transfer string
		if _, err := orderedcode.Parse(string(iter.Key()), new(int64), &transfer, new(string)); err != nil {
			return nil, fmt.Errorf("invalid resume key: %w", err)
		}
		if n := len(transfers); n == 0 || transfers[n-1] != transfer {
			transfers = append(transfers, transfer)
		}
	}
	return transfers, iter.Error()
}

func resumePeerFromRecord(rec *PeerRecord) ResumePeer {
	p := ResumePeer{
		Endpoint:          rec.Endpoint,
		Banned:            rec.Banned,
		Seed:              rec.Seed,
		Connectable:       rec.Connectable,
		Flags:             rec.flags() &^ FlagSeed,
		FailCount:         rec.FailCount,
		Uploaded:          rec.PrevUploaded,
		Downloaded:        rec.PrevDownloaded,
		UploadRateLimit:   rec.UploadRateLimit,
		DownloadRateLimit: rec.DownloadRateLimit,
	}
	if conn := rec.conn; conn != nil {
		up, down := conn.Statistics()
		p.Uploaded, p.Downloaded = toKiB(up), toKiB(down)
		p.UploadRateLimit, p.DownloadRateLimit = conn.UploadRateLimit(), conn.DownloadRateLimit()
	}
	return p
}

func encodeResumePeer(p ResumePeer) ([]byte, error) {
	var bits uint64
	for _, f := range []struct {
		set bool
		bit uint64
	}{
		{p.Banned, resumeBanned},
		{p.Seed, resumeSeed},
		{p.Connectable, resumeConnectable},
		{p.Flags&FlagExtensions != 0, resumeExtensions},
		{p.Flags&FlagHolepunch != 0, resumeHolepunch},
		{p.Flags&FlagEncryption != 0, resumeEncryption},
	} {
		if f.set {
			bits |= f.bit
		}
	}
	return orderedcode.Append(nil, resumeVersion, bits, uint64(p.FailCount),
		uint64(p.Uploaded), uint64(p.Downloaded),
		float64(p.UploadRateLimit), float64(p.DownloadRateLimit))
}

func decodeResumePeer(bz []byte) (ResumePeer, error) {
	var (
		version, bits, failCount, up, down uint64
		upLimit, downLimit                 float64
	)
	if _, err := orderedcode.Parse(string(bz), &version, &bits, &failCount,
		&up, &down, &upLimit, &downLimit); err != nil {
		return ResumePeer{}, err
	}
	if version != resumeVersion {
		return ResumePeer{}, fmt.Errorf("unknown resume version %d", version)
	}
	if failCount > maxFailCount {
		failCount = maxFailCount
	}

	p := ResumePeer{
		Banned:            bits&resumeBanned != 0,
		Seed:              bits&resumeSeed != 0,
		Connectable:       bits&resumeConnectable != 0,
		FailCount:         uint8(failCount),
		Uploaded:          uint32(up),
		Downloaded:        uint32(down),
		UploadRateLimit:   rate.Limit(upLimit),
		DownloadRateLimit: rate.Limit(downLimit),
	}
	if bits&resumeExtensions != 0 {
		p.Flags |= FlagExtensions
	}
	if bits&resumeHolepunch != 0 {
		p.Flags |= FlagHolepunch
	}
	if bits&resumeEncryption != 0 {
		p.Flags |= FlagEncryption
	}
	return p, nil
}

// keyResumePeer generates a resume peer database key.
func keyResumePeer(transfer string, ep Endpoint) []byte {
	key, err := orderedcode.Append(nil, prefixResumePeer, transfer, ep.String())
	if err != nil {
		panic(err)
	}
	return key
}

// keyResumePeerRange generates start/end keys for a transfer's resume peers.
func keyResumePeerRange(transfer string) ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixResumePeer, transfer, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixResumePeer, transfer, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
