package peerlist

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/orderedcode"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/time/rate"
)

func TestResumeRoundTrip(t *testing.T) {
	db := dbm.NewMemDB()
	l := newTestPeerList(t, testOptions())

	seed, _, err := l.FindOrCreate(MustParseEndpoint("1.2.3.4:6881"), SourcePEX, FlagSeed|FlagExtensions|FlagEncryption)
	require.NoError(t, err)
	require.NoError(t, l.SetFailCount(seed, 2))

	banned := addPeer(t, l, "[2001:db8::1]:51413", SourceDHT)
	require.NoError(t, l.Ban(banned))

	connected := addPeer(t, l, "5.6.7.8:6881", SourceTracker)
	conn := newOutgoingConn("5.6.7.8:6881")
	require.NoError(t, l.ConnectTo(connected, conn))
	conn.upLimit = 4096
	conn.uploaded = 8 << 10

	// Not connectable, so not worth saving.
	_, err = l.NewConnection(newIncomingConn("9.9.9.9:50000"))
	require.NoError(t, err)

	require.NoError(t, l.SaveResume(db, "transfer-a"))

	peers, err := ListResume(db, "transfer-a")
	require.NoError(t, err)
	expect := []ResumePeer{
		{
			Endpoint:          MustParseEndpoint("1.2.3.4:6881"),
			Seed:              true,
			Connectable:       true,
			Flags:             FlagExtensions | FlagEncryption,
			FailCount:         2,
			UploadRateLimit:   rate.Inf,
			DownloadRateLimit: rate.Inf,
		},
		{
			Endpoint:          MustParseEndpoint("5.6.7.8:6881"),
			Connectable:       true,
			Uploaded:          8,
			UploadRateLimit:   4096,
			DownloadRateLimit: rate.Inf,
		},
		{
			Endpoint:          MustParseEndpoint("[2001:db8::1]:51413"),
			Banned:            true,
			Connectable:       true,
			UploadRateLimit:   rate.Inf,
			DownloadRateLimit: rate.Inf,
		},
	}
	if diff := cmp.Diff(expect, peers, cmp.Comparer(func(a, b Endpoint) bool { return a == b })); diff != "" {
		t.Errorf("unexpected resume peers (-want +got):\n%s", diff)
	}

	other, err := ListResume(db, "transfer-ab")
	require.NoError(t, err)
	require.Empty(t, other)

	restored := newTestPeerList(t, testOptions())
	added, err := restored.LoadResume(db, "transfer-a")
	require.NoError(t, err)
	require.Equal(t, 3, added)
	require.Equal(t, 1, restored.NumSeeds())
	requireCounters(t, restored)

	h, ok := restored.Find(MustParseEndpoint("5.6.7.8:6881"))
	require.True(t, ok)
	rec := mustPeer(t, restored, h)
	require.Equal(t, SourceResumeData, rec.Source)
	require.Equal(t, uint32(8), rec.PrevUploaded)
	require.Equal(t, rate.Limit(4096), rec.UploadRateLimit)
	require.Zero(t, rec.LastConnected)

	h, ok = restored.Find(MustParseEndpoint("[2001:db8::1]:51413"))
	require.True(t, ok)
	require.True(t, mustPeer(t, restored, h).Banned)
	require.False(t, restored.IsConnectCandidate(h))
}

func TestSaveResumeReplaces(t *testing.T) {
	db := dbm.NewMemDB()
	l := newTestPeerList(t, testOptions())
	a := addPeer(t, l, "1.0.0.1:6881", SourceTracker)
	addPeer(t, l, "1.0.0.2:6881", SourceTracker)
	require.NoError(t, l.SaveResume(db, "t"))

	require.NoError(t, l.Erase(a))
	require.NoError(t, l.SaveResume(db, "t"))

	peers, err := ListResume(db, "t")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, MustParseEndpoint("1.0.0.2:6881"), peers[0].Endpoint)
}

func TestListResumeCorrupt(t *testing.T) {
	db := dbm.NewMemDB()
	// A version without the fields that follow it.
	truncated, err := orderedcode.Append(nil, resumeVersion)
	require.NoError(t, err)
	require.NoError(t, db.Set(keyResumePeer("t", MustParseEndpoint("1.0.0.1:6881")), truncated))

	_, err = ListResume(db, "t")
	require.Error(t, err)

	l := newTestPeerList(t, testOptions())
	_, err = l.LoadResume(db, "t")
	require.Error(t, err)
}

func TestResumeTransfers(t *testing.T) {
	db := dbm.NewMemDB()
	transfers, err := ResumeTransfers(db)
	require.NoError(t, err)
	require.Empty(t, transfers)

	for _, id := range []string{"b", "a", "c"} {
		l := newTestPeerList(t, testOptions())
		addPeer(t, l, "1.0.0.1:6881", SourceTracker)
		addPeer(t, l, "1.0.0.2:6881", SourceTracker)
		require.NoError(t, l.SaveResume(db, id))
	}
	// A transfer without connectable peers saves nothing.
	require.NoError(t, newTestPeerList(t, testOptions()).SaveResume(db, "d"))

	transfers, err = ResumeTransfers(db)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, transfers)
}

func TestLoadResumeFailedPeerIsEvictable(t *testing.T) {
	db := dbm.NewMemDB()
	opts := testOptions()
	opts.MaxPeers = 5
	opts.MaxPausedPeers = 0

	saved := newTestPeerList(t, opts)
	failed := addPeer(t, saved, "2.0.0.1:6881", SourceTracker)
	require.NoError(t, saved.SetFailCount(failed, opts.MaxFailCount))
	require.NoError(t, saved.SaveResume(db, "transfer-a"))

	l := newTestPeerList(t, opts)
	for i := 1; i <= 4; i++ {
		addPeer(t, l, fmt.Sprintf("1.0.0.%d:6881", i), SourceTracker)
	}
	added, err := l.LoadResume(db, "transfer-a")
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, 5, l.Size())

	resume, ok := l.Find(MustParseEndpoint("2.0.0.1:6881"))
	require.True(t, ok)
	require.Zero(t, mustPeer(t, l, resume).LastConnected)
	require.False(t, l.IsConnectCandidate(resume))
	require.True(t, l.IsEraseCandidate(resume))

	h, created, err := l.FindOrCreate(MustParseEndpoint("3.0.0.1:6881"), SourceTracker, 0)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 5, l.Size())

	_, ok = l.Peer(resume)
	require.False(t, ok, "failed resume peer should have been evicted")
	_, ok = l.Peer(h)
	require.True(t, ok)
	requireCounters(t, l)
}

func TestLoadResumeCandidateIsKept(t *testing.T) {
	db := dbm.NewMemDB()
	saved := newTestPeerList(t, testOptions())
	addPeer(t, saved, "2.0.0.1:6881", SourceTracker)
	require.NoError(t, saved.SaveResume(db, "transfer-a"))

	l := newTestPeerList(t, testOptions())
	_, err := l.LoadResume(db, "transfer-a")
	require.NoError(t, err)

	h, ok := l.Find(MustParseEndpoint("2.0.0.1:6881"))
	require.True(t, ok)
	require.True(t, l.IsConnectCandidate(h))
	require.False(t, l.IsEraseCandidate(h))
}
