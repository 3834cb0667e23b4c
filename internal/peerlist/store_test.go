package peerlist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerStoreHandles(t *testing.T) {
	s := newPeerStore(false)
	a := s.insert(newPeerRecord(MustParseEndpoint("1.0.0.1:1"), SourceTracker))
	b := s.insert(newPeerRecord(MustParseEndpoint("1.0.0.2:1"), SourceTracker))
	require.True(t, a.IsValid())
	require.False(t, Handle{}.IsValid())
	require.Nil(t, s.get(Handle{}))

	_, ok := s.erase(a)
	require.True(t, ok)
	require.Nil(t, s.get(a))
	_, ok = s.erase(a)
	require.False(t, ok, "double erase must fail")

	// The slot is reused, but the old handle stays stale.
	c := s.insert(newPeerRecord(MustParseEndpoint("1.0.0.3:1"), SourceTracker))
	require.Equal(t, a.slot, c.slot)
	require.NotEqual(t, a, c)
	require.Nil(t, s.get(a))
	require.NotNil(t, s.get(b))
	require.Equal(t, MustParseEndpoint("1.0.0.3:1"), s.get(c).Endpoint)
}

func TestPeerStoreOrder(t *testing.T) {
	s := newPeerStore(false)
	for _, ep := range []string{"3.0.0.1:1", "1.0.0.1:1", "[::1]:1", "2.0.0.1:1", "i2p:a"} {
		s.insert(newPeerRecord(MustParseEndpoint(ep), SourceTracker))
	}
	var order []string
	for i := 0; i < s.Size(); i++ {
		_, rec := s.at(i)
		order = append(order, rec.Endpoint.String())
	}
	require.Equal(t, []string{"1.0.0.1:1", "2.0.0.1:1", "3.0.0.1:1", "[::1]:1", "i2p:a"}, order)

	h, ok := s.find(MustParseEndpoint("2.0.0.1:999"))
	require.True(t, ok, "single mode looks up by address")
	require.Equal(t, uint16(1), s.get(h).Endpoint.Port)
}

func TestPeerStoreMulti(t *testing.T) {
	s := newPeerStore(true)
	a := s.insert(newPeerRecord(MustParseEndpoint("1.0.0.1:1"), SourceTracker))
	b := s.insert(newPeerRecord(MustParseEndpoint("1.0.0.1:2"), SourceTracker))

	h, ok := s.find(MustParseEndpoint("1.0.0.1:2"))
	require.True(t, ok)
	require.Equal(t, b, h)
	h, ok = s.find(MustParseEndpoint("1.0.0.1:1"))
	require.True(t, ok)
	require.Equal(t, a, h)
	_, ok = s.find(MustParseEndpoint("1.0.0.1:3"))
	require.False(t, ok)

	pos, ok := s.position(b)
	require.True(t, ok)
	_, rec := s.at(pos)
	require.Equal(t, uint16(2), rec.Endpoint.Port)
}

func TestPeerStoreCursor(t *testing.T) {
	testCases := map[string]struct {
		cursor int
		erase  int
		expect int
	}{
		"erase before cursor": {cursor: 3, erase: 1, expect: 2},
		"erase at cursor":     {cursor: 3, erase: 3, expect: 3},
		"erase after cursor":  {cursor: 3, erase: 4, expect: 3},
		"wrap at end":         {cursor: 4, erase: 4, expect: 0},
		"erase first":         {cursor: 0, erase: 0, expect: 0},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			s := newPeerStore(false)
			var handles []Handle
			for i := 0; i < 5; i++ {
				handles = append(handles, s.insert(newPeerRecord(MustParseEndpoint(fmt.Sprintf("1.0.0.%d:1", i+1)), SourceTracker)))
			}
			s.cursor = tc.cursor
			s.evictCursor = tc.cursor

			_, ok := s.erase(handles[tc.erase])
			require.True(t, ok)
			require.Equal(t, tc.expect, s.cursor)
			require.Equal(t, tc.expect, s.evictCursor)
		})
	}
}

func TestPeerStoreInsertShiftsCursor(t *testing.T) {
	s := newPeerStore(false)
	s.insert(newPeerRecord(MustParseEndpoint("1.0.0.2:1"), SourceTracker))
	s.insert(newPeerRecord(MustParseEndpoint("1.0.0.3:1"), SourceTracker))
	s.cursor = 1
	_, before := s.at(s.cursor)

	s.insert(newPeerRecord(MustParseEndpoint("1.0.0.1:1"), SourceTracker))
	_, after := s.at(s.cursor)
	require.Equal(t, before.Endpoint, after.Endpoint)
}
