package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		kind Kind
	}{
		{
			name: "announce",
			msg:  &Announce{PeerID: "10.0.0.1:5000/abc", Address: "10.0.0.1:5000"},
			kind: KindAnnounce,
		},
		{
			name: "election",
			msg:  &Election{SenderID: "10.0.0.1:5000/abc", Epoch: 3},
			kind: KindElection,
		},
		{
			name: "coordinator",
			msg:  &Coordinator{SenderID: "a", Epoch: 7, LeaderID: "a", Address: "10.0.0.1:5000"},
			kind: KindCoordinator,
		},
		{
			name: "query",
			msg:  &Query{SenderID: "a", QueryID: "q1", Name: "movie.mp4", Address: "10.0.0.2:5000"},
			kind: KindQuery,
		},
		{
			name: "catalog announce",
			msg: &CatalogAnnounce{SenderID: "a", Records: []FileRecord{
				{Name: "movie.mp4", Size: 100, Checksum: "deadbeef", OwnerID: "a", OwnerAddress: "10.0.0.1:6000"},
			}},
			kind: KindCatalogAnnounce,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, decoded.Kind())
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "not json", data: "not json at all", want: ErrMalformedFrame},
		{name: "unknown kind", data: `{"type":"GOSSIP"}`, want: ErrUnknownKind},
		{name: "missing type", data: `{"peerId":"a"}`, want: ErrUnknownKind},
		{name: "announce without address", data: `{"type":"ANNOUNCE","peerId":"a"}`, want: ErrMalformedFrame},
		{name: "election without sender", data: `{"type":"ELECTION","epoch":1}`, want: ErrMalformedFrame},
		{name: "coordinator without leader", data: `{"type":"COORDINATOR","senderId":"a","epoch":1}`, want: ErrMalformedFrame},
		{name: "query without name", data: `{"type":"QUERY","senderId":"a","queryId":"q","address":"x"}`, want: ErrMalformedFrame},
		{name: "wrong field type", data: `{"type":"ELECTION","senderId":"a","epoch":"high"}`, want: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPeerIDOrdering(t *testing.T) {
	a := PeerID("10.0.0.1:5000/aaa")
	b := PeerID("10.0.0.1:5000/bbb")

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestNewPeerIDUnique(t *testing.T) {
	seen := make(map[PeerID]bool)
	for i := 0; i < 100; i++ {
		id := NewPeerID("10.0.0.1:5000")
		assert.False(t, seen[id], "duplicate peer id generated")
		seen[id] = true
	}
}
