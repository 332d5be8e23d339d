package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
)

type fakeLeaderSource struct {
	leader protocol.PeerID
}

func (f *fakeLeaderSource) CurrentLeader() (protocol.PeerID, bool) {
	return f.leader, f.leader != ""
}

func testConfig() config.DetectorConfig {
	return config.DetectorConfig{
		ScanInterval:   time.Second,
		SuspectTimeout: 6 * time.Second,
		DeadTimeout:    15 * time.Second,
	}
}

func TestScanSuspectsAndEvicts(t *testing.T) {
	reg := registry.New()
	reg.Upsert("peer-a", "10.0.0.1:5000")
	reg.Upsert("peer-b", "10.0.0.2:5000")

	d := New(testConfig(), reg, &fakeLeaderSource{})

	var dead []protocol.PeerID
	d.OnPeerDead(func(id protocol.PeerID) { dead = append(dead, id) })

	// fresh entries stay active
	d.Scan()
	p, _ := reg.Get("peer-a")
	assert.Equal(t, registry.StatusActive, p.Status)

	// past the suspect timeout they are suspected
	d.clock = func() time.Time { return time.Now().Add(8 * time.Second) }
	d.Scan()
	p, _ = reg.Get("peer-a")
	assert.Equal(t, registry.StatusSuspected, p.Status)
	assert.Empty(t, dead)

	// past the dead timeout they are evicted
	d.clock = func() time.Time { return time.Now().Add(20 * time.Second) }
	d.Scan()
	_, ok := reg.Get("peer-a")
	assert.False(t, ok)
	assert.ElementsMatch(t, []protocol.PeerID{"peer-a", "peer-b"}, dead)
}

func TestLeaderLossTriggersElectionSignal(t *testing.T) {
	reg := registry.New()
	reg.Upsert("leader-peer", "10.0.0.1:5000")
	reg.Upsert("other-peer", "10.0.0.2:5000")

	d := New(testConfig(), reg, &fakeLeaderSource{leader: "leader-peer"})

	leaderLost := 0
	d.OnLeaderLost(func() { leaderLost++ })

	// suspecting the leader already signals
	d.clock = func() time.Time { return time.Now().Add(8 * time.Second) }
	d.Scan()
	assert.Equal(t, 1, leaderLost)

	// evicting it signals again
	d.clock = func() time.Time { return time.Now().Add(20 * time.Second) }
	d.Scan()
	assert.Equal(t, 2, leaderLost)
}

func TestNonLeaderDeathDoesNotSignal(t *testing.T) {
	reg := registry.New()
	reg.Upsert("other-peer", "10.0.0.2:5000")

	d := New(testConfig(), reg, &fakeLeaderSource{leader: "leader-peer"})

	leaderLost := 0
	d.OnLeaderLost(func() { leaderLost++ })

	d.clock = func() time.Time { return time.Now().Add(20 * time.Second) }
	d.Scan()
	assert.Equal(t, 0, leaderLost)
	assert.Equal(t, 0, reg.Len())
}
