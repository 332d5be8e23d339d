package election

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
)

func testConfig() config.ElectionConfig {
	return config.ElectionConfig{
		AnswerTimeout:      100 * time.Millisecond,
		CoordinatorTimeout: 250 * time.Millisecond,
		LeaderGracePeriod:  time.Second,
	}
}

// bus is an in-memory control channel connecting engines by address, with
// switchable partitions to simulate crashed peers.
type bus struct {
	mu      sync.Mutex
	engines map[string]*Engine
	down    map[string]bool
}

func newBus() *bus {
	return &bus{
		engines: make(map[string]*Engine),
		down:    make(map[string]bool),
	}
}

func (b *bus) register(addr string, e *Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engines[addr] = e
}

func (b *bus) kill(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[addr] = true
}

// sender binds a source address so replies carry the right origin.
type sender struct {
	bus  *bus
	from string
}

func (s *sender) Send(addr string, m protocol.Message) error {
	s.bus.mu.Lock()
	target := s.bus.engines[addr]
	unreachable := s.bus.down[addr] || s.bus.down[s.from]
	s.bus.mu.Unlock()

	if target == nil || unreachable {
		return fmt.Errorf("peer %s unreachable", addr)
	}

	switch msg := m.(type) {
	case *protocol.Election:
		target.HandleElection(msg, s.from)
	case *protocol.Alive:
		target.HandleAlive(msg)
	case *protocol.Coordinator:
		target.HandleCoordinator(msg)
	}
	return nil
}

type peerDef struct {
	id   protocol.PeerID
	addr string
}

// makeCluster builds fully meshed engines over one bus.
func makeCluster(b *bus, defs []peerDef) (map[protocol.PeerID]*Engine, map[protocol.PeerID]*registry.Registry) {
	engines := make(map[protocol.PeerID]*Engine)
	registries := make(map[protocol.PeerID]*registry.Registry)
	for _, def := range defs {
		reg := registry.New()
		for _, other := range defs {
			if other.id != def.id {
				reg.Upsert(other.id, other.addr)
			}
		}
		e := New(testConfig(), def.id, def.addr, reg, &sender{bus: b, from: def.addr})
		b.register(def.addr, e)
		engines[def.id] = e
		registries[def.id] = reg
	}
	return engines, registries
}

func TestSoleNodeBecomesLeader(t *testing.T) {
	b := newBus()
	engines, _ := makeCluster(b, []peerDef{{id: "peer-1", addr: "addr-1"}})
	e := engines["peer-1"]

	e.StartElection()

	leader, ok := e.CurrentLeader()
	require.True(t, ok)
	assert.Equal(t, protocol.PeerID("peer-1"), leader)
	assert.Equal(t, RoleLeader, e.Role())
	assert.Equal(t, uint64(1), e.Epoch())
}

func TestHighestPeerWinsElection(t *testing.T) {
	b := newBus()
	engines, _ := makeCluster(b, []peerDef{
		{id: "peer-1", addr: "addr-1"},
		{id: "peer-2", addr: "addr-2"},
		{id: "peer-3", addr: "addr-3"},
	})

	// the lowest peer notices there is no leader and campaigns first
	engines["peer-1"].StartElection()

	assert.Eventually(t, func() bool {
		for _, e := range engines {
			leader, ok := e.CurrentLeader()
			if !ok || leader != "peer-3" {
				return false
			}
		}
		return engines["peer-3"].IsLeader()
	}, 3*time.Second, 10*time.Millisecond, "all peers should converge on peer-3")
}

func TestSurvivorsElectNextHighestAfterLeaderDeath(t *testing.T) {
	b := newBus()
	engines, registries := makeCluster(b, []peerDef{
		{id: "peer-1", addr: "addr-1"},
		{id: "peer-2", addr: "addr-2"},
		{id: "peer-3", addr: "addr-3"},
	})

	engines["peer-1"].StartElection()
	assert.Eventually(t, func() bool {
		return engines["peer-3"].IsLeader()
	}, 3*time.Second, 10*time.Millisecond)

	// kill the leader; the failure detector path marks it dead and signals
	b.kill("addr-3")
	for _, id := range []protocol.PeerID{"peer-1", "peer-2"} {
		registries[id].MarkDead("peer-3")
	}
	engines["peer-1"].LeaderLost()
	engines["peer-2"].LeaderLost()

	assert.Eventually(t, func() bool {
		leaderA, okA := engines["peer-1"].CurrentLeader()
		leaderB, okB := engines["peer-2"].CurrentLeader()
		return okA && okB && leaderA == "peer-2" && leaderB == "peer-2" &&
			engines["peer-2"].IsLeader() && !engines["peer-1"].IsLeader()
	}, 3*time.Second, 10*time.Millisecond, "survivors should elect peer-2")
}

func TestStaleCoordinatorDiscarded(t *testing.T) {
	b := newBus()
	engines, _ := makeCluster(b, []peerDef{{id: "peer-2", addr: "addr-2"}})
	e := engines["peer-2"]

	e.StartElection()
	require.True(t, e.IsLeader())
	require.Equal(t, uint64(1), e.Epoch())

	e.StartElection()
	require.Equal(t, uint64(2), e.Epoch())

	// a coordinator frame from the already superseded round changes nothing
	e.HandleCoordinator(&protocol.Coordinator{
		SenderID: "peer-9",
		Epoch:    1,
		LeaderID: "peer-9",
		Address:  "addr-9",
	})

	leader, ok := e.CurrentLeader()
	require.True(t, ok)
	assert.Equal(t, protocol.PeerID("peer-2"), leader)
	assert.Equal(t, uint64(2), e.Epoch())
}

func TestStaleElectionDiscarded(t *testing.T) {
	b := newBus()
	engines, _ := makeCluster(b, []peerDef{
		{id: "peer-1", addr: "addr-1"},
		{id: "peer-2", addr: "addr-2"},
	})
	e := engines["peer-2"]

	e.StartElection()
	require.True(t, e.IsLeader())

	e.StartElection()
	epoch := e.Epoch()

	// a challenge from an older epoch is dropped without a reply
	e.HandleElection(&protocol.Election{SenderID: "peer-1", Epoch: epoch - 1}, "addr-1")
	assert.Equal(t, epoch, e.Epoch())
	assert.True(t, e.IsLeader())
}

func TestAliveWithoutCoordinatorRestartsElection(t *testing.T) {
	b := newBus()

	reg := registry.New()
	reg.Upsert("peer-9", "addr-9")

	e := New(testConfig(), "peer-1", "addr-1", reg, &sender{bus: b, from: "addr-1"})
	b.register("addr-1", e)

	e.StartElection()
	require.Equal(t, uint64(1), e.Epoch())

	e.HandleAlive(&protocol.Alive{SenderID: "peer-9", Epoch: 1})
	require.Equal(t, RoleCandidate, e.Role())

	// after the coordinator window lapses the engine opens a fresh round
	assert.Eventually(t, func() bool {
		return e.Epoch() > 1
	}, 2*time.Second, 10*time.Millisecond, "engine should restart the election")
}

func TestCandidateSurvivesEpochBumpFromLowerChallenger(t *testing.T) {
	b := newBus()

	// the higher peer never answers, so this candidate should win on the
	// answer timeout no matter what epoch its round ends up under
	reg := registry.New()
	reg.Upsert("peer-9", "addr-9")

	e := New(testConfig(), "peer-5", "addr-5", reg, &sender{bus: b, from: "addr-5"})
	b.register("addr-5", e)

	e.StartElection()
	require.Equal(t, RoleCandidate, e.Role())
	require.Equal(t, uint64(1), e.Epoch())

	// a lower peer restarted its own rounds past ours; adopting its epoch
	// must not strand the pending candidacy
	e.HandleElection(&protocol.Election{SenderID: "peer-1", Epoch: 5}, "addr-1")
	require.Equal(t, uint64(5), e.Epoch())

	assert.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond,
		"candidate should win under the adopted epoch")
	assert.Equal(t, uint64(5), e.Epoch())
}

func TestCandidateAdoptsNewerEpochFromAlive(t *testing.T) {
	b := newBus()

	reg := registry.New()
	reg.Upsert("peer-9", "addr-9")

	e := New(testConfig(), "peer-1", "addr-1", reg, &sender{bus: b, from: "addr-1"})
	b.register("addr-1", e)

	e.StartElection()
	require.Equal(t, uint64(1), e.Epoch())

	// the greater peer answers out of a newer round; the coordinator wait
	// runs under that round, and the retry opens one beyond it
	e.HandleAlive(&protocol.Alive{SenderID: "peer-9", Epoch: 4})
	require.Equal(t, uint64(4), e.Epoch())
	require.Equal(t, RoleCandidate, e.Role())

	assert.Eventually(t, func() bool {
		return e.Epoch() > 4
	}, 2*time.Second, 10*time.Millisecond, "retry should start past the adopted epoch")
}

func TestLeaderReassertsToLowerChallenger(t *testing.T) {
	b := newBus()
	engines, _ := makeCluster(b, []peerDef{
		{id: "peer-1", addr: "addr-1"},
		{id: "peer-2", addr: "addr-2"},
	})

	engines["peer-1"].StartElection()
	assert.Eventually(t, func() bool {
		return engines["peer-2"].IsLeader()
	}, 3*time.Second, 10*time.Millisecond)

	// the lower peer lost the coordinator frame and challenges again; the
	// sitting leader answers with both ALIVE and a fresh COORDINATOR
	engines["peer-1"].LeaderLost()

	assert.Eventually(t, func() bool {
		leader, ok := engines["peer-1"].CurrentLeader()
		return ok && leader == "peer-2"
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, engines["peer-2"].IsLeader())
}
