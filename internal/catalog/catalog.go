package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
)

var (
	// ErrNoLeader means a catalog operation was attempted with no known
	// leader. Callers should retry after a backoff.
	ErrNoLeader = errors.New("no leader known")

	// ErrTimeout means the leader did not answer within the query window.
	ErrTimeout = errors.New("catalog request timed out")
)

// Sender delivers a control frame to a peer's control address.
type Sender interface {
	Send(addr string, m protocol.Message) error
}

// LeaderView is the election surface the catalog needs.
type LeaderView interface {
	IsLeader() bool
	LeaderAddr() (string, bool)
}

// PeerView lists the currently active peers.
type PeerView interface {
	Active() []registry.PeerInfo
}

// Manager holds the file catalog. Only the current leader's map is
// authoritative: followers forward announce and lookup to whoever they
// believe leads, and a new leader rebuilds from scratch by asking every
// active peer to re-announce.
type Manager struct {
	cfg      config.CatalogConfig
	selfID   protocol.PeerID
	selfAddr string
	sender   Sender
	leaders  LeaderView
	peers    PeerView
	localIdx func() []protocol.FileRecord
	log      *logrus.Entry

	mu      sync.RWMutex
	records map[protocol.RecordKey]protocol.FileRecord

	pendingMu sync.Mutex
	pending   map[string]chan []protocol.FileRecord
}

// New creates a catalog manager. localIdx supplies this peer's own shared
// files for re-announcement on demand.
func New(cfg config.CatalogConfig, selfID protocol.PeerID, selfAddr string, sender Sender, leaders LeaderView, peers PeerView, localIdx func() []protocol.FileRecord) *Manager {
	return &Manager{
		cfg:      cfg,
		selfID:   selfID,
		selfAddr: selfAddr,
		sender:   sender,
		leaders:  leaders,
		peers:    peers,
		localIdx: localIdx,
		log:      logger.NewForComponent("catalog"),
		records:  make(map[protocol.RecordKey]protocol.FileRecord),
		pending:  make(map[string]chan []protocol.FileRecord),
	}
}

// Announce registers this peer's records with the current leader, replacing
// any prior announcement wholesale.
func (m *Manager) Announce(records []protocol.FileRecord) error {
	if m.leaders.IsLeader() {
		m.apply(m.selfID, records)
		return nil
	}

	addr, ok := m.leaders.LeaderAddr()
	if !ok {
		return ErrNoLeader
	}

	msg := &protocol.CatalogAnnounce{SenderID: m.selfID, Records: records}
	if err := m.sender.Send(addr, msg); err != nil {
		return fmt.Errorf("failed to announce to leader: %w", err)
	}

	m.log.WithField("records", len(records)).Debug("Announced local files to leader")
	return nil
}

// Lookup returns every record matching a filename, one per owner. On a
// follower the query goes to the leader; a timed-out query is retried once
// against whatever leader is known by then.
func (m *Manager) Lookup(name string) ([]protocol.FileRecord, error) {
	if m.leaders.IsLeader() {
		return m.lookupLocal(name), nil
	}

	records, err := m.remoteLookup(name)
	if errors.Is(err, ErrTimeout) {
		// The leader may have changed underneath us; retry once against
		// the current one.
		records, err = m.remoteLookup(name)
	}
	return records, err
}

func (m *Manager) remoteLookup(name string) ([]protocol.FileRecord, error) {
	addr, ok := m.leaders.LeaderAddr()
	if !ok {
		return nil, ErrNoLeader
	}

	queryID := uuid.NewString()
	ch := make(chan []protocol.FileRecord, 1)

	m.pendingMu.Lock()
	m.pending[queryID] = ch
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, queryID)
		m.pendingMu.Unlock()
	}()

	msg := &protocol.Query{
		SenderID: m.selfID,
		QueryID:  queryID,
		Name:     name,
		Address:  m.selfAddr,
	}
	if err := m.sender.Send(addr, msg); err != nil {
		return nil, fmt.Errorf("failed to query leader: %w", err)
	}

	select {
	case records := <-ch:
		return records, nil
	case <-time.After(m.cfg.QueryTimeout):
		return nil, ErrTimeout
	}
}

func (m *Manager) lookupLocal(name string) []protocol.FileRecord {
	m.mu.RLock()
	var out []protocol.FileRecord
	for key, rec := range m.records {
		if key.Name == name {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	// map iteration order is random; callers that pick "the first owner"
	// need a stable one
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// Records returns a copy of the whole catalog. On a follower this is the
// advisory local view only.
func (m *Manager) Records() []protocol.FileRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Size returns the number of catalog entries.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// OnBecomeLeader rebuilds the catalog from scratch: the previous leader's
// state is gone, so every active peer is asked to re-announce.
func (m *Manager) OnBecomeLeader() {
	m.mu.Lock()
	m.records = make(map[protocol.RecordKey]protocol.FileRecord)
	m.mu.Unlock()

	m.apply(m.selfID, m.localIdx())

	targets := m.peers.Active()
	m.log.WithField("peers", len(targets)).Info("Became leader, requesting catalog re-announcement")

	go func() {
		req := &protocol.CatalogRequest{SenderID: m.selfID, Address: m.selfAddr}
		for _, p := range targets {
			if err := m.sender.Send(p.Address, req); err != nil {
				m.log.WithError(err).WithField("peer", p.ID).Debug("Catalog request send failed")
			}
		}
	}()
}

// OnLoseLeadership demotes the local catalog to advisory; it is cleared so
// stale global state cannot be served by accident.
func (m *Manager) OnLoseLeadership() {
	m.mu.Lock()
	m.records = make(map[protocol.RecordKey]protocol.FileRecord)
	m.mu.Unlock()

	m.log.Info("Lost leadership, catalog cleared")
}

// PurgeOwner drops every record owned by an evicted peer.
func (m *Manager) PurgeOwner(id protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.records {
		if key.OwnerID == id {
			delete(m.records, key)
		}
	}
}

// HandleAnnounce ingests a peer's announcement. Leader only; followers
// receiving one simply drop it, the sender will retry against the real
// leader once it learns of it.
func (m *Manager) HandleAnnounce(msg *protocol.CatalogAnnounce) {
	if !m.leaders.IsLeader() {
		return
	}
	m.apply(msg.SenderID, msg.Records)
}

// HandleRequest answers a new leader's re-announcement request with this
// peer's local index.
func (m *Manager) HandleRequest(msg *protocol.CatalogRequest) {
	reply := &protocol.CatalogReply{SenderID: m.selfID, Records: m.localIdx()}
	if err := m.sender.Send(msg.Address, reply); err != nil {
		m.log.WithError(err).Warn("Catalog reply send failed")
	}
}

// HandleReply ingests a re-announcement reply during catalog rebuild.
func (m *Manager) HandleReply(msg *protocol.CatalogReply) {
	if !m.leaders.IsLeader() {
		return
	}
	m.apply(msg.SenderID, msg.Records)
}

// HandleQuery answers a follower's lookup. Leader only.
func (m *Manager) HandleQuery(msg *protocol.Query) {
	if !m.leaders.IsLeader() {
		return
	}

	result := &protocol.QueryResult{
		SenderID: m.selfID,
		QueryID:  msg.QueryID,
		Records:  m.lookupLocal(msg.Name),
	}
	if err := m.sender.Send(msg.Address, result); err != nil {
		m.log.WithError(err).Warn("Query result send failed")
	}
}

// HandleQueryResult delivers a leader's answer to the waiting lookup.
func (m *Manager) HandleQueryResult(msg *protocol.QueryResult) {
	m.pendingMu.Lock()
	ch, ok := m.pending[msg.QueryID]
	m.pendingMu.Unlock()

	if !ok {
		// lookup already timed out
		return
	}

	select {
	case ch <- msg.Records:
	default:
	}
}

// apply replaces an owner's records wholesale: the catalog holds exactly
// the most recent announcement from each peer, so re-announcing is
// idempotent and removals propagate.
func (m *Manager) apply(owner protocol.PeerID, records []protocol.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.records {
		if key.OwnerID == owner {
			delete(m.records, key)
		}
	}
	for _, rec := range records {
		rec.OwnerID = owner
		m.records[rec.Key()] = rec
	}
}
