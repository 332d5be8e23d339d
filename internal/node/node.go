package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/catalog"
	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/detector"
	"github.com/htrap1211/Legion/internal/discovery"
	"github.com/htrap1211/Legion/internal/election"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/monitoring"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
	"github.com/htrap1211/Legion/internal/share"
	"github.com/htrap1211/Legion/internal/transfer"
	"github.com/htrap1211/Legion/internal/transport"
)

// Node is one Legion peer: discovery, liveness tracking, leader election,
// catalog and file transfer wired together behind a small facade. The outer
// surfaces (HTTP API, CLI) talk only to this type.
type Node struct {
	cfg     *config.Config
	log     *logrus.Entry
	metrics *monitoring.Metrics

	id protocol.PeerID

	registry  *registry.Registry
	transport *transport.UDP
	discovery *discovery.Service
	detector  *detector.Detector
	election  *election.Engine
	catalog   *catalog.Manager
	transfer  *transfer.Engine
	share     *share.Manager
	watcher   *share.Watcher

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New assembles a node from configuration. Nothing is started yet.
func New(cfg *config.Config, metrics *monitoring.Metrics) (*Node, error) {
	shareMgr, err := share.New(cfg.Share.Dir)
	if err != nil {
		return nil, err
	}

	udp, err := transport.NewUDP(cfg.Election.ControlPort)
	if err != nil {
		return nil, err
	}

	id := protocol.NewPeerID(udp.Addr())
	reg := registry.New()

	n := &Node{
		cfg:       cfg,
		log:       logger.NewForComponent("node").WithField("self", id),
		metrics:   metrics,
		id:        id,
		registry:  reg,
		transport: udp,
		share:     shareMgr,
	}

	n.transfer = transfer.New(cfg.Transfer, shareMgr.Resolve)
	n.election = election.New(cfg.Election, id, udp.Addr(), reg, udp)
	n.catalog = catalog.New(cfg.Catalog, id, udp.Addr(), udp, n.election, reg, n.localIndex)
	n.detector = detector.New(cfg.Detector, reg, n.election)
	n.discovery = discovery.New(cfg.Discovery, id, udp.Addr(), reg)

	udp.SetHandler(n.handleControlMessage)

	n.detector.OnLeaderLost(n.election.LeaderLost)
	n.detector.OnPeerDead(n.catalog.PurgeOwner)

	n.election.OnElectionStarted(func() {
		if n.metrics != nil {
			n.metrics.ElectionsTotal.Inc()
		}
	})
	n.election.OnBecomeLeader(n.catalog.OnBecomeLeader)
	n.election.OnLoseLeadership(n.catalog.OnLoseLeadership)
	n.election.OnLeaderChange(func(leader protocol.PeerID, addr string) {
		if n.metrics != nil {
			n.metrics.LeaderChangesTotal.Inc()
		}
		// A new leader means our files are not in its catalog yet.
		if leader != n.id {
			go n.reannounce()
		}
	})

	if n.metrics != nil {
		n.transfer.OnBytes(func(bytes int64) {
			n.metrics.TransferBytesTotal.Add(float64(bytes))
		})
	}

	if cfg.Share.Watch {
		n.watcher = share.NewWatcher(shareMgr.Dir(), n.reannounce)
	}

	return n, nil
}

// ID returns this peer's identity.
func (n *Node) ID() protocol.PeerID {
	return n.id
}

// Start launches every component and the node's periodic tasks.
func (n *Node) Start(ctx context.Context) error {
	n.runningMu.Lock()
	defer n.runningMu.Unlock()

	if n.running {
		return fmt.Errorf("node is already running")
	}
	n.running = true

	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.transport.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start control transport: %w", err)
	}
	if err := n.transfer.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start transfer engine: %w", err)
	}
	if err := n.discovery.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	if err := n.detector.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start failure detector: %w", err)
	}
	if err := n.election.Start(n.ctx); err != nil {
		return fmt.Errorf("failed to start election engine: %w", err)
	}
	if n.watcher != nil {
		if err := n.watcher.Start(n.ctx); err != nil {
			return fmt.Errorf("failed to start share watcher: %w", err)
		}
	}

	n.wg.Add(1)
	go n.periodicTasks()

	n.log.WithFields(logrus.Fields{
		"control":  n.transport.Addr(),
		"transfer": n.transfer.Addr(),
		"share":    n.share.Dir(),
	}).Info("Node started")
	return nil
}

// Stop releases all sockets and cancels the node's tasks.
func (n *Node) Stop() {
	n.runningMu.Lock()
	defer n.runningMu.Unlock()

	if !n.running {
		return
	}
	n.running = false

	n.cancel()

	if n.watcher != nil {
		n.watcher.Stop()
	}
	n.election.Stop()
	n.detector.Stop()
	n.discovery.Stop()
	n.transfer.Stop()
	n.transport.Stop()

	n.wg.Wait()
	n.log.Info("Node stopped")
}

// CurrentLeader returns the known leader, if any.
func (n *Node) CurrentLeader() (protocol.PeerID, bool) {
	return n.election.CurrentLeader()
}

// IsLeader reports whether this peer currently leads.
func (n *Node) IsLeader() bool {
	return n.election.IsLeader()
}

// Role returns the election role of this peer.
func (n *Node) Role() election.Role {
	return n.election.Role()
}

// Epoch returns the current election epoch.
func (n *Node) Epoch() uint64 {
	return n.election.Epoch()
}

// KnownPeers returns a snapshot of the registry.
func (n *Node) KnownPeers() []registry.PeerInfo {
	return n.registry.Snapshot()
}

// LocalFiles returns this peer's shared file index.
func (n *Node) LocalFiles() ([]protocol.FileRecord, error) {
	return n.share.Index(n.id, n.transfer.Addr())
}

// Catalog returns the local catalog view. Authoritative only on the leader.
func (n *Node) Catalog() []protocol.FileRecord {
	return n.catalog.Records()
}

// AnnounceFiles publishes the local shared index to the current leader.
func (n *Node) AnnounceFiles() error {
	records, err := n.LocalFiles()
	if err != nil {
		return err
	}
	return n.catalog.Announce(records)
}

// ShareFile copies an external file into the shared directory and
// announces the updated index.
func (n *Node) ShareFile(path string) error {
	if err := n.share.Add(path); err != nil {
		return err
	}
	return n.AnnounceFiles()
}

// Lookup returns every catalog record matching a filename.
func (n *Node) Lookup(name string) ([]protocol.FileRecord, error) {
	return n.catalog.Lookup(name)
}

// Download resolves a filename through the catalog and fetches it from one
// of its owners. An empty owner picks the first record.
func (n *Node) Download(ctx context.Context, name string, owner protocol.PeerID) (string, error) {
	records, err := n.catalog.Lookup(name)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s", transfer.ErrNotFound, name)
	}

	rec := records[0]
	if owner != "" {
		found := false
		for _, r := range records {
			if r.OwnerID == owner {
				rec = r
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("%w: %s not shared by %s", transfer.ErrNotFound, name, owner)
		}
	}

	path, err := n.transfer.RequestDownload(ctx, rec, n.cfg.Transfer.DownloadDir)
	if n.metrics != nil {
		var integrity *transfer.IntegrityError
		switch {
		case err == nil:
			n.metrics.TransfersTotal.WithLabelValues("ok").Inc()
		case errors.As(err, &integrity):
			n.metrics.TransfersTotal.WithLabelValues("integrity_error").Inc()
		case errors.Is(err, transfer.ErrNotFound):
			n.metrics.TransfersTotal.WithLabelValues("not_found").Inc()
		default:
			n.metrics.TransfersTotal.WithLabelValues("error").Inc()
		}
	}
	return path, err
}

// handleControlMessage dispatches decoded control-plane frames.
func (n *Node) handleControlMessage(msg protocol.Message, from *net.UDPAddr) {
	switch m := msg.(type) {
	case *protocol.Announce:
		if m.PeerID != n.id {
			n.registry.Upsert(m.PeerID, m.Address)
		}

	case *protocol.Election:
		if m.SenderID == n.id {
			return
		}
		n.election.HandleElection(m, from.String())

	case *protocol.Alive:
		n.election.HandleAlive(m)
		n.leaderSeen(m.SenderID)

	case *protocol.Coordinator:
		if m.LeaderID != n.id {
			n.registry.Upsert(m.LeaderID, m.Address)
		}
		n.election.HandleCoordinator(m)

	case *protocol.CatalogAnnounce:
		n.catalog.HandleAnnounce(m)
		n.leaderSeen(m.SenderID)

	case *protocol.CatalogRequest:
		n.catalog.HandleRequest(m)
		n.leaderSeen(m.SenderID)

	case *protocol.CatalogReply:
		n.catalog.HandleReply(m)

	case *protocol.Query:
		n.catalog.HandleQuery(m)

	case *protocol.QueryResult:
		n.catalog.HandleQueryResult(m)
		n.leaderSeen(m.SenderID)
	}
}

// leaderSeen refreshes the election grace watchdog when the current leader
// shows signs of life on the control channel.
func (n *Node) leaderSeen(id protocol.PeerID) {
	if leader, ok := n.election.CurrentLeader(); ok && leader == id {
		n.election.LeaderSeen()
	}
}

// localIndex supplies the catalog with this peer's current shared files.
func (n *Node) localIndex() []protocol.FileRecord {
	records, err := n.share.Index(n.id, n.transfer.Addr())
	if err != nil {
		n.log.WithError(err).Warn("Failed to index shared directory")
		return nil
	}
	return records
}

// reannounce pushes the local index to the leader, tolerating the
// leaderless window.
func (n *Node) reannounce() {
	if err := n.AnnounceFiles(); err != nil {
		if errors.Is(err, catalog.ErrNoLeader) {
			n.log.Debug("Skipping announce, no leader yet")
			return
		}
		n.log.WithError(err).Warn("Failed to announce shared files")
	}
}

// periodicTasks refreshes gauges and re-announces on a slow cadence so a
// leader that missed an announcement converges anyway.
func (n *Node) periodicTasks() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Catalog.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.metrics != nil {
				n.metrics.PeersActive.Set(float64(len(n.registry.Active())))
				n.metrics.PeersKnown.Set(float64(n.registry.Len()))
				n.metrics.CatalogEntries.Set(float64(n.catalog.Size()))
				n.metrics.ElectionEpoch.Set(float64(n.election.Epoch()))
				if n.election.IsLeader() {
					n.metrics.IsLeader.Set(1)
				} else {
					n.metrics.IsLeader.Set(0)
				}
			}
			n.reannounce()
		}
	}
}
