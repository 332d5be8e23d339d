package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
)

// LeaderSource reports the identity of the current leader, if any.
type LeaderSource interface {
	CurrentLeader() (protocol.PeerID, bool)
}

// Detector periodically scans the registry and applies the suspicion
// thresholds. Peers past the suspect timeout are marked SUSPECTED, peers
// past the dead timeout are evicted. Losing the current leader triggers a
// new election; that is this component's only cross-component signal.
type Detector struct {
	cfg      config.DetectorConfig
	registry *registry.Registry
	leaders  LeaderSource
	log      *logrus.Entry

	onLeaderLost func()
	onPeerDead   func(protocol.PeerID)

	clock func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a detector over the given registry.
func New(cfg config.DetectorConfig, reg *registry.Registry, leaders LeaderSource) *Detector {
	return &Detector{
		cfg:      cfg,
		registry: reg,
		leaders:  leaders,
		log:      logger.NewForComponent("detector"),
		clock:    time.Now,
	}
}

// OnLeaderLost registers the callback fired when the current leader is
// suspected or evicted.
func (d *Detector) OnLeaderLost(fn func()) {
	d.onLeaderLost = fn
}

// OnPeerDead registers the callback fired after a peer is evicted.
func (d *Detector) OnPeerDead(fn func(protocol.PeerID)) {
	d.onPeerDead = fn
}

// Start begins the periodic scan.
func (d *Detector) Start(ctx context.Context) error {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running {
		return fmt.Errorf("failure detector is already running")
	}
	d.running = true

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.scanLoop()

	d.log.WithFields(logrus.Fields{
		"scan_interval":   d.cfg.ScanInterval,
		"suspect_timeout": d.cfg.SuspectTimeout,
		"dead_timeout":    d.cfg.DeadTimeout,
	}).Info("Failure detector started")
	return nil
}

// Stop halts the periodic scan.
func (d *Detector) Stop() {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if !d.running {
		return
	}
	d.running = false

	d.cancel()
	d.wg.Wait()

	d.log.Info("Failure detector stopped")
}

func (d *Detector) scanLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Scan()
		}
	}
}

// Scan applies the liveness thresholds to one registry snapshot.
func (d *Detector) Scan() {
	now := d.clock()
	leaderID, haveLeader := d.leaders.CurrentLeader()
	leaderLost := false

	for _, p := range d.registry.Snapshot() {
		age := now.Sub(p.LastSeen)

		switch {
		case age > d.cfg.DeadTimeout:
			d.log.WithFields(logrus.Fields{
				"peer": p.ID,
				"age":  age,
			}).Warn("Peer timed out, evicting")
			d.registry.MarkDead(p.ID)
			if d.onPeerDead != nil {
				d.onPeerDead(p.ID)
			}
			if haveLeader && p.ID == leaderID {
				leaderLost = true
			}

		case age > d.cfg.SuspectTimeout:
			if p.Status == registry.StatusActive {
				d.log.WithFields(logrus.Fields{
					"peer": p.ID,
					"age":  age,
				}).Info("Peer suspected")
				d.registry.MarkSuspected(p.ID)
				if haveLeader && p.ID == leaderID {
					leaderLost = true
				}
			}
		}
	}

	if leaderLost && d.onLeaderLost != nil {
		d.log.WithField("leader", leaderID).Warn("Current leader lost, signaling election")
		d.onLeaderLost()
	}
}
