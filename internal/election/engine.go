package election

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

// Role is the election state of this peer.
type Role string

const (
	RoleFollower  Role = "FOLLOWER"
	RoleCandidate Role = "CANDIDATE"
	RoleLeader    Role = "LEADER"
)

// Sender delivers a control frame to a peer's control address.
type Sender interface {
	Send(addr string, m protocol.Message) error
}

// PeerView is the registry surface the engine needs.
type PeerView interface {
	Active() []registry.PeerInfo
	Snapshot() []registry.PeerInfo
}

// Engine is the Bully election state machine. The live peer with the
// greatest id wins; election rounds are ordered by a monotonically
// increasing epoch and frames bearing an older epoch are discarded.
type Engine struct {
	cfg      config.ElectionConfig
	selfID   protocol.PeerID
	selfAddr string
	peers    PeerView
	sender   Sender
	log      *logrus.Entry

	mu         sync.Mutex
	role       Role
	epoch      uint64
	leaderID   protocol.PeerID
	leaderAddr string
	aliveSeen  bool
	lastLeader time.Time

	answerTimer *time.Timer
	coordTimer  *time.Timer

	onElectionStarted func()
	onBecomeLeader    func()
	onLoseLeadership  func()
	onLeaderChange    func(leader protocol.PeerID, addr string)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates an election engine for the given peer identity.
func New(cfg config.ElectionConfig, selfID protocol.PeerID, selfAddr string, peers PeerView, sender Sender) *Engine {
	return &Engine{
		cfg:        cfg,
		selfID:     selfID,
		selfAddr:   selfAddr,
		peers:      peers,
		sender:     sender,
		log:        logger.NewForComponent("election").WithField("self", selfID),
		role:       RoleFollower,
		lastLeader: time.Now(),
	}
}

// OnElectionStarted registers the callback fired at the start of every
// election round this peer initiates.
func (e *Engine) OnElectionStarted(fn func()) {
	e.onElectionStarted = fn
}

// OnBecomeLeader registers the callback fired when this peer wins an
// election. The catalog manager uses it to rebuild from scratch.
func (e *Engine) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership registers the callback fired when this peer stops being
// leader in favor of another peer.
func (e *Engine) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// OnLeaderChange registers the callback fired whenever the known leader
// identity changes.
func (e *Engine) OnLeaderChange(fn func(leader protocol.PeerID, addr string)) {
	e.onLeaderChange = fn
}

// Start launches the no-leader watchdog. A peer that has gone the whole
// grace period without hearing of any leader promotes itself to candidate;
// this covers the first peer on the network and lost coordinator frames.
func (e *Engine) Start(ctx context.Context) error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if e.running {
		return fmt.Errorf("election engine is already running")
	}
	e.running = true

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.graceLoop()

	e.log.Info("Election engine started")
	return nil
}

// Stop halts the engine and cancels any pending timers.
func (e *Engine) Stop() {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if !e.running {
		return
	}
	e.running = false

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()

	e.log.Info("Election engine stopped")
}

// CurrentLeader returns the known leader, if any.
func (e *Engine) CurrentLeader() (protocol.PeerID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID, e.leaderID != ""
}

// LeaderAddr returns the control address of the known leader.
func (e *Engine) LeaderAddr() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderAddr, e.leaderID != ""
}

// Role returns the current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Epoch returns the current election epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// IsLeader reports whether this peer currently leads.
func (e *Engine) IsLeader() bool {
	return e.Role() == RoleLeader
}

// LeaderLost is the failure detector's signal that the current leader
// stopped announcing. It clears the leader and starts a new election.
func (e *Engine) LeaderLost() {
	e.mu.Lock()
	if e.leaderID == "" || e.leaderID == e.selfID {
		e.mu.Unlock()
		return
	}
	e.leaderID = ""
	e.leaderAddr = ""
	e.mu.Unlock()

	e.StartElection()
}

// StartElection begins a new election round under a fresh epoch.
func (e *Engine) StartElection() {
	e.mu.Lock()

	wasLeader := e.role == RoleLeader
	e.epoch++
	epoch := e.epoch
	e.role = RoleCandidate
	e.aliveSeen = false
	e.leaderID = ""
	e.leaderAddr = ""
	e.stopTimersLocked()

	higher := make([]registry.PeerInfo, 0)
	for _, p := range e.peers.Active() {
		if e.selfID.Less(p.ID) {
			higher = append(higher, p)
		}
	}
	e.mu.Unlock()

	if wasLeader && e.onLoseLeadership != nil {
		e.onLoseLeadership()
	}
	if e.onElectionStarted != nil {
		e.onElectionStarted()
	}

	e.log.WithFields(logrus.Fields{
		"epoch":        epoch,
		"higher_peers": len(higher),
	}).Info("Starting election")

	if len(higher) == 0 {
		e.becomeLeader(epoch)
		return
	}

	for _, p := range higher {
		if err := e.sender.Send(p.Address, &protocol.Election{SenderID: e.selfID, Epoch: epoch}); err != nil {
			e.log.WithError(err).WithField("peer", p.ID).Debug("Election challenge send failed")
		}
	}

	e.mu.Lock()
	// The challenges above may have been answered synchronously, or a
	// concurrent round may have moved the epoch; arm against live state.
	if e.role == RoleCandidate && !e.aliveSeen {
		e.armAnswerTimerLocked(e.epoch)
	}
	e.mu.Unlock()
}

// answerTimeout fires when no higher peer replied within the window.
func (e *Engine) answerTimeout(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch || e.role != RoleCandidate || e.aliveSeen {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.becomeLeader(epoch)
}

// coordinatorTimeout fires when a higher peer answered ALIVE but no
// coordinator announcement followed. The round is abandoned and a new one
// started under a fresh epoch.
func (e *Engine) coordinatorTimeout(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch || e.role != RoleCandidate {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.log.WithField("epoch", epoch).Info("No coordinator announced, restarting election")
	e.StartElection()
}

func (e *Engine) becomeLeader(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	e.role = RoleLeader
	e.leaderID = e.selfID
	e.leaderAddr = e.selfAddr
	e.lastLeader = time.Now()
	e.stopTimersLocked()
	targets := e.peers.Snapshot()
	e.mu.Unlock()

	e.log.WithField("epoch", epoch).Info("Won election, announcing coordinator")

	coord := &protocol.Coordinator{
		SenderID: e.selfID,
		Epoch:    epoch,
		LeaderID: e.selfID,
		Address:  e.selfAddr,
	}
	for _, p := range targets {
		if err := e.sender.Send(p.Address, coord); err != nil {
			e.log.WithError(err).WithField("peer", p.ID).Debug("Coordinator send failed")
		}
	}

	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
	if e.onLeaderChange != nil {
		e.onLeaderChange(e.selfID, e.selfAddr)
	}
}

// HandleElection processes a challenge from another peer.
func (e *Engine) HandleElection(msg *protocol.Election, fromAddr string) {
	e.mu.Lock()
	if msg.Epoch < e.epoch {
		// stale round, drop
		e.mu.Unlock()
		return
	}
	if msg.Epoch > e.epoch {
		e.epoch = msg.Epoch
		// A pending timer is bound to the superseded epoch and would be a
		// no-op when it fires. Carry the candidacy into the adopted round.
		if e.role == RoleCandidate {
			if e.aliveSeen {
				e.armCoordinatorTimerLocked(e.epoch)
			} else if e.answerTimer != nil {
				e.armAnswerTimerLocked(e.epoch)
			}
		}
	}
	epoch := e.epoch
	role := e.role
	haveLeader := e.leaderID != ""
	e.mu.Unlock()

	if e.selfID.Less(msg.SenderID) {
		// Challenge from a greater peer: yield and wait for its coordinator
		// announcement.
		e.mu.Lock()
		if e.role == RoleCandidate {
			e.aliveSeen = true
			e.armCoordinatorTimerLocked(epoch)
		}
		e.mu.Unlock()
		return
	}

	// Challenge from a lesser peer: assert liveness.
	if err := e.sender.Send(fromAddr, &protocol.Alive{SenderID: e.selfID, Epoch: epoch}); err != nil {
		e.log.WithError(err).WithField("to", fromAddr).Debug("Alive reply send failed")
	}

	switch role {
	case RoleLeader:
		// The challenger missed our coordinator frame; resend it directly.
		if err := e.sender.Send(fromAddr, &protocol.Coordinator{
			SenderID: e.selfID,
			Epoch:    epoch,
			LeaderID: e.selfID,
			Address:  e.selfAddr,
		}); err != nil {
			e.log.WithError(err).WithField("to", fromAddr).Debug("Coordinator resend failed")
		}
	case RoleFollower:
		// A lesser peer campaigning means it lost its leader. If we have no
		// leader either, take over the round ourselves.
		if !haveLeader {
			go e.StartElection()
		}
	}
}

// HandleAlive processes a liveness reply from a greater peer.
func (e *Engine) HandleAlive(msg *protocol.Alive) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Epoch < e.epoch || e.role != RoleCandidate {
		return
	}
	if msg.Epoch > e.epoch {
		e.epoch = msg.Epoch
	}

	e.aliveSeen = true
	if e.answerTimer != nil {
		e.answerTimer.Stop()
		e.answerTimer = nil
	}
	e.armCoordinatorTimerLocked(e.epoch)
}

// HandleCoordinator adopts an announced leader, provided the frame is not
// from a stale round.
func (e *Engine) HandleCoordinator(msg *protocol.Coordinator) {
	e.mu.Lock()
	if msg.Epoch < e.epoch {
		e.mu.Unlock()
		return
	}

	wasLeader := e.role == RoleLeader
	e.epoch = msg.Epoch
	e.leaderID = msg.LeaderID
	e.leaderAddr = msg.Address
	e.lastLeader = time.Now()
	if msg.LeaderID == e.selfID {
		e.role = RoleLeader
	} else {
		e.role = RoleFollower
	}
	demoted := wasLeader && e.role != RoleLeader
	e.stopTimersLocked()
	leaderID, leaderAddr := e.leaderID, e.leaderAddr
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"leader": leaderID,
		"epoch":  msg.Epoch,
	}).Info("Coordinator adopted")

	if demoted && e.onLoseLeadership != nil {
		e.onLoseLeadership()
	}
	if e.onLeaderChange != nil {
		e.onLeaderChange(leaderID, leaderAddr)
	}
}

// LeaderSeen refreshes the no-leader watchdog. The node calls it whenever
// the current leader shows any sign of life.
func (e *Engine) LeaderSeen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastLeader = time.Now()
}

func (e *Engine) armAnswerTimerLocked(epoch uint64) {
	if e.answerTimer != nil {
		e.answerTimer.Stop()
	}
	e.answerTimer = time.AfterFunc(e.cfg.AnswerTimeout, func() { e.answerTimeout(epoch) })
}

func (e *Engine) armCoordinatorTimerLocked(epoch uint64) {
	if e.coordTimer != nil {
		e.coordTimer.Stop()
	}
	e.coordTimer = time.AfterFunc(e.cfg.CoordinatorTimeout, func() { e.coordinatorTimeout(epoch) })
}

func (e *Engine) stopTimersLocked() {
	if e.answerTimer != nil {
		e.answerTimer.Stop()
		e.answerTimer = nil
	}
	if e.coordTimer != nil {
		e.coordTimer.Stop()
		e.coordTimer = nil
	}
}

func (e *Engine) graceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.LeaderGracePeriod / 2)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			leaderless := e.leaderID == "" && e.role != RoleCandidate
			expired := time.Since(e.lastLeader) > e.cfg.LeaderGracePeriod
			e.mu.Unlock()

			if leaderless && expired {
				e.log.Info("No leader within grace period, self-promoting")
				e.StartElection()
			}
		}
	}
}
