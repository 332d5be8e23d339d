package discovery

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/peerdiscovery"
	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/registry"
)

// Service periodically broadcasts this peer's presence on the LAN and feeds
// announcements from other peers into the registry. The broadcast doubles as
// the heartbeat: every received announcement refreshes lastSeen.
type Service struct {
	cfg      config.DiscoveryConfig
	selfID   protocol.PeerID
	selfAddr string
	registry *registry.Registry
	log      *logrus.Entry

	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a discovery service announcing the given peer identity and
// control address.
func New(cfg config.DiscoveryConfig, selfID protocol.PeerID, selfAddr string, reg *registry.Registry) *Service {
	return &Service{
		cfg:      cfg,
		selfID:   selfID,
		selfAddr: selfAddr,
		registry: reg,
		log:      logger.NewForComponent("discovery"),
	}
}

// Start begins broadcasting and listening.
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("discovery service is already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})

	payload, err := protocol.Encode(&protocol.Announce{
		PeerID:  s.selfID,
		Address: s.selfAddr,
	})
	if err != nil {
		return fmt.Errorf("failed to encode announce payload: %w", err)
	}

	settings := peerdiscovery.Settings{
		Limit:     -1,
		TimeLimit: -1,
		Delay:     s.cfg.Interval,
		Port:      strconv.Itoa(s.cfg.Port),
		Payload:   payload,
		AllowSelf: true,
		StopChan:  s.stopChan,
		Notify:    s.handleDiscovered,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Discover blocks until the stop channel is closed. A socket
		// failure here is transient: back off and rejoin the broadcast
		// group rather than taking the process down.
		for {
			if _, err := peerdiscovery.Discover(settings); err != nil {
				s.log.WithError(err).Error("Discovery loop failed")
			}
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Interval):
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"port":     s.cfg.Port,
		"interval": s.cfg.Interval,
	}).Info("Discovery service started")
	return nil
}

// Stop stops broadcasting and listening.
func (s *Service) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	close(s.stopChan)
	s.wg.Wait()

	s.log.Info("Discovery service stopped")
}

// handleDiscovered processes one received broadcast. Malformed payloads and
// self-announcements are dropped.
func (s *Service) handleDiscovered(d peerdiscovery.Discovered) {
	msg, err := protocol.Decode(d.Payload)
	if err != nil {
		s.log.WithError(err).WithField("from", d.Address).Debug("Discarding bad announce payload")
		return
	}

	ann, ok := msg.(*protocol.Announce)
	if !ok {
		s.log.WithField("kind", msg.Kind()).Debug("Unexpected frame on discovery channel")
		return
	}

	if ann.PeerID == s.selfID {
		return
	}

	s.registry.Upsert(ann.PeerID, ann.Address)
}
