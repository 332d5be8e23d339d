package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
)

const maxFrameSize = 64 * 1024

// Handler consumes decoded control-plane messages.
type Handler func(msg protocol.Message, from *net.UDPAddr)

// UDP is the unicast JSON control channel carrying election and catalog
// frames between peers.
type UDP struct {
	conn    *net.UDPConn
	handler Handler
	log     *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewUDP binds a unicast UDP socket on the given port (0 picks a free one).
func NewUDP(port int) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind control socket: %w", err)
	}

	return &UDP{
		conn: conn,
		log:  logger.NewForComponent("transport"),
	}, nil
}

// SetHandler installs the message handler. Must be called before Start.
func (t *UDP) SetHandler(h Handler) {
	t.handler = h
}

// Port returns the bound local port.
func (t *UDP) Port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Addr returns the advertised control address of this peer.
func (t *UDP) Addr() string {
	return net.JoinHostPort(LocalIP(), fmt.Sprintf("%d", t.Port()))
}

// Send encodes and sends one message to a peer's control address. Failures
// are transient network errors; callers in background tasks absorb them.
func (t *UDP) Send(addr string, m protocol.Message) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", m.Kind(), err)
	}

	if _, err := t.conn.WriteToUDP(data, udpAddr); err != nil {
		return fmt.Errorf("failed to send %s frame to %s: %w", m.Kind(), addr, err)
	}
	return nil
}

// Start runs the receive loop until the context is cancelled.
func (t *UDP) Start(ctx context.Context) error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return fmt.Errorf("transport is already running")
	}
	if t.handler == nil {
		return fmt.Errorf("transport handler not set")
	}
	t.running = true

	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.receiveLoop()

	t.log.WithField("address", t.Addr()).Info("Control transport started")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (t *UDP) Stop() {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if !t.running {
		return
	}
	t.running = false

	t.cancel()
	t.conn.Close()
	t.wg.Wait()

	t.log.Info("Control transport stopped")
}

func (t *UDP) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxFrameSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.WithError(err).Warn("Control socket read failed")
				continue
			}
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			t.log.WithError(err).WithField("from", from.String()).Debug("Discarding bad frame")
			continue
		}

		t.handler(msg, from)
	}
}

// LocalIP detects the local interface address routed toward the network.
// No packet is actually sent.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
