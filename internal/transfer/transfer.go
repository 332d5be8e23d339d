package transfer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
	"github.com/htrap1211/Legion/internal/transport"
)

// ErrNotFound means the owning peer no longer has the requested file.
var ErrNotFound = errors.New("file not found at owner")

// IntegrityError means the downloaded bytes do not hash to the announced
// checksum. The partial output is discarded before this is returned.
type IntegrityError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

const (
	frameGet      = "GET"
	frameFile     = "FILE"
	frameNotFound = "NOT_FOUND"
)

type requestFrame struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type headerFrame struct {
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// Resolver maps a shared filename to its local path. Names that are not
// shared resolve to false; the resolver is also the traversal guard.
type Resolver func(name string) (string, bool)

// Engine serves local shared files over TCP and downloads remote ones with
// end-to-end checksum verification. Transfers are independent of leadership;
// each one needs only a resolved owner address.
type Engine struct {
	cfg     config.TransferConfig
	resolve Resolver
	log     *logrus.Entry

	onBytes func(int64)

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a transfer engine serving files through the given resolver.
func New(cfg config.TransferConfig, resolve Resolver) *Engine {
	return &Engine{
		cfg:     cfg,
		resolve: resolve,
		log:     logger.NewForComponent("transfer"),
	}
}

// OnBytes registers a counter callback invoked with byte totals of
// completed stream copies, for metrics.
func (e *Engine) OnBytes(fn func(int64)) {
	e.onBytes = fn
}

// Start begins accepting inbound transfer connections.
func (e *Engine) Start(ctx context.Context) error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if e.running {
		return fmt.Errorf("transfer engine is already running")
	}

	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind transfer listener: %w", err)
	}
	e.listener = listener
	e.running = true

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.acceptLoop()

	e.log.WithField("address", e.Addr()).Info("Transfer engine started")
	return nil
}

// Stop closes the listener and waits for in-flight serves to finish.
func (e *Engine) Stop() {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if !e.running {
		return
	}
	e.running = false

	e.cancel()
	e.listener.Close()
	e.wg.Wait()

	e.log.Info("Transfer engine stopped")
}

// Addr returns the advertised transfer address of this peer.
func (e *Engine) Addr() string {
	port := e.listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(transport.LocalIP(), fmt.Sprintf("%d", port))
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				e.log.WithError(err).Warn("Accept failed")
				continue
			}
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serve(conn)
		}()
	}
}

// serve handles one inbound GET. A missing file gets a NOT_FOUND frame
// before the connection closes.
func (e *Engine) serve(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		e.log.WithError(err).Debug("Failed to read request frame")
		return
	}

	var req requestFrame
	if err := json.Unmarshal(line, &req); err != nil || req.Type != frameGet || req.Name == "" {
		e.log.WithField("from", conn.RemoteAddr().String()).Debug("Discarding bad request frame")
		return
	}

	log := e.log.WithFields(logrus.Fields{
		"file": req.Name,
		"to":   conn.RemoteAddr().String(),
	})

	path, ok := e.resolve(req.Name)
	if !ok {
		log.Info("Requested file not shared")
		e.writeHeader(conn, headerFrame{Type: frameNotFound})
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Warn("Failed to open shared file")
		e.writeHeader(conn, headerFrame{Type: frameNotFound})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.WithError(err).Warn("Failed to stat shared file")
		e.writeHeader(conn, headerFrame{Type: frameNotFound})
		return
	}

	if err := e.writeHeader(conn, headerFrame{Type: frameFile, Size: info.Size()}); err != nil {
		log.WithError(err).Debug("Failed to write header frame")
		return
	}

	buf := make([]byte, e.cfg.ChunkSize)
	n, err := io.CopyBuffer(conn, f, buf)
	if err != nil {
		log.WithError(err).Warn("Transfer aborted")
		return
	}

	if e.onBytes != nil {
		e.onBytes(n)
	}
	log.WithField("bytes", n).Info("File served")
}

func (e *Engine) writeHeader(conn net.Conn, h headerFrame) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// RequestDownload fetches a file from its owner, verifying the announced
// checksum over the streamed bytes. The output lands in destDir only after
// verification; a mismatch discards the partial file and returns
// IntegrityError.
func (e *Engine) RequestDownload(ctx context.Context, rec protocol.FileRecord, destDir string) (string, error) {
	log := e.log.WithFields(logrus.Fields{
		"file":  rec.Name,
		"owner": rec.OwnerAddress,
	})
	log.Info("Starting download")

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", rec.OwnerAddress)
	if err != nil {
		return "", fmt.Errorf("failed to connect to owner %s: %w", rec.OwnerAddress, err)
	}
	defer conn.Close()

	req, err := json.Marshal(requestFrame{Type: frameGet, Name: rec.Name})
	if err != nil {
		return "", fmt.Errorf("failed to encode request frame: %w", err)
	}
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return "", fmt.Errorf("failed to send request frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read header frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var header headerFrame
	if err := json.Unmarshal(line, &header); err != nil {
		return "", fmt.Errorf("malformed header frame: %w", err)
	}

	switch header.Type {
	case frameFile:
	case frameNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, rec.Name)
	default:
		return "", fmt.Errorf("unexpected header frame type %q", header.Type)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	dest := filepath.Join(destDir, filepath.Base(rec.Name))
	tmp, err := os.CreateTemp(destDir, filepath.Base(rec.Name)+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	digest := sha256.New()
	buf := make([]byte, e.cfg.ChunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(tmp, digest), io.LimitReader(reader, header.Size), buf)
	closeErr := tmp.Close()

	if err != nil || closeErr != nil || n != header.Size {
		os.Remove(tmpName)
		if err == nil {
			err = fmt.Errorf("short read: got %d of %d bytes", n, header.Size)
		}
		return "", fmt.Errorf("download of %s failed: %w", rec.Name, err)
	}

	actual := hex.EncodeToString(digest.Sum(nil))
	if rec.Checksum != "" && actual != rec.Checksum {
		os.Remove(tmpName)
		return "", &IntegrityError{Name: rec.Name, Expected: rec.Checksum, Actual: actual}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize download: %w", err)
	}

	if e.onBytes != nil {
		e.onBytes(n)
	}
	log.WithFields(logrus.Fields{
		"bytes": n,
		"path":  dest,
	}).Info("Download complete, checksum verified")
	return dest, nil
}
