package signalbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const socketSuffix = ".sock"

// maxDatagram bounds a signal name on the wire
const maxDatagram = 256

// sendTimeout bounds a write to a peer whose receive queue is full
const sendTimeout = 100 * time.Millisecond

// UnixTransport connects buses in different processes through a directory
// of unix datagram sockets, one per listening bus.
type UnixTransport struct {
	dir  string
	path string

	mu     sync.Mutex
	conn   *net.UnixConn
	closed bool
	done   chan struct{}
}

// NewUnixTransport prepares a transport rooted at dir. Nothing is bound
// until Listen is called.
func NewUnixTransport(dir string) (*UnixTransport, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create signal directory: %w", err)
	}

	// Short names keep the path under the sun_path limit.
	name := fmt.Sprintf("%d-%08x%s", os.Getpid(), uuid.New().ID(), socketSuffix)
	return &UnixTransport{
		dir:  dir,
		path: filepath.Join(dir, name),
	}, nil
}

// Path returns the socket this transport listens on
func (t *UnixTransport) Path() string {
	return t.path
}

// Listen binds the socket and delivers every datagram on a reader goroutine
func (t *UnixTransport) Listen(deliver func(Signal)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("signalbus: transport closed")
	}
	if t.conn != nil {
		return fmt.Errorf("signalbus: already listening")
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: t.path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", t.path, err)
	}
	t.conn = conn
	t.done = make(chan struct{})

	go t.readLoop(conn, t.done, deliver)
	return nil
}

func (t *UnixTransport) readLoop(conn *net.UnixConn, done chan struct{}, deliver func(Signal)) {
	defer close(done)

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("Signal socket %s read error: %v", t.path, err)
			}
			return
		}

		name := Signal(buf[:n])
		if !name.Valid() {
			log.WithField("path", t.path).Debug("Ignoring unknown datagram")
			continue
		}
		deliver(name)
	}
}

// Publish sends name to every socket in the directory. Sockets whose
// process has gone away are removed. A peer that stops reading costs at most
// sendTimeout and is reported as a delivery error.
func (t *UnixTransport) Publish(name Signal) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("failed to list signal directory: %w", err)
	}

	var result *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), socketSuffix) {
			continue
		}
		target := filepath.Join(t.dir, entry.Name())
		if err := sendDatagram(target, name); err != nil {
			if errors.Is(err, unix.ECONNREFUSED) {
				log.WithField("path", target).Debug("Removing stale signal socket")
				os.Remove(target)
				continue
			}
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func sendDatagram(target string, name Signal) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: target, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte(name)); err != nil {
		return fmt.Errorf("failed to signal %s: %w", filepath.Base(target), err)
	}
	return nil
}

// Close stops the reader and removes the socket file
func (t *UnixTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, done := t.conn, t.done
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	var result *multierror.Error
	if err := conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	<-done
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
