// Package transport is the reference TCP implementation of the engine's
// send callback: the concrete default a deployment wires in for
// per-replica unicast delivery. Connections are short-lived, one per
// message, trimmed of topology, datacenter-awareness, and handshake
// concerns that sit outside delivery itself.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/chorny/kepaxos/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("transport")
}

// maxInFlightSends bounds how many peers a single broadcast dials
// concurrently, so one large replica group doesn't open hundreds of
// sockets at once.
const maxInFlightSends = 8

// Dispatcher is satisfied by *engine.Replica.
type Dispatcher interface {
	Dispatch(msg *wire.Message)
}

// TCP sends protocol frames over fresh, short-lived TCP connections and
// accepts inbound frames on a listening socket.
type TCP struct {
	addrs       map[string]string // peer name -> host:port
	dialTimeout time.Duration
}

// New builds a TCP transport from a peer-name-to-address map.
func New(addrs map[string]string, dialTimeout time.Duration) *TCP {
	if dialTimeout == 0 {
		dialTimeout = 2 * time.Second
	}
	return &TCP{addrs: addrs, dialTimeout: dialTimeout}
}

// Send implements engine.SendFunc: best-effort unicast to each recipient,
// fanned out with bounded concurrency via errgroup so a single slow or
// unreachable peer can't stall delivery to the others.
func (t *TCP) Send(recipients []string, payload []byte) (int, error) {
	g := new(errgroup.Group)
	g.SetLimit(maxInFlightSends)

	var delivered atomic.Int32
	for _, recipient := range recipients {
		recipient := recipient
		g.Go(func() error {
			if err := t.sendOne(recipient, payload); err != nil {
				logger.Warning("send to %s failed: %v", recipient, err)
				return nil // best-effort: one failure must not cancel the rest
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load()), nil
}

func (t *TCP) sendOne(recipient string, payload []byte) error {
	addr, ok := t.addrs[recipient]
	if !ok {
		return fmt.Errorf("transport: unknown peer %q", recipient)
	}
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	return writeFrame(conn, payload)
}

// Listen accepts inbound frames on addr and hands each decoded message to
// d.Dispatch. The returned io.Closer stops the listener.
func (t *TCP) Listen(addr string, d Dispatcher) (io.Closer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	go t.acceptLoop(ln, d)
	return ln, nil
}

func (t *TCP) acceptLoop(ln net.Listener, d Dispatcher) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleConn(conn, d)
	}
}

func (t *TCP) handleConn(conn net.Conn, d Dispatcher) {
	defer conn.Close()
	payload, err := readFrame(conn)
	if err != nil {
		return
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		logger.Warning("dropping malformed frame from %s: %v", conn.RemoteAddr(), err)
		return
	}
	d.Dispatch(msg)
}

// writeFrame/readFrame add a 4-byte big-endian length prefix around a wire
// payload, since TCP is a byte stream and the wire frame carries no outer
// length of its own (its internal length fields delimit only the
// variable-size sender/key/data sub-fields).
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
