// Package tcp implements comm.Communicator over TCP for groups whose ranks
// run as separate processes, possibly on separate hosts.
//
// The group is a star rooted at rank 0: rank 0 listens, every other rank
// dials it and introduces itself with its rank and the group size. Join
// returns once the caller is part of a complete group on the root, and once
// the root has accepted the caller elsewhere. Collectives are only supported
// with root 0.
package tcp

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/mpifanout/comm"
	"github.com/utkarsh5026/mpifanout/internal/backoff"
)

const rootRank = 0

const (
	defaultDialTimeout = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// ErrRejected is returned on a non-root rank when the root refuses its
// introduction: wrong group size, out-of-range rank, or a rank already taken.
var ErrRejected = errors.New("tcp: join rejected by root")

// Config describes how one rank joins the group.
type Config struct {
	// Addr is the root's listen address. Non-root ranks dial it.
	Addr string

	Rank int
	Size int

	// DialTimeout bounds how long a non-root rank keeps retrying the dial.
	// Defaults to 30s.
	DialTimeout time.Duration

	// Backoff spaces dial attempts. Defaults to jittered exponential delays
	// between 50ms and 2s.
	Backoff backoff.Strategy

	Logger *zap.Logger

	// Listener, when set on the root, is used instead of listening on Addr.
	// Join takes ownership of it.
	Listener net.Listener
}

func (c *Config) validate() error {
	if c.Size < 1 {
		return fmt.Errorf("tcp: group size must be >= 1, got %d", c.Size)
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("tcp: rank %d outside group of size %d", c.Rank, c.Size)
	}
	if c.Addr == "" && (c.Rank != rootRank || (c.Listener == nil && c.Size > 1)) {
		return errors.New("tcp: address is required")
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Backoff == nil {
		c.Backoff = backoff.New(backoff.Jittered, 50*time.Millisecond, 2*time.Second, 0.2)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

type frameKind uint8

const (
	kindHello frameKind = iota + 1
	kindWelcome
	kindScatter
	kindGather
)

// frame is the only message type on a connection.
type frame struct {
	Kind    frameKind
	Rank    int
	Size    int
	Reason  string
	Payload []byte
}

type peer struct {
	rank int
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(rank int, conn net.Conn) *peer {
	return &peer{rank: rank, conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (p *peer) send(ctx context.Context, f frame) error {
	return withContext(ctx, p.conn, func() error { return p.enc.Encode(f) })
}

func (p *peer) recv(ctx context.Context) (frame, error) {
	var f frame
	err := withContext(ctx, p.conn, func() error { return p.dec.Decode(&f) })
	return f, err
}

// withContext runs a blocking read or write on conn and interrupts it by
// expiring the connection deadline when ctx is done. An interrupted
// connection is not reusable.
func withContext(ctx context.Context, conn net.Conn, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	err := op()
	if !stop() {
		return ctx.Err()
	}
	return err
}

// Comm is one rank's handle on a TCP group.
type Comm struct {
	rank, size int
	log        *zap.Logger

	root  *peer   // set on non-root ranks
	peers []*peer // set on the root, indexed by rank; peers[0] is nil

	finalized atomic.Bool
}

var _ comm.Communicator = (*Comm)(nil)

// Join connects this rank to the group described by cfg.
func Join(ctx context.Context, cfg Config) (*Comm, error) {
	if err := cfg.validate(); err != nil {
		if cfg.Listener != nil {
			_ = cfg.Listener.Close()
		}
		return nil, err
	}

	c := &Comm{
		rank: cfg.Rank,
		size: cfg.Size,
		log:  cfg.Logger.With(zap.Int("rank", cfg.Rank), zap.Int("size", cfg.Size)),
	}

	if cfg.Rank == rootRank {
		if err := c.accept(ctx, cfg); err != nil {
			return nil, err
		}
	} else if err := c.dial(ctx, cfg); err != nil {
		return nil, err
	}

	c.log.Info("joined group")
	return c, nil
}

func (c *Comm) accept(ctx context.Context, cfg Config) error {
	c.peers = make([]*peer, c.size)
	if c.size == 1 {
		if cfg.Listener != nil {
			_ = cfg.Listener.Close()
		}
		return nil
	}

	ln := cfg.Listener
	if ln == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("tcp: listen on %s: %w", cfg.Addr, err)
		}
		ln = l
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	c.log.Info("waiting for ranks", zap.String("addr", ln.Addr().String()))

	for joined := 1; joined < c.size; {
		conn, err := ln.Accept()
		if err != nil {
			c.closePeers()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("tcp: accept: %w", err)
		}

		p, reason := c.admit(conn)
		if p == nil {
			c.log.Warn("rejected rank", zap.String("remote", conn.RemoteAddr().String()), zap.String("reason", reason))
			_ = conn.Close()
			continue
		}

		c.peers[p.rank] = p
		joined++
		c.log.Debug("rank joined", zap.Int("peer", p.rank), zap.Int("joined", joined))
	}
	return nil
}

// admit runs the root side of the handshake. It returns a nil peer and the
// reason when the introduction is refused.
func (c *Comm) admit(conn net.Conn) (*peer, string) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	p := newPeer(-1, conn)
	var hello frame
	if err := p.dec.Decode(&hello); err != nil {
		return nil, fmt.Sprintf("reading hello: %v", err)
	}

	var reason string
	switch {
	case hello.Kind != kindHello:
		reason = fmt.Sprintf("expected hello, got frame kind %d", hello.Kind)
	case hello.Size != c.size:
		reason = fmt.Sprintf("group size %d, root has %d", hello.Size, c.size)
	case hello.Rank <= rootRank || hello.Rank >= c.size:
		reason = fmt.Sprintf("rank %d outside [1, %d)", hello.Rank, c.size)
	case c.peers[hello.Rank] != nil:
		reason = fmt.Sprintf("rank %d already joined", hello.Rank)
	}

	if err := p.enc.Encode(frame{Kind: kindWelcome, Size: c.size, Reason: reason}); err != nil && reason == "" {
		reason = fmt.Sprintf("writing welcome: %v", err)
	}
	if reason != "" {
		return nil, reason
	}

	p.rank = hello.Rank
	return p, ""
}

func (c *Comm) dial(ctx context.Context, cfg Config) error {
	var conn net.Conn
	var d net.Dialer

	err := backoff.Retry(ctx, cfg.Backoff, cfg.DialTimeout, func(attempt int) error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			c.log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", cfg.Addr, err)
	}

	p := newPeer(rootRank, conn)
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := p.send(hsCtx, frame{Kind: kindHello, Rank: c.rank, Size: c.size}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("tcp: sending hello: %w", err)
	}
	welcome, err := p.recv(hsCtx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("tcp: reading welcome: %w", err)
	}
	if welcome.Kind != kindWelcome {
		_ = conn.Close()
		return fmt.Errorf("%w: expected welcome, got frame kind %d", comm.ErrProtocol, welcome.Kind)
	}
	if welcome.Reason != "" {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrRejected, welcome.Reason)
	}

	c.root = p
	return nil
}

// Rank returns the rank of this handle.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the group.
func (c *Comm) Size() int { return c.size }

// Scatter implements comm.Communicator. root must be 0.
func (c *Comm) Scatter(ctx context.Context, payloads [][]byte, root int) ([]byte, error) {
	if err := c.check(root); err != nil {
		return nil, err
	}

	if c.rank != rootRank {
		f, err := c.root.recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("tcp: scatter receive: %w", err)
		}
		if f.Kind != kindScatter {
			return nil, fmt.Errorf("%w: rank %d expected scatter, got frame kind %d", comm.ErrProtocol, c.rank, f.Kind)
		}
		return f.Payload, nil
	}

	if len(payloads) != c.size {
		return nil, fmt.Errorf("%w: got %d, want %d", comm.ErrPayloadCount, len(payloads), c.size)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.peers[1:] {
		g.Go(func() error {
			if err := p.send(gctx, frame{Kind: kindScatter, Payload: payloads[p.rank]}); err != nil {
				return fmt.Errorf("tcp: scatter to rank %d: %w", p.rank, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bytes.Clone(payloads[rootRank]), nil
}

// Gather implements comm.Communicator. root must be 0.
func (c *Comm) Gather(ctx context.Context, payload []byte, root int) ([][]byte, error) {
	if err := c.check(root); err != nil {
		return nil, err
	}

	if c.rank != rootRank {
		if err := c.root.send(ctx, frame{Kind: kindGather, Payload: payload}); err != nil {
			return nil, fmt.Errorf("tcp: gather send: %w", err)
		}
		return nil, nil
	}

	out := make([][]byte, c.size)
	out[rootRank] = bytes.Clone(payload)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.peers[1:] {
		g.Go(func() error {
			f, err := p.recv(gctx)
			if err != nil {
				return fmt.Errorf("tcp: gather from rank %d: %w", p.rank, err)
			}
			if f.Kind != kindGather {
				return fmt.Errorf("%w: root expected gather from rank %d, got frame kind %d", comm.ErrProtocol, p.rank, f.Kind)
			}
			out[p.rank] = f.Payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Finalize closes this rank's connections. A second call returns
// comm.ErrFinalized.
func (c *Comm) Finalize() error {
	if !c.finalized.CompareAndSwap(false, true) {
		return comm.ErrFinalized
	}
	c.log.Debug("finalizing")

	if c.root != nil {
		return ignoreClosed(c.root.conn.Close())
	}
	return c.closePeers()
}

func (c *Comm) closePeers() error {
	var errs []error
	for _, p := range c.peers {
		if p != nil {
			errs = append(errs, ignoreClosed(p.conn.Close()))
		}
	}
	return errors.Join(errs...)
}

func (c *Comm) check(root int) error {
	if c.finalized.Load() {
		return comm.ErrFinalized
	}
	if root != rootRank {
		return fmt.Errorf("%w: %d (tcp groups only support root 0)", comm.ErrBadRoot, root)
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
