package distributed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Star is a TCP process group with rank 0 as the hub. Every collective goes
// through the hub, which sums contributions in rank order so all ranks see
// bit-identical results.
type Star struct {
	rank  int
	world int

	mu    sync.Mutex
	seq   uint64
	hub   *peer   // set on ranks > 0
	peers []*peer // set on rank 0, indexed by rank
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn)}
}

// Serve accepts worldSize-1 peers on ln and returns the rank 0 member.
func Serve(ctx context.Context, ln net.Listener, worldSize int) (*Star, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be >= 1 (got %d)", worldSize)
	}
	s := &Star{rank: 0, world: worldSize, peers: make([]*peer, worldSize)}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for joined := 1; joined < worldSize; {
		conn, err := ln.Accept()
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		p := newPeer(conn)
		hello, err := readMessage(p.r)
		if err != nil {
			conn.Close()
			s.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if hello.rank <= 0 || hello.rank >= worldSize || s.peers[hello.rank] != nil {
			conn.Close()
			s.Close()
			return nil, fmt.Errorf("handshake: unexpected rank %d", hello.rank)
		}
		if err := writeMessage(conn, message{rank: 0, seq: uint64(worldSize)}); err != nil {
			conn.Close()
			s.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
		s.peers[hello.rank] = p
		joined++
	}
	return s, nil
}

// Dial connects rank to the hub at addr.
func Dial(ctx context.Context, addr string, rank, worldSize int) (*Star, error) {
	if rank <= 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d outside world of size %d", rank, worldSize)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p := newPeer(conn)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := writeMessage(conn, message{rank: rank}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ack, err := readMessage(p.r)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if int(ack.seq) != worldSize {
		conn.Close()
		return nil, fmt.Errorf("handshake: hub expects world size %d, not %d", ack.seq, worldSize)
	}
	conn.SetDeadline(time.Time{})
	return &Star{rank: rank, world: worldSize, hub: p}, nil
}

func (s *Star) Rank() int      { return s.rank }
func (s *Star) WorldSize() int { return s.world }

// AllReduce sums vals across the group in place.
func (s *Star) AllReduce(ctx context.Context, vals []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world == 1 {
		return nil
	}
	s.seq++

	conns := s.conns()
	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.SetDeadline(time.Unix(1, 0))
		}
	})
	defer func() {
		if stop() {
			for _, c := range conns {
				c.SetDeadline(time.Time{})
			}
		}
	}()

	var err error
	if s.rank == 0 {
		err = s.reduceAtHub(vals)
	} else {
		err = s.reduceAtPeer(vals)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Star) reduceAtHub(vals []float64) error {
	sum := append([]float64(nil), vals...)
	for rank := 1; rank < s.world; rank++ {
		m, err := readMessage(s.peers[rank].r)
		if err != nil {
			return fmt.Errorf("all-reduce: read rank %d: %w", rank, err)
		}
		if err := s.check(m, rank, len(vals)); err != nil {
			return err
		}
		floats.Add(sum, m.values)
	}
	out := message{rank: 0, seq: s.seq, values: sum}
	for rank := 1; rank < s.world; rank++ {
		if err := writeMessage(s.peers[rank].conn, out); err != nil {
			return fmt.Errorf("all-reduce: write rank %d: %w", rank, err)
		}
	}
	copy(vals, sum)
	return nil
}

func (s *Star) reduceAtPeer(vals []float64) error {
	if err := writeMessage(s.hub.conn, message{rank: s.rank, seq: s.seq, values: vals}); err != nil {
		return fmt.Errorf("all-reduce: write: %w", err)
	}
	m, err := readMessage(s.hub.r)
	if err != nil {
		return fmt.Errorf("all-reduce: read: %w", err)
	}
	if err := s.check(m, 0, len(vals)); err != nil {
		return err
	}
	copy(vals, m.values)
	return nil
}

func (s *Star) check(m message, rank, n int) error {
	if m.rank != rank || m.seq != s.seq {
		return fmt.Errorf("all-reduce: out of step message from rank %d (seq %d, want %d)", m.rank, m.seq, s.seq)
	}
	if len(m.values) != n {
		return fmt.Errorf("all-reduce: rank %d sent %d values, want %d", rank, len(m.values), n)
	}
	return nil
}

func (s *Star) conns() []net.Conn {
	if s.hub != nil {
		return []net.Conn{s.hub.conn}
	}
	out := make([]net.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		if p != nil {
			out = append(out, p.conn)
		}
	}
	return out
}

// Close tears down every connection held by this member.
func (s *Star) Close() error {
	var errs []error
	for _, c := range s.conns() {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
