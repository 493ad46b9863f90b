// Package mctp abstracts the transport used to exchange PLDM Type 5
// messages with firmware devices over MCTP. It intentionally does not
// implement a real MCTP socket (out of scope) -- only the interface the
// rest of the agent programs against, plus an in-memory loopback
// implementation for tests and demo mode.
package mctp

import (
	"context"
	"fmt"
	"sync"
)

// EID is an 8-bit MCTP endpoint id.
type EID uint8

// RequestHandler processes a device-initiated (inbound) PLDM request and
// returns the response payload to send back.
type RequestHandler func(ctx context.Context, eid EID, command uint8, payload []byte) ([]byte, error)

// Transport sends outbound PLDM requests to endpoints and delivers
// inbound device-initiated requests to a registered handler.
type Transport interface {
	// SendRequest sends command/payload to eid and returns the response
	// payload. It blocks until a response arrives or ctx is done.
	SendRequest(ctx context.Context, eid EID, command uint8, payload []byte) ([]byte, error)

	// RegisterRequestHandler installs the handler invoked for every
	// inbound device-initiated request. Only one handler is active at a
	// time; registering again replaces it.
	RegisterRequestHandler(h RequestHandler)
}

// instancePool hands out small integers per endpoint, matching spec §9's
// "per-endpoint small-integer pool with an RAII guard". Instance ids are
// not reused until released.
type instancePool struct {
	mu   sync.Mutex
	used map[EID]map[uint8]bool
}

func newInstancePool() *instancePool {
	return &instancePool{used: make(map[EID]map[uint8]bool)}
}

// Lease is a held transport instance id. Release must be called exactly
// once, typically via defer immediately after a successful Lease.
type Lease struct {
	pool *instancePool
	eid  EID
	id   uint8
	once sync.Once
}

// ID returns the leased instance id.
func (l *Lease) ID() uint8 { return l.id }

// Release returns the instance id to the pool. Safe to call more than
// once; only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		defer l.pool.mu.Unlock()
		delete(l.pool.used[l.eid], l.id)
	})
}

// Lease acquires the lowest free instance id (0-31, per PLDM's 5-bit
// instance id field) for eid.
func (p *instancePool) Lease(eid EID) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.used[eid]
	if !ok {
		m = make(map[uint8]bool)
		p.used[eid] = m
	}
	for id := uint8(0); id < 32; id++ {
		if !m[id] {
			m[id] = true
			return &Lease{pool: p, eid: eid, id: id}, nil
		}
	}
	return nil, fmt.Errorf("mctp: no free instance id for eid %d", eid)
}

// Loopback is an in-memory Transport for tests and demo mode: outbound
// requests are delivered straight to a registered peer handler, and
// inbound requests can be injected via Inject.
type Loopback struct {
	pool *instancePool

	mu      sync.Mutex
	handler RequestHandler
	peer    RequestHandler // simulates the device side, optional
}

func NewLoopback() *Loopback {
	return &Loopback{pool: newInstancePool()}
}

// SetPeer installs the function that simulates a firmware device's
// response to an outbound command, for tests.
func (l *Loopback) SetPeer(fn RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peer = fn
}

func (l *Loopback) SendRequest(ctx context.Context, eid EID, command uint8, payload []byte) ([]byte, error) {
	lease, err := l.pool.Lease(eid)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return nil, fmt.Errorf("mctp: loopback has no peer registered for eid %d", eid)
	}
	return peer(ctx, eid, command, payload)
}

func (l *Loopback) RegisterRequestHandler(h RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Inject delivers a device-initiated request to the registered handler,
// simulating an inbound RequestFirmwareData/TransferComplete/etc.
func (l *Loopback) Inject(ctx context.Context, eid EID, command uint8, payload []byte) ([]byte, error) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("mctp: loopback has no request handler registered")
	}
	return h(ctx, eid, command, payload)
}
