// q2q - peer-to-peer connection overlay network
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package overlay

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ConnectionWaiter is the server-side expectation stashed away by an INBOUND
// handler until a direct-connect splice or a VIRTUAL command claims it.
type ConnectionWaiter struct {
	From, To     Address
	ProtocolName string
	Factory      ProtocolFactory
	IsClient     bool
}

// reservationEntry pairs a waiter with the timer that expires it.
type reservationEntry struct {
	waiter *ConnectionWaiter
	timer  *time.Timer
}

// reservationTable is the Service's inboundConnections map, run as a single
// goroutine that owns it exclusively via request channels rather than a
// mutex-guarded map: every mutation happens on the loop goroutine, whether
// triggered by a command handler's reserve/claim call or by an expiry timer
// firing.
type reservationTable struct {
	reservec   chan reservationRequest
	claimc     chan claimRequest
	expirec    chan string
	teardownc  chan chan struct{}
	terminated chan struct{}

	// lastID is a per-Service monotonic counter seeding each reservation's
	// channel id; process-local only, never persisted or shared across
	// restarts.
	lastID atomic.Uint64
}

type reservationRequest struct {
	waiter *ConnectionWaiter
	result chan string
}

type claimRequest struct {
	id     string
	result chan claimResult
}

type claimResult struct {
	waiter *ConnectionWaiter
	ok     bool
}

func newReservationTable() *reservationTable {
	t := &reservationTable{
		reservec:   make(chan reservationRequest),
		claimc:     make(chan claimRequest),
		expirec:    make(chan string),
		teardownc:  make(chan chan struct{}),
		terminated: make(chan struct{}),
	}
	go t.loop()
	return t
}

// reserve stashes waiter under a freshly minted channel id, expiring it
// after reservationTTL unless claimed first, and returns the id.
func (t *reservationTable) reserve(waiter *ConnectionWaiter) string {
	result := make(chan string, 1)
	select {
	case t.reservec <- reservationRequest{waiter: waiter, result: result}:
		return <-result
	case <-t.terminated:
		return ""
	}
}

// claim removes and returns the reservation for id, cancelling its expiry
// timer, if it is still pending. The second return is false if id is
// unknown or already expired/claimed.
func (t *reservationTable) claim(id string) (*ConnectionWaiter, bool) {
	result := make(chan claimResult, 1)
	select {
	case t.claimc <- claimRequest{id: id, result: result}:
		r := <-result
		return r.waiter, r.ok
	case <-t.terminated:
		return nil, false
	}
}

// close cancels every pending reservation and stops the table's goroutine.
func (t *reservationTable) close() {
	closer := make(chan struct{})
	select {
	case t.teardownc <- closer:
		<-closer
	case <-t.terminated:
	}
}

func (t *reservationTable) loop() {
	defer close(t.terminated)

	entries := make(map[string]*reservationEntry)

	for {
		select {
		case req := <-t.reservec:
			id := fmt.Sprintf("%s->%s:%d", req.waiter.From, req.waiter.To, t.lastID.Add(1))
			entry := &reservationEntry{waiter: req.waiter}
			entry.timer = time.AfterFunc(reservationTTL, func() {
				select {
				case t.expirec <- id:
				case <-t.terminated:
				}
			})
			entries[id] = entry
			req.result <- id

		case req := <-t.claimc:
			entry, ok := entries[req.id]
			if ok {
				delete(entries, req.id)
				entry.timer.Stop()
				req.result <- claimResult{waiter: entry.waiter, ok: true}
			} else {
				req.result <- claimResult{ok: false}
			}

		case id := <-t.expirec:
			delete(entries, id)

		case closer := <-t.teardownc:
			for id, entry := range entries {
				entry.timer.Stop()
				delete(entries, id)
			}
			close(closer)
			return
		}
	}
}
