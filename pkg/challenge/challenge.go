// Package challenge issues and checks the nonces a client must echo back
// before it is given a connection slot. Echoing the nonce proves the client
// receives traffic at the address it claims.
package challenge

import (
	"fmt"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
)

const (
	DefaultMaxChallenges = 2048
	DefaultTimeoutMsec   = 30_000
)

type NonceSource interface {
	Nonce() int32
}

type NoChallengeError struct {
	Address netadr.Address
}

func (e *NoChallengeError) Error() string {
	return fmt.Sprintf("No or bad challenge for %s", e.Address)
}

type ExpiredError struct {
	Address netadr.Address
	Age     int64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("Challenge for %s expired %d ms after issue", e.Address, e.Age)
}

// RefusedError marks a challenge that was already used for a rejected
// connect. The client gets no further reply for it.
type RefusedError struct {
	Address netadr.Address
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("Challenge for %s was refused earlier", e.Address)
}

type Record struct {
	Address         netadr.Address
	Challenge       int32
	ClientChallenge int32
	Time            int64
	PingTime        int64
	Refused         bool
	Connected       bool

	inUse bool
}

type TableParams struct {
	Size int
	// Records one /24 or /64 subnet may hold. Zero means half the table.
	PerSubnet   int
	TimeoutMsec int64
	Nonces      NonceSource
}

type Table struct {
	records   []Record
	perSubnet int
	timeout   int64
	nonces    NonceSource
}

func CreateTable(params TableParams) *Table {
	size := DefaultMaxChallenges
	if params.Size > 0 {
		size = params.Size
	}
	perSubnet := size / 2
	if params.PerSubnet > 0 {
		perSubnet = params.PerSubnet
	}
	timeout := int64(DefaultTimeoutMsec)
	if params.TimeoutMsec > 0 {
		timeout = params.TimeoutMsec
	}
	return &Table{
		records:   make([]Record, size),
		perSubnet: perSubnet,
		timeout:   timeout,
		nonces:    params.Nonces,
	}
}

func (t *Table) Len() int {
	n := 0
	for i := range t.records {
		if t.records[i].inUse {
			n++
		}
	}
	return n
}

// Issue returns a fresh challenge for addr. A pending record for the same
// address is reused; otherwise a free slot is taken, or the oldest record of
// the same subnet once that subnet is at quota, or the oldest record overall.
func (t *Table) Issue(addr netadr.Address, clientChallenge int32, now int64) Record {
	subnet := addr.Subnet()
	slot := -1
	free := -1
	oldest, oldestSubnet := -1, -1
	subnetCount := 0

	for i := range t.records {
		r := &t.records[i]
		if !r.inUse {
			if free < 0 {
				free = i
			}
			continue
		}
		if !r.Connected && r.Address.Equal(addr) {
			slot = i
			break
		}
		if r.Address.Subnet() == subnet {
			subnetCount++
			if oldestSubnet < 0 || r.Time < t.records[oldestSubnet].Time {
				oldestSubnet = i
			}
		}
		if oldest < 0 || r.Time < t.records[oldest].Time {
			oldest = i
		}
	}

	if slot < 0 {
		switch {
		case subnetCount >= t.perSubnet && oldestSubnet >= 0:
			slot = oldestSubnet
		case free >= 0:
			slot = free
		default:
			slot = oldest
		}
	}

	t.records[slot] = Record{
		Address:         addr,
		Challenge:       t.nonces.Nonce(),
		ClientChallenge: clientChallenge,
		Time:            now,
		PingTime:        now,
		inUse:           true,
	}
	return t.records[slot]
}

// Validate finds the record matching addr and challenge. The returned index
// is the handle for MarkConnected and Refuse.
func (t *Table) Validate(addr netadr.Address, challenge int32, now int64) (int, *Record, error) {
	if challenge == 0 {
		return -1, nil, &NoChallengeError{Address: addr}
	}
	for i := range t.records {
		r := &t.records[i]
		if !r.inUse || r.Challenge != challenge || !r.Address.Equal(addr) {
			continue
		}
		if r.Refused {
			return i, r, &RefusedError{Address: addr}
		}
		if age := now - r.Time; age > t.timeout || age < 0 {
			return i, r, &ExpiredError{Address: addr, Age: age}
		}
		return i, r, nil
	}
	return -1, nil, &NoChallengeError{Address: addr}
}

func (t *Table) MarkConnected(handle int) {
	if handle >= 0 && handle < len(t.records) {
		t.records[handle].Connected = true
	}
}

func (t *Table) Refuse(handle int) {
	if handle >= 0 && handle < len(t.records) {
		t.records[handle].Refused = true
	}
}

// Forget frees every record for addr, so its next connect needs a fresh
// challenge.
func (t *Table) Forget(addr netadr.Address) {
	for i := range t.records {
		if t.records[i].inUse && t.records[i].Address.Equal(addr) {
			t.records[i] = Record{}
		}
	}
}

// Sweep frees records older than the timeout and returns how many it freed.
func (t *Table) Sweep(now int64) int {
	freed := 0
	for i := range t.records {
		if t.records[i].inUse && now-t.records[i].Time > t.timeout {
			t.records[i] = Record{}
			freed++
		}
	}
	return freed
}
