// Package game defines what the server needs from the simulation around it,
// plus a small sandbox world and visibility filters to run against.
package game

import (
	"time"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
)

// Game is the authoritative simulation. The server calls it only from its
// tick.
type Game interface {
	// ClientConnect returns a non-empty reason to refuse the client.
	ClientConnect(clientNum int, userinfo string, firstTime bool) string
	ClientUserinfoChanged(clientNum int, userinfo string)
	ClientBegin(clientNum int)
	ClientCommand(clientNum int, text string)
	ClientThink(clientNum int, cmd usercmd.UserCmd)
	ClientDisconnect(clientNum int)

	RunFrame(serverTime int32)

	// Entities lists every entity that exists this frame.
	Entities() []snapshot.EntityState
	PlayerState(clientNum int) snapshot.PlayerState
}

// Visibility decides which entities a client is sent. The returned slice
// need not be sorted. areaBits may be nil.
type Visibility interface {
	Visible(clientNum int, viewer *snapshot.PlayerState, ents []snapshot.EntityState) (visible []snapshot.EntityState, areaBits []byte)
}

// Operator executes remote console commands.
type Operator interface {
	Execute(from netadr.Address, command string) string
}

// Admin is the part of the server an operator can act on.
type Admin interface {
	Status() string
	Kick(clientNum int, reason string) error
	Ban(address string, d time.Duration) error
	Broadcast(text string)
}
