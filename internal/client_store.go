package internal

import (
	"fmt"
	"sync"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netchan"
	"github.com/sessamekesh/spanreed-snapserver/pkg/reliable"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/transport"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
)

type ClientState uint8

const (
	StateFree ClientState = iota
	StateZombie
	StateConnected
	StatePrimed
	StateActive
)

func (s ClientState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateZombie:
		return "zombie"
	case StateConnected:
		return "connected"
	case StatePrimed:
		return "primed"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("ClientState(%d)", uint8(s))
}

var legalTransitions = map[ClientState][]ClientState{
	StateFree:      {StateConnected},
	StateConnected: {StatePrimed, StateZombie},
	StatePrimed:    {StateActive, StateZombie},
	// Active drops back to Primed when a gamestate is resent.
	StateActive: {StatePrimed, StateZombie},
	// A zombie slot is either reclaimed by its own peer reconnecting or freed.
	StateZombie: {StateFree, StateConnected},
}

type IllegalTransitionError struct {
	Slot int
	From ClientState
	To   ClientState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("Client %d cannot move from %s to %s", e.Slot, e.From, e.To)
}

type MissingClientIdError struct {
	Id int
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%d", e.Id)
}

type TooManyClientsError struct{}

func (e *TooManyClientsError) Error() string {
	return "Too many clients are connected - cannot create new client"
}

// Connection is one client slot. Everything below State is owned by the
// server tick and is only touched from it.
type Connection struct {
	Slot  int
	State ClientState

	Address netadr.Address
	Via     transport.Transport

	Name     string
	Userinfo string

	Challenge int32

	Netchan  *netchan.Channel
	Reliable *reliable.Channel
	History  snapshot.History

	LastUsercmd    usercmd.UserCmd
	LastMessageNum int32

	// Latest message number the client claims to have received, and the
	// frame to delta against (-1 for none).
	MessageAcknowledge int32
	DeltaMessage       int32

	GamestateMessageNum int32

	LastPacketTime   int64
	LastConnectTime  int64
	LastSnapshotTime int64
	ZombieSince      int64
	TimeoutCount     int

	RateDelayed  bool
	Rate         int
	SnapshotMsec int
	Ping         int

	// Configstrings changed while the client was not yet in the world.
	PendingConfigstrings map[int]struct{}

	DropReason string
}

type ConnectParams struct {
	Address   netadr.Address
	Via       transport.Transport
	QPort     uint16
	Challenge int32
	Userinfo  string
	Name      string
	Now       int64

	Reliable          reliable.ChannelParams
	MaxQueuedMessages int
}

type ClientStore struct {
	MaxConnections int

	mut_slots sync.RWMutex
	slots     []*Connection
}

func CreateClientStore(maxConnections int) *ClientStore {
	slots := make([]*Connection, maxConnections)
	for i := range slots {
		slots[i] = &Connection{Slot: i}
	}
	return &ClientStore{
		MaxConnections: maxConnections,
		mut_slots:      sync.RWMutex{},
		slots:          slots,
	}
}

func (store *ClientStore) Get(slot int) (*Connection, error) {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	if slot < 0 || slot >= len(store.slots) {
		return nil, &MissingClientIdError{Id: slot}
	}
	return store.slots[slot], nil
}

// Each visits every slot that was not Free when it was called, in slot
// order. fn runs without the store lock held, so it may transition slots.
func (store *ClientStore) Each(fn func(c *Connection)) {
	store.mut_slots.RLock()
	live := make([]*Connection, 0, len(store.slots))
	for _, c := range store.slots {
		if c.State != StateFree {
			live = append(live, c)
		}
	}
	store.mut_slots.RUnlock()

	for _, c := range live {
		if c.State != StateFree {
			fn(c)
		}
	}
}

func (store *ClientStore) CountInState(states ...ClientState) int {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	n := 0
	for _, c := range store.slots {
		for _, s := range states {
			if c.State == s {
				n++
				break
			}
		}
	}
	return n
}

// FindByQPort finds the connection a sequenced packet belongs to. The host
// part of the address and the qport must match; the port may differ when a
// NAT rebinds, and the caller is expected to adopt the new address.
func (store *ClientStore) FindByQPort(from netadr.Address, qport uint16) *Connection {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	for _, c := range store.slots {
		if c.State == StateFree || c.Netchan == nil {
			continue
		}
		if c.Address.EqualBase(from) && c.Netchan.QPort() == qport {
			return c
		}
	}
	return nil
}

// FindReconnecting finds an existing slot held by the peer sending a new
// connect: same host and either the same qport or the same port.
func (store *ClientStore) FindReconnecting(from netadr.Address, qport uint16) *Connection {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	for _, c := range store.slots {
		if c.State == StateFree || c.Netchan == nil {
			continue
		}
		if c.Address.EqualBase(from) && (c.Netchan.QPort() == qport || c.Address.Port == from.Port) {
			return c
		}
	}
	return nil
}

// CountFromIP counts connected slots sharing a host with addr.
func (store *ClientStore) CountFromIP(addr netadr.Address) int {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	n := 0
	for _, c := range store.slots {
		if c.State >= StateConnected && c.Address.EqualBase(addr) {
			n++
		}
	}
	return n
}

func (store *ClientStore) AllocateSlot() (*Connection, error) {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	for _, c := range store.slots {
		if c.State == StateFree {
			return c, nil
		}
	}
	return nil, &TooManyClientsError{}
}

// Connect resets c for a newly admitted peer and moves it to Connected.
func (store *ClientStore) Connect(c *Connection, params ConnectParams) error {
	if err := store.Transition(c, StateConnected, params.Now); err != nil {
		return err
	}

	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	*c = Connection{
		Slot:      c.Slot,
		State:     StateConnected,
		Address:   params.Address,
		Via:       params.Via,
		Name:      params.Name,
		Userinfo:  params.Userinfo,
		Challenge: params.Challenge,
		Netchan: netchan.CreateChannel(netchan.ChannelParams{
			Role:              netchan.RoleServer,
			QPort:             params.QPort,
			MaxQueuedMessages: params.MaxQueuedMessages,
		}),
		Reliable:             reliable.CreateChannel(params.Reliable),
		DeltaMessage:         -1,
		GamestateMessageNum:  -1,
		LastPacketTime:       params.Now,
		LastConnectTime:      params.Now,
		PendingConfigstrings: make(map[int]struct{}),
	}
	return nil
}

// Transition moves c to state to, refusing moves the lifecycle does not
// allow. Moving to Zombie stamps the quarantine start; moving to Free clears
// the slot.
func (store *ClientStore) Transition(c *Connection, to ClientState, now int64) error {
	store.mut_slots.Lock()
	defer store.mut_slots.Unlock()

	legal := false
	for _, s := range legalTransitions[c.State] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return &IllegalTransitionError{Slot: c.Slot, From: c.State, To: to}
	}

	switch to {
	case StateZombie:
		c.ZombieSince = now
	case StateFree:
		*c = Connection{Slot: c.Slot}
		return nil
	}
	c.State = to
	return nil
}

// GetTimeoutClientList lists live slots with no packet since deadline.
func (store *ClientStore) GetTimeoutClientList(deadline int64) []int {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	clientsToKick := []int{}
	for _, c := range store.slots {
		if c.State >= StateConnected && c.LastPacketTime < deadline {
			clientsToKick = append(clientsToKick, c.Slot)
		}
	}
	return clientsToKick
}

// GetExpiredZombieList lists zombies quarantined since before deadline.
func (store *ClientStore) GetExpiredZombieList(deadline int64) []int {
	store.mut_slots.RLock()
	defer store.mut_slots.RUnlock()

	expired := []int{}
	for _, c := range store.slots {
		if c.State == StateZombie && c.ZombieSince < deadline {
			expired = append(expired, c.Slot)
		}
	}
	return expired
}
