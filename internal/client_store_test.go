package internal

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
)

func mustAddr(t *testing.T, s string) netadr.Address {
	t.Helper()
	a, err := netadr.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return a
}

func connect(t *testing.T, store *ClientStore, addr string, qport uint16, now int64) *Connection {
	t.Helper()
	c, err := store.AllocateSlot()
	if err != nil {
		t.Fatalf("AllocateSlot() error: %v", err)
	}
	if err := store.Connect(c, ConnectParams{Address: mustAddr(t, addr), QPort: qport, Now: now}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return c
}

func TestClientStore_Lifecycle(t *testing.T) {
	store := CreateClientStore(2)
	c := connect(t, store, "10.0.0.1:27960", 100, 10)

	if c.State != StateConnected || c.DeltaMessage != -1 || c.GamestateMessageNum != -1 {
		t.Errorf("fresh connection %+v", c)
	}
	if c.LastPacketTime != 10 || c.LastConnectTime != 10 {
		t.Errorf("times not stamped: %+v", c)
	}

	steps := []ClientState{StatePrimed, StateActive, StatePrimed, StateActive, StateZombie, StateFree}
	for _, to := range steps {
		if err := store.Transition(c, to, 50); err != nil {
			t.Fatalf("Transition(%s) error: %v", to, err)
		}
		if c.State != to {
			t.Fatalf("State = %s, want %s", c.State, to)
		}
	}
	if c.Netchan != nil || c.Slot != 0 {
		t.Errorf("freed slot not cleared: %+v", c)
	}
}

func TestClientStore_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []ClientState
		bad  ClientState
	}{
		{name: "free to active", path: nil, bad: StateActive},
		{name: "connected to active", path: []ClientState{StateConnected}, bad: StateActive},
		{name: "zombie to active", path: []ClientState{StateConnected, StateZombie}, bad: StateActive},
		{name: "free to zombie", path: nil, bad: StateZombie},
		{name: "primed to connected", path: []ClientState{StateConnected, StatePrimed}, bad: StateConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := CreateClientStore(1)
			c, _ := store.Get(0)
			for _, s := range tt.path {
				if err := store.Transition(c, s, 0); err != nil {
					t.Fatalf("Transition(%s) error: %v", s, err)
				}
			}
			before := c.State
			var illegal *IllegalTransitionError
			if err := store.Transition(c, tt.bad, 0); !errors.As(err, &illegal) {
				t.Fatalf("Transition(%s) err = %v", tt.bad, err)
			}
			if c.State != before {
				t.Errorf("illegal transition changed state to %s", c.State)
			}
		})
	}
}

func TestClientStore_SlotsAndLookup(t *testing.T) {
	store := CreateClientStore(2)
	a := connect(t, store, "10.0.0.1:27960", 100, 0)
	b := connect(t, store, "10.0.0.1:27961", 200, 0)

	var full *TooManyClientsError
	if _, err := store.AllocateSlot(); !errors.As(err, &full) {
		t.Errorf("AllocateSlot() on a full table: err %v", err)
	}
	var missing *MissingClientIdError
	if _, err := store.Get(5); !errors.As(err, &missing) {
		t.Errorf("Get(5) err = %v", err)
	}

	// NAT rebinding: same host and qport, new port.
	if got := store.FindByQPort(mustAddr(t, "10.0.0.1:40000"), 200); got != b {
		t.Errorf("FindByQPort() = %v, want slot %d", got, b.Slot)
	}
	if got := store.FindByQPort(mustAddr(t, "10.0.0.2:27960"), 100); got != nil {
		t.Errorf("FindByQPort() matched a different host")
	}
	if got := store.FindReconnecting(mustAddr(t, "10.0.0.1:27960"), 999); got != a {
		t.Errorf("FindReconnecting() by port = %v", got)
	}
	if got := store.CountFromIP(mustAddr(t, "10.0.0.1:1")); got != 2 {
		t.Errorf("CountFromIP() = %d", got)
	}
	if got := store.CountInState(StateConnected); got != 2 {
		t.Errorf("CountInState() = %d", got)
	}
}

func TestClientStore_TimeoutAndZombieLists(t *testing.T) {
	store := CreateClientStore(3)
	a := connect(t, store, "10.0.0.1:1", 1, 0)
	b := connect(t, store, "10.0.0.2:1", 1, 0)
	connect(t, store, "10.0.0.3:1", 1, 0)

	a.LastPacketTime = 100
	b.LastPacketTime = 900

	if diff := cmp.Diff([]int{0, 2}, store.GetTimeoutClientList(500)); diff != "" {
		t.Errorf("GetTimeoutClientList() diff:\n%s", diff)
	}

	store.Transition(a, StateZombie, 1000)
	if got := store.GetExpiredZombieList(1000); len(got) != 0 {
		t.Errorf("zombie expired immediately: %v", got)
	}
	if diff := cmp.Diff([]int{0}, store.GetExpiredZombieList(1001)); diff != "" {
		t.Errorf("GetExpiredZombieList() diff:\n%s", diff)
	}
	// Zombies are not timed out again.
	if diff := cmp.Diff([]int{2}, store.GetTimeoutClientList(500)); diff != "" {
		t.Errorf("GetTimeoutClientList() diff:\n%s", diff)
	}
}

func TestClientStore_ZombieReconnect(t *testing.T) {
	store := CreateClientStore(1)
	c := connect(t, store, "10.0.0.1:1", 1, 0)
	store.Transition(c, StateZombie, 10)

	if err := store.Connect(c, ConnectParams{Address: mustAddr(t, "10.0.0.1:1"), QPort: 1, Now: 20}); err != nil {
		t.Fatalf("reconnect into zombie slot: %v", err)
	}
	if c.State != StateConnected || c.LastConnectTime != 20 {
		t.Errorf("reconnected slot %+v", c)
	}
}
