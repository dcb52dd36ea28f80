// Package handlers publishes connection lifecycle events to listeners
// outside the server tick, such as loggers and stat collectors.
package handlers

import (
	"fmt"
	"sync"

	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
)

type LifecycleEventType uint8

const (
	EventConnected LifecycleEventType = iota
	EventEnteredWorld
	EventDisconnected
)

func (t LifecycleEventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventEnteredWorld:
		return "entered_world"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("LifecycleEventType(%d)", uint8(t))
}

type LifecycleEvent struct {
	Type      LifecycleEventType
	ClientNum int
	Address   string
	Name      string
	// Set for EventDisconnected.
	Reason string
	Time   int64
}

type LifecycleListener struct {
	Name   string
	Events <-chan LifecycleEvent
}

// Broadcaster fans events out to every listener. Publishing never blocks:
// a listener whose buffer is full misses the event.
type Broadcaster struct {
	mut_listeners sync.RWMutex
	listeners     map[string]chan LifecycleEvent
}

func CreateBroadcaster() *Broadcaster {
	return &Broadcaster{
		mut_listeners: sync.RWMutex{},
		listeners:     make(map[string]chan LifecycleEvent),
	}
}

func (b *Broadcaster) Subscribe(name string, bufferLength int) (*LifecycleListener, error) {
	b.mut_listeners.Lock()
	defer b.mut_listeners.Unlock()

	if _, alreadyHasName := b.listeners[name]; alreadyHasName {
		return nil, &errors.NameCollision{
			CollisionContext: "Broadcaster::Subscribe",
			Name:             name,
		}
	}

	if bufferLength <= 0 {
		bufferLength = 64
	}
	events := make(chan LifecycleEvent, bufferLength)
	b.listeners[name] = events

	return &LifecycleListener{Name: name, Events: events}, nil
}

// Unsubscribe closes the listener's channel.
func (b *Broadcaster) Unsubscribe(name string) {
	b.mut_listeners.Lock()
	defer b.mut_listeners.Unlock()

	if events, has := b.listeners[name]; has {
		close(events)
		delete(b.listeners, name)
	}
}

// Publish returns how many listeners missed the event.
func (b *Broadcaster) Publish(ev LifecycleEvent) int {
	b.mut_listeners.RLock()
	defer b.mut_listeners.RUnlock()

	missed := 0
	for _, events := range b.listeners {
		select {
		case events <- ev:
		default:
			missed++
		}
	}
	return missed
}
