package server

import (
	"github.com/sessamekesh/spanreed-snapserver/pkg/game"
	"github.com/sessamekesh/spanreed-snapserver/pkg/metrics"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"go.uber.org/zap"
)

const (
	DefaultFPS               = 20
	DefaultTimeoutMsec       = 40_000
	DefaultZombieMsec        = 2_000
	DefaultReconnectMsec     = 3_000
	DefaultClientsPerIP      = 3
	DefaultMinRate           = 1000
	DefaultMaxRate           = 90000
	DefaultRate              = 25000
	DefaultSnaps             = 20
	DefaultFragmentBurst     = 2
	DefaultPacketsPerFrame   = 1024
	DefaultIncomingQueue     = 4096
	DefaultFloodCommandsRate = 4
	DefaultFloodBurst        = 8
	DefaultFloodDropAfter    = 64

	// Consecutive frames past the deadline before a silent client is dropped.
	timeoutFrames = 5
)

type Config struct {
	Hostname        string
	ProtocolVersion int

	MaxClients int
	FPS        int

	TimeoutMsec        int64
	ZombieMsec         int64
	ReconnectLimitMsec int64
	ClientsPerIP       int
	AllowReconnect     bool

	MinRate     int
	MaxRate     int
	DefaultRate int

	// Client command flood limiting. A negative CommandsPerSecond disables
	// it; FloodProtect applies it only to clients in the world.
	FloodProtect           bool
	FloodCommandsPerSecond float64
	FloodBurst             int
	FloodDropThreshold     int

	ChallengeTimeoutMsec int64
	MaxChallenges        int

	FragmentBurst      int
	MaxQueuedMessages  int
	MaxPacketsPerFrame int
	IncomingQueueLen   int

	SnapshotPoolEntities int

	RconPassword string

	Game       game.Game
	Visibility game.Visibility
	// Nil uses a console attached to this server.
	Operator game.Operator

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		c.Hostname = "snapserver"
	}
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = protocol.DefaultVersion
	}
	if c.MaxClients <= 0 || c.MaxClients > protocol.MaxClients {
		c.MaxClients = protocol.MaxClients
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.TimeoutMsec <= 0 {
		c.TimeoutMsec = DefaultTimeoutMsec
	}
	if c.ZombieMsec <= 0 {
		c.ZombieMsec = DefaultZombieMsec
	}
	if c.ReconnectLimitMsec <= 0 {
		c.ReconnectLimitMsec = DefaultReconnectMsec
	}
	if c.ClientsPerIP <= 0 {
		c.ClientsPerIP = DefaultClientsPerIP
	}
	if c.MinRate <= 0 {
		c.MinRate = DefaultMinRate
	}
	if c.MaxRate <= 0 {
		c.MaxRate = DefaultMaxRate
	}
	if c.MaxRate < c.MinRate {
		c.MaxRate = c.MinRate
	}
	if c.DefaultRate <= 0 {
		c.DefaultRate = DefaultRate
	}
	if c.FloodCommandsPerSecond == 0 {
		c.FloodCommandsPerSecond = DefaultFloodCommandsRate
	}
	if c.FloodBurst <= 0 {
		c.FloodBurst = DefaultFloodBurst
	}
	if c.FloodDropThreshold <= 0 {
		c.FloodDropThreshold = DefaultFloodDropAfter
	}
	if c.FragmentBurst <= 0 {
		c.FragmentBurst = DefaultFragmentBurst
	}
	if c.MaxPacketsPerFrame <= 0 {
		c.MaxPacketsPerFrame = DefaultPacketsPerFrame
	}
	if c.IncomingQueueLen <= 0 {
		c.IncomingQueueLen = DefaultIncomingQueue
	}
	if c.SnapshotPoolEntities <= 0 {
		c.SnapshotPoolEntities = c.MaxClients * snapshot.PacketBackup * 64
	}
	if c.Visibility == nil {
		c.Visibility = game.AllVisible{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.Logger == nil {
		c.Logger = zap.Must(zap.NewDevelopment())
	}
	return c
}
