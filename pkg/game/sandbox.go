package game

import (
	"math"
	"sort"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
	"go.uber.org/zap"
)

const (
	ETypePlayer = 1
	ETypeMover  = 4

	// Sandbox movers are numbered after the client slots.
	FirstMoverNumber = 64

	playerSpeed = 320
)

type SandboxParams struct {
	Movers int
	// Movers reverse direction every BounceMsec. Zero keeps them on one
	// straight line forever, so their networked state never changes.
	BounceMsec int32
	// When set, clients must send it as the "password" userinfo key.
	Password string

	Logger *zap.Logger
}

type sandboxPlayer struct {
	name     string
	inWorld  bool
	ps       snapshot.PlayerState
	commands []string
}

// Sandbox is a minimal world: players fly around driven by their usercmds,
// and movers travel back and forth on linear trajectories.
type Sandbox struct {
	params SandboxParams
	log    *zap.Logger

	time    int32
	players map[int]*sandboxPlayer
	movers  []snapshot.EntityState
}

func CreateSandbox(params SandboxParams) *Sandbox {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &Sandbox{
		params:  params,
		log:     logger.With(zap.String("component", "sandbox")),
		players: make(map[int]*sandboxPlayer),
	}
	for i := 0; i < params.Movers; i++ {
		s.movers = append(s.movers, snapshot.EntityState{
			Number:     int32(FirstMoverNumber + i),
			EType:      ETypeMover,
			ModelIndex: int32(1 + i%8),
			Pos: snapshot.Trajectory{
				Type:  snapshot.TrLinear,
				Base:  [3]float32{float32(128 * i), 0, 0},
				Delta: [3]float32{0, 64, 0},
			},
		})
	}
	return s
}

func (s *Sandbox) ClientConnect(clientNum int, userinfo string, firstTime bool) string {
	if s.params.Password != "" && infostring.ValueForKey(userinfo, "password") != s.params.Password {
		return "Invalid password"
	}
	p := &sandboxPlayer{name: infostring.ValueForKey(userinfo, "name")}
	p.ps.ClientNum = int32(clientNum)
	p.ps.Origin = [3]float32{0, 0, 64}
	s.players[clientNum] = p
	s.log.Debug("Client connected", zap.Int("clientNum", clientNum), zap.Bool("firstTime", firstTime))
	return ""
}

func (s *Sandbox) ClientUserinfoChanged(clientNum int, userinfo string) {
	if p, has := s.players[clientNum]; has {
		p.name = infostring.ValueForKey(userinfo, "name")
	}
}

func (s *Sandbox) ClientBegin(clientNum int) {
	if p, has := s.players[clientNum]; has {
		p.inWorld = true
	}
}

func (s *Sandbox) ClientCommand(clientNum int, text string) {
	p, has := s.players[clientNum]
	if !has {
		return
	}
	p.commands = append(p.commands, text)
	if strings.HasPrefix(text, "kill") {
		p.ps.Origin = [3]float32{0, 0, 64}
		p.ps.Velocity = [3]float32{}
	}
}

// Commands returns the game commands a client has sent, oldest first.
func (s *Sandbox) Commands(clientNum int) []string {
	if p, has := s.players[clientNum]; has {
		return append([]string(nil), p.commands...)
	}
	return nil
}

func (s *Sandbox) ClientThink(clientNum int, cmd usercmd.UserCmd) {
	p, has := s.players[clientNum]
	if !has {
		return
	}

	dt := float32(0)
	if p.ps.CommandTime > 0 && cmd.ServerTime > p.ps.CommandTime {
		dt = float32(cmd.ServerTime-p.ps.CommandTime) / 1000
	}
	p.ps.CommandTime = cmd.ServerTime

	for i := 0; i < 3; i++ {
		p.ps.ViewAngles[i] = snapshot.ShortToAngle(uint16(cmd.Angles[i]))
	}
	yaw := float64(p.ps.ViewAngles[1]) * math.Pi / 180
	forward := float32(cmd.ForwardMove) / 127
	right := float32(cmd.RightMove) / 127
	p.ps.Velocity = [3]float32{
		playerSpeed * (forward*float32(math.Cos(yaw)) + right*float32(math.Sin(yaw))),
		playerSpeed * (forward*float32(math.Sin(yaw)) - right*float32(math.Cos(yaw))),
		playerSpeed * float32(cmd.UpMove) / 127,
	}
	for i := 0; i < 3; i++ {
		p.ps.Origin[i] += p.ps.Velocity[i] * dt
	}
	p.ps.Weapon = int32(cmd.Weapon)
}

func (s *Sandbox) ClientDisconnect(clientNum int) {
	delete(s.players, clientNum)
}

func (s *Sandbox) RunFrame(serverTime int32) {
	s.time = serverTime
	if s.params.BounceMsec <= 0 {
		return
	}
	for i := range s.movers {
		m := &s.movers[i]
		if serverTime-m.Pos.Time < s.params.BounceMsec {
			continue
		}
		elapsed := float32(serverTime-m.Pos.Time) / 1000
		for k := 0; k < 3; k++ {
			m.Pos.Base[k] = float32(math.Round(float64(m.Pos.Base[k] + m.Pos.Delta[k]*elapsed)))
			m.Pos.Delta[k] = -m.Pos.Delta[k]
		}
		m.Pos.Time = serverTime
	}
}

func (s *Sandbox) Entities() []snapshot.EntityState {
	ents := make([]snapshot.EntityState, 0, len(s.players)+len(s.movers))
	for clientNum, p := range s.players {
		if !p.inWorld {
			continue
		}
		ents = append(ents, snapshot.EntityState{
			Number:    int32(clientNum),
			EType:     ETypePlayer,
			ClientNum: int32(clientNum),
			Weapon:    p.ps.Weapon,
			Pos: snapshot.Trajectory{
				Type: snapshot.TrInterpolate,
				Base: p.ps.Origin,
			},
			APos: snapshot.Trajectory{
				Type: snapshot.TrInterpolate,
				Base: p.ps.ViewAngles,
			},
		})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Number < ents[j].Number })
	return append(ents, s.movers...)
}

func (s *Sandbox) PlayerState(clientNum int) snapshot.PlayerState {
	if p, has := s.players[clientNum]; has {
		return p.ps
	}
	return snapshot.PlayerState{ClientNum: int32(clientNum)}
}
