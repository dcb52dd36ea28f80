// Package snapshot builds and decodes the per client world state messages.
// Entity and player states are delta coded field by field against a base the
// client is known to hold, falling back to per entity baselines.
package snapshot

const (
	GEntityNumBits = 10
	MaxGEntities   = 1 << GEntityNumBits

	// EntityNumNone terminates an entity list on the wire and can never be a
	// transmitted entity number.
	EntityNumNone  = MaxGEntities - 1
	EntityNumWorld = MaxGEntities - 2

	MaxSnapshotEntities = 256
	PacketBackup        = 32

	MaxStats      = 16
	MaxPersistant = 16
	MaxPowerups   = 16
	MaxWeapons    = 16

	MaxMapAreaBytes = 32

	// FieldTableVersion identifies the field layout and quantization below.
	// Any change to a table bumps it and the protocol version with it.
	FieldTableVersion = 1
)

type TrajectoryType int32

const (
	TrStationary TrajectoryType = iota
	TrInterpolate
	TrLinear
	TrLinearStop
	TrSine
	TrGravity
)

type Trajectory struct {
	Type     TrajectoryType
	Time     int32
	Duration int32
	Base     [3]float32
	Delta    [3]float32
}

// EntityState is the networked part of one game entity.
type EntityState struct {
	Number int32
	EType  int32
	EFlags int32

	Pos  Trajectory
	APos Trajectory

	Time  int32
	Time2 int32

	Origin  [3]float32
	Origin2 [3]float32
	Angles  [3]float32
	Angles2 [3]float32

	OtherEntityNum  int32
	OtherEntityNum2 int32
	GroundEntityNum int32

	ConstantLight int32
	LoopSound     int32
	ModelIndex    int32
	ModelIndex2   int32
	ClientNum     int32
	Frame         int32
	Solid         int32
	Event         int32
	EventParm     int32
	Powerups      int32
	Weapon        int32
	LegsAnim      int32
	TorsoAnim     int32
	Generic1      int32
}

// PlayerState is the state of the entity a client views the world from. It
// is only sent to its owner.
type PlayerState struct {
	CommandTime int32
	PMType      int32
	BobCycle    int32
	PMFlags     int32
	PMTime      int32

	Origin   [3]float32
	Velocity [3]float32

	WeaponTime      int32
	Gravity         int32
	Speed           int32
	DeltaAngles     [3]int32
	GroundEntityNum int32

	LegsTimer   int32
	LegsAnim    int32
	TorsoTimer  int32
	TorsoAnim   int32
	MovementDir int32

	GrapplePoint [3]float32

	EFlags            int32
	EventSequence     int32
	Events            [2]int32
	EventParms        [2]int32
	ExternalEvent     int32
	ExternalEventParm int32

	ClientNum   int32
	Weapon      int32
	WeaponState int32

	ViewAngles [3]float32
	ViewHeight int32

	DamageEvent int32
	DamageYaw   int32
	DamagePitch int32
	DamageCount int32

	Stats      [MaxStats]int32
	Persistant [MaxPersistant]int32
	Powerups   [MaxPowerups]int32
	Ammo       [MaxWeapons]int32

	Generic1   int32
	LoopSound  int32
	JumppadEnt int32
}

// QuantizeEntity snaps every field to the precision it is transmitted with,
// so a state compares equal to the copy a client decodes. States must pass
// through here before they are stored in a frame or baseline.
func QuantizeEntity(s EntityState) EntityState {
	for i := range entityFields {
		entityFields[i].quantize(&s)
	}
	return s
}

func QuantizePlayer(ps PlayerState) PlayerState {
	for i := range playerFields {
		playerFields[i].quantize(&ps)
	}
	for i := range ps.Stats {
		ps.Stats[i] = int32(int16(ps.Stats[i]))
		ps.Persistant[i] = int32(int16(ps.Persistant[i]))
	}
	for i := range ps.Ammo {
		ps.Ammo[i] = int32(int16(ps.Ammo[i]))
	}
	return ps
}
