package snapshot

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
)

func randomFloat(rng *rand.Rand) float32 {
	switch rng.Intn(5) {
	case 0:
		return 0
	case 1:
		return float32(rng.Intn(8192) - 4096)
	case 2:
		return rng.Float32()*20000 - 10000
	case 3:
		return float32(rng.Intn(100000) - 50000)
	default:
		return float32(math.Copysign(0, -1))
	}
}

func randomize[T any](rng *rand.Rand, s *T, fields []field[T], changeOdds int) {
	for i := range fields {
		if rng.Intn(changeOdds) != 0 {
			continue
		}
		fd := &fields[i]
		if fd.kind == kindInt {
			*fd.i(s) = int32(rng.Uint32())
		} else {
			*fd.f(s) = randomFloat(rng)
		}
	}
}

func randomEntity(rng *rand.Rand, number int32, base EntityState, changeOdds int) EntityState {
	s := base
	s.Number = number
	randomize(rng, &s, entityFields, changeOdds)
	return QuantizeEntity(s)
}

func randomPlayer(rng *rand.Rand, base PlayerState, changeOdds int) PlayerState {
	ps := base
	randomize(rng, &ps, playerFields, changeOdds)
	for i := 0; i < MaxStats; i++ {
		if rng.Intn(changeOdds) == 0 {
			ps.Stats[i] = int32(rng.Intn(1 << 16))
			ps.Persistant[i] = int32(rng.Intn(1<<16) - (1 << 15))
			ps.Ammo[i] = int32(rng.Intn(400))
			ps.Powerups[i] = int32(rng.Uint32())
		}
	}
	return QuantizePlayer(ps)
}

func TestEntityDelta_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 500; iter++ {
		from := randomEntity(rng, 7, EntityState{}, 2)
		to := randomEntity(rng, 7, from, 1+iter%6)

		w := bitmsg.NewWriter(0)
		if err := WriteDeltaEntity(w, &from, &to, true); err != nil {
			t.Fatalf("WriteDeltaEntity() error: %v", err)
		}

		r := bitmsg.NewReader("entity", w.Bytes())
		if n := int32(r.ReadBits(GEntityNumBits)); n != 7 {
			t.Fatalf("entity number = %d", n)
		}
		got, removed := ReadDeltaEntity(r, &from, 7)
		if r.Err() != nil || removed {
			t.Fatalf("ReadDeltaEntity() err %v removed %v", r.Err(), removed)
		}
		if diff := cmp.Diff(to, got); diff != "" {
			t.Fatalf("iteration %d round trip diff:\n%s", iter, diff)
		}
	}
}

func TestEntityDelta_Unchanged(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := randomEntity(rng, 12, EntityState{}, 1)

	w := bitmsg.NewWriter(0)
	WriteDeltaEntity(w, &s, &s, false)
	if w.BitsWritten() != 0 {
		t.Errorf("unchanged entity wrote %d bits", w.BitsWritten())
	}

	WriteDeltaEntity(w, &s, &s, true)
	if w.BitsWritten() != GEntityNumBits+2 {
		t.Errorf("forced unchanged entity wrote %d bits, want %d", w.BitsWritten(), GEntityNumBits+2)
	}
}

func TestEntityDelta_Removal(t *testing.T) {
	s := EntityState{Number: 40, EType: 3}
	w := bitmsg.NewWriter(0)
	WriteDeltaEntity(w, &s, nil, true)

	r := bitmsg.NewReader("removal", w.Bytes())
	num := int32(r.ReadBits(GEntityNumBits))
	_, removed := ReadDeltaEntity(r, &s, num)
	if num != 40 || !removed {
		t.Errorf("removal decoded as number %d removed %v", num, removed)
	}
}

func TestEntityDelta_RejectsReservedNumbers(t *testing.T) {
	for _, n := range []int32{-1, EntityNumNone, MaxGEntities} {
		s := EntityState{Number: n}
		if err := WriteDeltaEntity(bitmsg.NewWriter(0), nil, &s, true); err == nil {
			t.Errorf("entity number %d accepted", n)
		}
	}
}

func TestPlayerDelta_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var prev PlayerState
	for iter := 0; iter < 300; iter++ {
		next := randomPlayer(rng, prev, 1+iter%5)

		w := bitmsg.NewWriter(0)
		from := &prev
		if iter%7 == 0 {
			from = nil
		}
		WriteDeltaPlayerState(w, from, &next)

		r := bitmsg.NewReader("player", w.Bytes())
		got := ReadDeltaPlayerState(r, from)
		if r.Err() != nil {
			t.Fatalf("ReadDeltaPlayerState() error: %v", r.Err())
		}
		if diff := cmp.Diff(next, got); diff != "" {
			t.Fatalf("iteration %d round trip diff:\n%s", iter, diff)
		}
		prev = next
	}
}

func TestPlayerDelta_UnchangedIsSmall(t *testing.T) {
	ps := QuantizePlayer(PlayerState{CommandTime: 100, Origin: [3]float32{1, 2, 3}, Stats: [MaxStats]int32{100}})
	w := bitmsg.NewWriter(0)
	WriteDeltaPlayerState(w, &ps, &ps)
	if w.BitsWritten() != 8+1 {
		t.Errorf("unchanged player state wrote %d bits, want 9", w.BitsWritten())
	}
}

func TestQuantization(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		bits int
	}{
		{name: "small integer", in: 100, bits: 1 + floatIntBits},
		{name: "lowest biased integer", in: -4096, bits: 1 + floatIntBits},
		{name: "first unbiased integer", in: 4096, bits: 1 + 32},
		{name: "fraction", in: 1.5, bits: 1 + 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := bitmsg.NewWriter(0)
			writeFloat(w, tt.in)
			if w.BitsWritten() != tt.bits {
				t.Errorf("wrote %d bits, want %d", w.BitsWritten(), tt.bits)
			}
			if got := readFloat(bitmsg.NewReader("float", w.Bytes())); got != tt.in {
				t.Errorf("readFloat() = %v, want %v", got, tt.in)
			}
		})
	}

	s := QuantizeEntity(EntityState{
		Angles: [3]float32{-90, 45.3, 360},
		Origin: [3]float32{float32(math.NaN()), float32(math.Copysign(0, -1)), 5},
		EFlags: -1,
		Frame:  70000,
		Solid:  0x1FFFFFF,
		Event:  1025,
	})
	if s.Angles[0] != 270 || s.Angles[2] != 0 {
		t.Errorf("angles snapped to %v", s.Angles)
	}
	if ShortToAngle(AngleToShort(s.Angles[1])) != s.Angles[1] {
		t.Errorf("snapped angle is not stable")
	}
	if math.Signbit(float64(s.Origin[1])) || s.Origin[0] != 0 {
		t.Errorf("origin not normalized: %v", s.Origin)
	}
	if s.EFlags != (1<<19)-1 || s.Frame != 70000&0xFFFF || s.Solid != 0xFFFFFF || s.Event != 1 {
		t.Errorf("integer fields not masked: %+v", s)
	}

	ps := QuantizePlayer(PlayerState{ViewHeight: 200, WeaponTime: -5, Stats: [MaxStats]int32{70000}})
	if ps.ViewHeight != -56 || ps.WeaponTime != -5 || ps.Stats[0] != int32(int16(70000&0xFFFF)) {
		t.Errorf("player fields not wrapped: height %d weaponTime %d stat %d", ps.ViewHeight, ps.WeaponTime, ps.Stats[0])
	}
}

func entityList(rng *rand.Rand, numbers ...int32) []EntityState {
	out := make([]EntityState, len(numbers))
	for i, n := range numbers {
		out[i] = randomEntity(rng, n, EntityState{}, 2)
	}
	return out
}

func TestEntities_MergeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	baselines := NewBaselines()
	baselines.Set(randomEntity(rng, 2, EntityState{}, 1))

	from := entityList(rng, 1, 3, 5, 9)
	to := []EntityState{
		from[0],
		randomEntity(rng, 2, baselines.Get(2), 3),
		randomEntity(rng, 5, from[2], 3),
		randomEntity(rng, 12, EntityState{}, 2),
	}

	w := bitmsg.NewWriter(0)
	if err := WriteEntities(w, from, to, baselines); err != nil {
		t.Fatalf("WriteEntities() error: %v", err)
	}
	r := bitmsg.NewReader("entities", w.Bytes())
	got := ReadEntities(r, from, baselines)
	if r.Err() != nil {
		t.Fatalf("ReadEntities() error: %v", r.Err())
	}
	if diff := cmp.Diff(to, got); diff != "" {
		t.Errorf("ReadEntities() diff:\n%s", diff)
	}

	// Full encode against baselines only.
	w = bitmsg.NewWriter(0)
	WriteEntities(w, nil, to, baselines)
	got = ReadEntities(bitmsg.NewReader("full", w.Bytes()), nil, baselines)
	if diff := cmp.Diff(to, got); diff != "" {
		t.Errorf("full ReadEntities() diff:\n%s", diff)
	}
}

func TestEntities_StaticWorldCostsOnlyTerminator(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ents := entityList(rng, 0, 4, 8, 100, 1000)
	w := bitmsg.NewWriter(0)
	WriteEntities(w, ents, ents, nil)
	if w.BitsWritten() != GEntityNumBits {
		t.Errorf("static entity list wrote %d bits, want %d", w.BitsWritten(), GEntityNumBits)
	}
}

func TestEntities_OrderChecked(t *testing.T) {
	ents := []EntityState{{Number: 5}, {Number: 5}}
	err := WriteEntities(bitmsg.NewWriter(0), nil, ents, nil)
	var orderErr *EntityOrderError
	if !errors.As(err, &orderErr) {
		t.Errorf("WriteEntities() err = %v, want EntityOrderError", err)
	}

	sorted := SortEntities([]EntityState{{Number: 9}, {Number: 2}, {Number: 9, EType: 1}, {Number: 4}})
	want := []EntityState{{Number: 2}, {Number: 4}, {Number: 9}}
	if diff := cmp.Diff(want, sorted); diff != "" {
		t.Errorf("SortEntities() diff:\n%s", diff)
	}
}

func TestEntityPool(t *testing.T) {
	pool := NewEntityPool(8)
	a := pool.Append([]EntityState{{Number: 1}, {Number: 2}, {Number: 3}})
	b := pool.Append([]EntityState{{Number: 4}, {Number: 5}, {Number: 6}, {Number: 7}})

	if diff := cmp.Diff([]EntityState{{Number: 1}, {Number: 2}, {Number: 3}}, pool.Entities(a, 3)); diff != "" {
		t.Errorf("Entities(a) diff:\n%s", diff)
	}

	c := pool.Append([]EntityState{{Number: 8}, {Number: 9}})
	if pool.Contains(a, 3) {
		t.Errorf("run a should be overwritten after wrap")
	}
	if !pool.Contains(b, 4) || !pool.Contains(c, 2) {
		t.Errorf("runs b and c should be resident")
	}
	if diff := cmp.Diff([]EntityState{{Number: 8}, {Number: 9}}, pool.Entities(c, 2)); diff != "" {
		t.Errorf("Entities(c) diff:\n%s", diff)
	}
	if pool.Entities(a, 3) != nil {
		t.Errorf("Entities() of an evicted run should be nil")
	}
}

func TestSelectBase(t *testing.T) {
	pool := NewEntityPool(4)
	h := &History{}
	first := pool.Append([]EntityState{{Number: 1}})
	h.Record(Frame{MessageNum: 10, FirstEntity: first, NumEntities: 1, AckTime: -1})

	tests := []struct {
		name     string
		delta    int32
		outgoing int32
		setup    func()
		want     BaseResult
	}{
		{name: "no acknowledgement", delta: 0, outgoing: 11, want: BaseNoAck},
		{name: "acknowledged message not sent yet", delta: 11, outgoing: 11, want: BaseNoAck},
		{name: "valid", delta: 10, outgoing: 11, want: BaseOK},
		{name: "too old", delta: 10, outgoing: 10 + MaxDeltaDistance(PacketBackup), want: BaseTooOld},
		{name: "slot overwritten", delta: 10, outgoing: 12, setup: func() {
			h.Record(Frame{MessageNum: 10 + PacketBackup, AckTime: -1})
		}, want: BaseOverwritten},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			f, got := SelectBase(h, pool, tt.delta, tt.outgoing, PacketBackup)
			if got != tt.want {
				t.Errorf("SelectBase() = %s, want %s", got, tt.want)
			}
			if (f != nil) != (got == BaseOK) {
				t.Errorf("SelectBase() frame %v with result %s", f, got)
			}
		})
	}

	h.Reset()
	first = pool.Append([]EntityState{{Number: 1}, {Number: 2}})
	h.Record(Frame{MessageNum: 20, FirstEntity: first, NumEntities: 2, AckTime: -1})
	pool.Append([]EntityState{{Number: 3}, {Number: 4}, {Number: 5}})
	if _, got := SelectBase(h, pool, 20, 21, PacketBackup); got != BaseEntitiesEvicted {
		t.Errorf("SelectBase() = %s, want entities_evicted", got)
	}
}

func TestDeltaWindow(t *testing.T) {
	if MaxDeltaDistance(32) != 29 {
		t.Errorf("MaxDeltaDistance(32) = %d", MaxDeltaDistance(32))
	}
	if got := DeltaWindow(32, 50); got.Milliseconds() != 29*50 {
		t.Errorf("DeltaWindow(32, 50) = %v", got)
	}
}

func TestHistory_Ping(t *testing.T) {
	h := &History{}
	h.Record(Frame{MessageNum: 1, SentTime: 100, AckTime: -1})
	h.Record(Frame{MessageNum: 2, SentTime: 150, AckTime: -1})
	h.Record(Frame{MessageNum: 3, SentTime: 200, AckTime: -1})

	if _, ok := h.AveragePing(); ok {
		t.Errorf("no frame acknowledged yet")
	}
	h.MarkAcknowledged(1, 140)
	h.MarkAcknowledged(2, 210)
	h.MarkAcknowledged(2, 400)
	ping, ok := h.AveragePing()
	if !ok || ping != 50 {
		t.Errorf("AveragePing() = %d, %v; want 50", ping, ok)
	}
}

func TestSnapshotMessage_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	baselines := NewBaselines()
	ps1 := randomPlayer(rng, PlayerState{}, 2)
	ents1 := entityList(rng, 1, 2, 3)

	w := bitmsg.NewWriter(0)
	if err := WriteSnapshot(w, 5, 1000, SnapFlagNotActive, []byte{0xFF}, &ps1, ents1, nil, baselines); err != nil {
		t.Fatalf("WriteSnapshot(full) error: %v", err)
	}
	r := bitmsg.NewReader("snapshot", w.Bytes())
	h := ReadSnapshotHeader(r)
	full := ReadSnapshotBody(r, 5, h, nil, baselines)
	if r.Err() != nil {
		t.Fatalf("read full snapshot: %v", r.Err())
	}
	if h.DeltaNum != 0 || h.Flags != SnapFlagNotActive || full.ServerTime != 1000 {
		t.Errorf("header = %+v", h)
	}
	if diff := cmp.Diff(ents1, full.Entities); diff != "" {
		t.Errorf("full entities diff:\n%s", diff)
	}

	ps2 := randomPlayer(rng, ps1, 4)
	ents2 := []EntityState{ents1[0], randomEntity(rng, 3, ents1[2], 4)}
	w = bitmsg.NewWriter(0)
	base := &SnapshotBase{MessageNum: 5, PlayerState: ps1, Entities: ents1}
	if err := WriteSnapshot(w, 8, 1150, 0, nil, &ps2, ents2, base, baselines); err != nil {
		t.Fatalf("WriteSnapshot(delta) error: %v", err)
	}
	r = bitmsg.NewReader("snapshot", w.Bytes())
	h = ReadSnapshotHeader(r)
	if h.DeltaNum != 3 {
		t.Fatalf("DeltaNum = %d, want 3", h.DeltaNum)
	}
	delta := ReadSnapshotBody(r, 8, h, full, baselines)
	if diff := cmp.Diff(ps2, delta.PlayerState); diff != "" {
		t.Errorf("delta player diff:\n%s", diff)
	}
	if diff := cmp.Diff(ents2, delta.Entities); diff != "" {
		t.Errorf("delta entities diff:\n%s", diff)
	}
}
