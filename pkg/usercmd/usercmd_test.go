package usercmd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
)

func TestDelta_RoundTrip(t *testing.T) {
	base := UserCmd{ServerTime: 1000, Angles: [3]int32{10, 20, 30}, Weapon: 2}
	tests := []struct {
		name     string
		to       UserCmd
		wantBits int
	}{
		{
			name:     "time only",
			to:       UserCmd{ServerTime: 1016, Angles: [3]int32{10, 20, 30}, Weapon: 2},
			wantBits: 1 + 8 + 1,
		},
		{
			name:     "large time jump",
			to:       UserCmd{ServerTime: 50000, Angles: [3]int32{10, 20, 30}, Weapon: 2},
			wantBits: 1 + 32 + 1,
		},
		{
			name: "movement and buttons",
			to: UserCmd{
				ServerTime:  1050,
				Angles:      [3]int32{65535, 20, 0},
				Buttons:     5,
				Weapon:      3,
				ForwardMove: 127,
				RightMove:   -127,
				UpMove:      -1,
			},
		},
		{
			name: "time goes backwards",
			to:   UserCmd{ServerTime: 900, Angles: [3]int32{10, 20, 30}, Weapon: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := bitmsg.NewWriter(0)
			WriteDelta(w, base, tt.to)
			if tt.wantBits > 0 && w.BitsWritten() != tt.wantBits {
				t.Errorf("BitsWritten() = %d, want %d", w.BitsWritten(), tt.wantBits)
			}

			r := bitmsg.NewReader("usercmd", w.Bytes())
			got := ReadDelta(r, base)
			if r.Err() != nil {
				t.Fatalf("ReadDelta() error: %v", r.Err())
			}
			if diff := cmp.Diff(tt.to.Normalize(), got); diff != "" {
				t.Errorf("ReadDelta() diff:\n%s", diff)
			}
		})
	}
}

func TestDelta_Chain(t *testing.T) {
	cmds := []UserCmd{
		{ServerTime: 100},
		{ServerTime: 116, ForwardMove: 127},
		{ServerTime: 133, ForwardMove: 127, Angles: [3]int32{0, 1200, 0}},
		{ServerTime: 150, Buttons: 1},
	}

	w := bitmsg.NewWriter(0)
	var prev UserCmd
	for _, c := range cmds {
		WriteDelta(w, prev, c)
		prev = c
	}

	r := bitmsg.NewReader("usercmds", w.Bytes())
	prev = UserCmd{}
	for i, want := range cmds {
		got := ReadDelta(r, prev)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("command %d diff:\n%s", i, diff)
		}
		prev = got
	}
}
