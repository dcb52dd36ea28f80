package challenge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
)

type counterNonces struct {
	next int32
}

func (c *counterNonces) Nonce() int32 {
	c.next++
	return c.next
}

func addr(t *testing.T, s string) netadr.Address {
	t.Helper()
	a, err := netadr.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return a
}

func TestTable_IssueAndValidate(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, TimeoutMsec: 1000, Nonces: &counterNonces{}})
	a := addr(t, "10.0.0.1:5000")

	rec := table.Issue(a, 77, 100)
	if rec.Challenge == 0 || rec.ClientChallenge != 77 {
		t.Fatalf("Issue() = %+v", rec)
	}

	handle, got, err := table.Validate(a, rec.Challenge, 500)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if got.Challenge != rec.Challenge || handle < 0 {
		t.Errorf("Validate() returned %+v", got)
	}

	var noChallenge *NoChallengeError
	if _, _, err := table.Validate(a, rec.Challenge+1, 500); !errors.As(err, &noChallenge) {
		t.Errorf("wrong nonce: err %v", err)
	}
	if _, _, err := table.Validate(addr(t, "10.0.0.1:5001"), rec.Challenge, 500); !errors.As(err, &noChallenge) {
		t.Errorf("wrong port: err %v", err)
	}
	if _, _, err := table.Validate(a, 0, 500); !errors.As(err, &noChallenge) {
		t.Errorf("zero nonce: err %v", err)
	}

	var expired *ExpiredError
	if _, _, err := table.Validate(a, rec.Challenge, 1101); !errors.As(err, &expired) {
		t.Errorf("old challenge: err %v", err)
	}
}

func TestTable_ReissueReplacesNonce(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, Nonces: &counterNonces{}})
	a := addr(t, "10.0.0.1:5000")
	first := table.Issue(a, 1, 0)
	second := table.Issue(a, 1, 10)

	if first.Challenge == second.Challenge {
		t.Errorf("reissue kept the old nonce")
	}
	if table.Len() != 1 {
		t.Errorf("reissue should reuse the record, Len() = %d", table.Len())
	}
	if _, _, err := table.Validate(a, first.Challenge, 20); err == nil {
		t.Errorf("old nonce still valid")
	}
}

func TestTable_RefusedIsSilent(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, Nonces: &counterNonces{}})
	a := addr(t, "10.0.0.1:5000")
	rec := table.Issue(a, 0, 0)
	handle, _, _ := table.Validate(a, rec.Challenge, 1)
	table.Refuse(handle)

	var refused *RefusedError
	if _, _, err := table.Validate(a, rec.Challenge, 2); !errors.As(err, &refused) {
		t.Errorf("err = %v, want RefusedError", err)
	}

	// A new getchallenge clears the refusal.
	rec = table.Issue(a, 0, 3)
	if _, _, err := table.Validate(a, rec.Challenge, 4); err != nil {
		t.Errorf("fresh challenge rejected: %v", err)
	}
}

func TestTable_SubnetQuota(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, PerSubnet: 3, Nonces: &counterNonces{}})

	var flood []Record
	for i := 0; i < 10; i++ {
		flood = append(flood, table.Issue(addr(t, fmt.Sprintf("10.0.0.%d:1", i+1)), 0, int64(i)))
	}
	legit := table.Issue(addr(t, "192.168.7.7:1"), 0, 20)

	if table.Len() != 4 {
		t.Errorf("Len() = %d, want 3 flood records plus the legitimate one", table.Len())
	}
	if _, _, err := table.Validate(addr(t, "192.168.7.7:1"), legit.Challenge, 21); err != nil {
		t.Errorf("legitimate challenge evicted by flood: %v", err)
	}
	// Only the newest flood records survive.
	if _, _, err := table.Validate(addr(t, "10.0.0.10:1"), flood[9].Challenge, 21); err != nil {
		t.Errorf("newest flood record missing: %v", err)
	}
	if _, _, err := table.Validate(addr(t, "10.0.0.1:1"), flood[0].Challenge, 21); err == nil {
		t.Errorf("oldest flood record should have been recycled")
	}
}

func TestTable_FullTableRecyclesOldest(t *testing.T) {
	table := CreateTable(TableParams{Size: 4, PerSubnet: 4, Nonces: &counterNonces{}})
	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, table.Issue(addr(t, fmt.Sprintf("10.%d.0.1:1", i)), 0, int64(i)))
	}
	if table.Len() != 4 {
		t.Fatalf("Len() = %d", table.Len())
	}
	if _, _, err := table.Validate(addr(t, "10.0.0.1:1"), recs[0].Challenge, 5); err == nil {
		t.Errorf("oldest record should be gone")
	}
}

func TestTable_Sweep(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, TimeoutMsec: 100, Nonces: &counterNonces{}})
	table.Issue(addr(t, "10.0.0.1:1"), 0, 0)
	table.Issue(addr(t, "10.0.0.2:1"), 0, 150)

	if freed := table.Sweep(200); freed != 1 {
		t.Errorf("Sweep() freed %d, want 1", freed)
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d after sweep", table.Len())
	}
}

func TestTable_Forget(t *testing.T) {
	table := CreateTable(TableParams{Size: 8, Nonces: &counterNonces{}})
	a := addr(t, "10.0.0.1:1")
	rec := table.Issue(a, 0, 0)
	table.Issue(addr(t, "10.0.0.2:1"), 0, 0)

	table.Forget(a)
	if _, _, err := table.Validate(a, rec.Challenge, 1); err == nil {
		t.Errorf("forgotten challenge still valid")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d", table.Len())
	}
}
