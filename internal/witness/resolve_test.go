package witness

import (
	"testing"
	"time"

	"zw-go/internal/model"
)

func cm(id string, at time.Time, size int64) model.ConflictMachine {
	return model.ConflictMachine{MachineID: id, Pool: "tank", CreatedAt: at, Size: size}
}

func TestCanonical(t *testing.T) {
	r := Resolver{MajorityAbstention: true}

	t.Run("use_newest picks the latest timestamp", func(t *testing.T) {
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(3), 80),
			cm("m-c", day(2), 120),
		}}
		winner, ok := r.Canonical(c, model.ResolveUseNewest, 3)
		if !ok || winner.MachineID != "m-b" {
			t.Fatalf("winner = %+v ok=%v, want m-b", winner, ok)
		}
	})

	t.Run("use_newest ties break to the lowest machine ID", func(t *testing.T) {
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-b", day(1), 100),
			cm("m-a", day(1), 100),
		}}
		winner, _ := r.Canonical(c, model.ResolveUseNewest, 2)
		if winner.MachineID != "m-a" {
			t.Fatalf("winner = %s, want m-a", winner.MachineID)
		}
	})

	t.Run("use_largest picks the biggest copy", func(t *testing.T) {
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(3), 100),
			cm("m-b", day(1), 300),
		}}
		winner, ok := r.Canonical(c, model.ResolveUseLargest, 2)
		if !ok || winner.MachineID != "m-b" {
			t.Fatalf("winner = %+v, want m-b", winner)
		}
	})

	t.Run("use_largest ties break to the lowest machine ID", func(t *testing.T) {
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-c", day(1), 100),
			cm("m-b", day(2), 100),
		}}
		winner, _ := r.Canonical(c, model.ResolveUseLargest, 2)
		if winner.MachineID != "m-b" {
			t.Fatalf("winner = %s, want m-b", winner.MachineID)
		}
	})

	t.Run("manual and ignore choose nothing", func(t *testing.T) {
		c := model.Conflict{Machines: []model.ConflictMachine{cm("m-a", day(1), 100)}}
		if _, ok := r.Canonical(c, model.ResolveManual, 2); ok {
			t.Error("manual must not pick a canonical copy")
		}
		if _, ok := r.Canonical(c, model.ResolveIgnore, 2); ok {
			t.Error("ignore must not pick a canonical copy")
		}
	})

	t.Run("empty conflict chooses nothing", func(t *testing.T) {
		if _, ok := r.Canonical(model.Conflict{}, model.ResolveUseNewest, 2); ok {
			t.Error("no holders, no canonical copy")
		}
	})
}

func TestMajority(t *testing.T) {
	t.Run("largest variant bloc wins", func(t *testing.T) {
		r := Resolver{MajorityAbstention: true}
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(1), 100),
			cm("m-c", day(3), 100),
		}}
		winner, ok := r.Canonical(c, model.ResolveUseMajority, 3)
		if !ok || winner.MachineID != "m-a" {
			t.Fatalf("winner = %+v, want the lowest ID inside the two machine bloc", winner)
		}
	})

	t.Run("tied blocs resolve to the newest variant", func(t *testing.T) {
		r := Resolver{MajorityAbstention: true}
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(4), 100),
		}}
		winner, _ := r.Canonical(c, model.ResolveUseMajority, 2)
		if winner.MachineID != "m-b" {
			t.Fatalf("winner = %s, want the newer variant", winner.MachineID)
		}
	})

	t.Run("abstention counts holders only", func(t *testing.T) {
		r := Resolver{MajorityAbstention: true}
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(1), 100),
		}}
		// Three members never reported the snapshot; they abstain.
		winner, _ := r.Canonical(c, model.ResolveUseMajority, 5)
		if winner.MachineID != "m-a" {
			t.Fatalf("winner = %s, want the shared variant", winner.MachineID)
		}
	})

	t.Run("dissenting non-holders force the newest fallback", func(t *testing.T) {
		r := Resolver{MajorityAbstention: false}
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(1), 100),
			cm("m-c", day(4), 100),
		}}
		// Three non-holders outnumber the two machine bloc.
		winner, _ := r.Canonical(c, model.ResolveUseMajority, 6)
		if winner.MachineID != "m-c" {
			t.Fatalf("winner = %s, want the newest copy overall", winner.MachineID)
		}
	})

	t.Run("bloc that outnumbers non-holders still wins without abstention", func(t *testing.T) {
		r := Resolver{MajorityAbstention: false}
		c := model.Conflict{Machines: []model.ConflictMachine{
			cm("m-a", day(1), 100),
			cm("m-b", day(1), 100),
			cm("m-c", day(4), 100),
		}}
		winner, _ := r.Canonical(c, model.ResolveUseMajority, 4)
		if winner.MachineID != "m-a" {
			t.Fatalf("winner = %s, want the two machine bloc", winner.MachineID)
		}
	})
}
