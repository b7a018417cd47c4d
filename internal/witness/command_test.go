package witness

import (
	"testing"

	"zw-go/internal/model"
)

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain token untouched", "tank/data@daily-20250601-000000", "tank/data@daily-20250601-000000"},
		{"empty becomes explicit empty", "", "''"},
		{"spaces quoted", "zfs send tank/data@s1", "'zfs send tank/data@s1'"},
		{"embedded single quote escaped", "it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuoteArg(tt.in); got != tt.want {
				t.Errorf("QuoteArg(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSSHCommand(t *testing.T) {
	var g CommandGenerator

	t.Run("default port omitted", func(t *testing.T) {
		m := model.Machine{Hostname: "alpha", Address: "10.0.0.5", SSHUser: "zfs", SSHPort: 22}
		got := g.SSHCommand(m, "zfs send tank/data@s1")
		want := "ssh zfs@10.0.0.5 'zfs send tank/data@s1'"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("custom port included", func(t *testing.T) {
		m := model.Machine{Hostname: "alpha", SSHUser: "zfs", SSHPort: 2222}
		got := g.SSHCommand(m, "true")
		want := "ssh -p 2222 zfs@alpha true"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("hostname fallback without user", func(t *testing.T) {
		m := model.Machine{Hostname: "alpha", SSHPort: 22}
		if got := g.SSHCommand(m, ""); got != "ssh alpha" {
			t.Errorf("got %q", got)
		}
	})
}

func TestSendReceive(t *testing.T) {
	var g CommandGenerator
	instr := model.Instruction{
		Dataset:       "data",
		SourcePool:    "tank",
		TargetPool:    "backup",
		StartSnapshot: "daily-20250601-000000",
		EndSnapshot:   "daily-20250612-000000",
	}

	t.Run("incremental send spans the range", func(t *testing.T) {
		want := "zfs send -I tank/data@daily-20250601-000000 tank/data@daily-20250612-000000"
		if got := g.SendCommand(instr); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("empty start means a full send", func(t *testing.T) {
		full := instr
		full.StartSnapshot = ""
		want := "zfs send tank/data@daily-20250612-000000"
		if got := g.SendCommand(full); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("receive targets the machine local pool", func(t *testing.T) {
		want := "zfs receive -F backup/data"
		if got := g.ReceiveCommand(instr); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("pipeline composes ssh send into local receive", func(t *testing.T) {
		source := model.Machine{Hostname: "alpha", SSHUser: "zfs", SSHPort: 22}
		got := g.SyncCommand(instr, source)
		want := "ssh zfs@alpha 'zfs send -I tank/data@daily-20250601-000000 tank/data@daily-20250612-000000' | zfs receive -F backup/data"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}
