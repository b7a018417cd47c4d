package witness

import (
	"fmt"
	"strings"

	"zw-go/internal/model"
)

// CommandGenerator renders instructions into ready-to-run transport command
// strings. Purely deterministic; the witness never executes these.
type CommandGenerator struct{}

// QuoteArg escapes a string for safe use as a single shell argument.
func QuoteArg(value string) string {
	if value == "" {
		return "''"
	}
	safe := true
	for _, r := range value {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// SSHCommand builds an ssh invocation that runs command on the machine.
func (CommandGenerator) SSHCommand(m model.Machine, command string) string {
	parts := []string{"ssh"}
	if m.SSHPort != 0 && m.SSHPort != 22 {
		parts = append(parts, fmt.Sprintf("-p %d", m.SSHPort))
	}
	target := m.Address
	if target == "" {
		target = m.Hostname
	}
	if m.SSHUser != "" {
		target = m.SSHUser + "@" + target
	}
	parts = append(parts, target)
	if command != "" {
		parts = append(parts, QuoteArg(command))
	}
	return strings.Join(parts, " ")
}

// SendCommand builds the zfs send half of an instruction. An empty start
// snapshot means a full (re-anchor) send.
func (CommandGenerator) SendCommand(instr model.Instruction) string {
	end := qualifiedSnapshot(instr.SourcePool, instr.Dataset, instr.EndSnapshot)
	if instr.StartSnapshot == "" {
		return fmt.Sprintf("zfs send %s", QuoteArg(end))
	}
	start := qualifiedSnapshot(instr.SourcePool, instr.Dataset, instr.StartSnapshot)
	return fmt.Sprintf("zfs send -I %s %s", QuoteArg(start), QuoteArg(end))
}

// ReceiveCommand builds the zfs receive half for the target machine.
func (CommandGenerator) ReceiveCommand(instr model.Instruction) string {
	return fmt.Sprintf("zfs receive -F %s", QuoteArg(qualifiedDataset(instr.TargetPool, instr.Dataset)))
}

// SyncCommand builds the complete pipeline the target runs: ssh into the
// source, send, pipe into a local receive.
func (g CommandGenerator) SyncCommand(instr model.Instruction, source model.Machine) string {
	return fmt.Sprintf("%s | %s", g.SSHCommand(source, g.SendCommand(instr)), g.ReceiveCommand(instr))
}

// qualifiedDataset rebuilds the machine-local dataset path. Instructions
// carry logical dataset names, so the pool prefix is always reattached.
func qualifiedDataset(pool, dataset string) string {
	return pool + "/" + dataset
}

func qualifiedSnapshot(pool, dataset, name string) string {
	return qualifiedDataset(pool, dataset) + "@" + name
}
