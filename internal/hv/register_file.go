package hv

import (
	"fmt"
	"sync"
)

// RegisterFile is a VirtualCPU that only holds register state. It backs
// dry-run boots and tests, where no hypervisor executes the guest.
type RegisterFile struct {
	mu   sync.Mutex
	id   int
	regs map[Register]uint64
}

func NewRegisterFile(id int) *RegisterFile {
	return &RegisterFile{id: id, regs: make(map[Register]uint64)}
}

func (r *RegisterFile) ID() int { return r.id }

func (r *RegisterFile) SetRegisters(regs map[Register]RegisterValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for reg, val := range regs {
		v, ok := val.(Register64)
		if !ok {
			return fmt.Errorf("vcpu %d: unsupported value %T for %s", r.id, val, reg)
		}
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("vcpu %d: unknown register %s", r.id, reg)
		}
		r.regs[reg] = uint64(v)
	}
	return nil
}

func (r *RegisterFile) GetRegisters(regs map[Register]RegisterValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for reg := range regs {
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("vcpu %d: unknown register %s", r.id, reg)
		}
		regs[reg] = Register64(r.regs[reg])
	}
	return nil
}

// Value returns a single register, zero when it was never written.
func (r *RegisterFile) Value(reg Register) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg]
}

var _ VirtualCPU = (*RegisterFile)(nil)
