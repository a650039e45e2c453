package batch

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemorySampler reports memory pressure as the used fraction of total memory.
type MemorySampler interface {
	UsedFraction() (float64, error)
}

// SystemMemory samples host virtual memory.
type SystemMemory struct{}

// UsedFraction implements MemorySampler.
func (SystemMemory) UsedFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.UsedPercent / 100, nil
}
