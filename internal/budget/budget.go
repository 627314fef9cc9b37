// Package budget bounds the memory the image cache may use.
package budget

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

const mb = 1 << 20

// Budget is the configured memory range of the cache.
type Budget struct {
	MaxMB float64
	MinMB float64
}

// Valid reports an error if the budget is unusable.
func (b Budget) Valid() error {
	if b.MaxMB <= 0 {
		return fmt.Errorf("budget: max %.1fMB must be positive", b.MaxMB)
	}
	if b.MinMB < 0 || b.MinMB > b.MaxMB {
		return fmt.Errorf("budget: min %.1fMB must be in [0, %.1f]", b.MinMB, b.MaxMB)
	}
	return nil
}

// AvailableFunc returns the memory available to the process in MB.
type AvailableFunc func() (float64, error)

// SystemAvailable reports the memory the system can give without swapping.
func SystemAvailable() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("budget: virtual memory: %w", err)
	}
	return float64(vm.Available) / mb, nil
}

// Governor shrinks the budget when the system runs low on memory.
type Governor struct {
	available AvailableFunc
	log       *logrus.Entry
}

// NewGovernor returns a governor. If available is nil, SystemAvailable is used.
func NewGovernor(available AvailableFunc, log *logrus.Entry) *Governor {
	if available == nil {
		available = SystemAvailable
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Governor{available: available, log: log}
}

// Effective returns the max size the cache should use this pass, given that
// it holds currentMB now. If the room left under b.MaxMB is more than the
// system has available, the max drops to currentMB plus what is available,
// but never below b.MinMB. It is advisory: on error b.MaxMB is returned.
func (g *Governor) Effective(b Budget, currentMB float64) float64 {
	avail, err := g.available()
	if err != nil {
		g.log.WithError(err).Debug("budget: cannot query available memory")
		return b.MaxMB
	}
	room := b.MaxMB - currentMB
	if room <= avail {
		return b.MaxMB
	}
	eff := max(currentMB+avail, b.MinMB)
	g.log.WithFields(logrus.Fields{
		"max":       b.MaxMB,
		"effective": eff,
		"available": avail,
		"current":   currentMB,
	}).Info("budget: low memory, shrinking cache budget")
	return eff
}
