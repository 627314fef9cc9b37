package prefetch

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/plan"
)

// FailureFunc is told when the item at the current position fails to
// decode. It runs on the controller goroutine and must not block.
type FailureFunc func(key string, status decode.Status, err error)

// Options configure a Controller.
type Options struct {
	// Decoders is the number of concurrent decoders. Defaults to the number of CPUs.
	Decoders int
	Budget   budget.Budget
	Policy   plan.Policy
	// DirectionThreshold is the number of steps back needed to reverse direction.
	DirectionThreshold int
	// MaxAttempts is the number of failed decodes after which an item is skipped.
	MaxAttempts int
	// MaxRetries bounds the passes made to fill a range with failed items.
	MaxRetries int
	// RetryDelay is the wait before a retry pass.
	RetryDelay time.Duration
	Decode     decode.Options
	// Available reports the free memory in MB. Defaults to budget.SystemAvailable.
	Available       budget.AvailableFunc
	OnCurrentFailed FailureFunc
	Log             *logrus.Entry
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Decoders:           runtime.NumCPU(),
		Budget:             budget.Budget{MaxMB: 1024, MinMB: 128},
		Policy:             plan.DefaultPolicy,
		DirectionThreshold: plan.DefaultThreshold,
		MaxAttempts:        3,
		MaxRetries:         5,
		RetryDelay:         250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Decoders <= 0 {
		o.Decoders = d.Decoders
	}
	if o.Budget.MaxMB <= 0 {
		o.Budget = d.Budget
	}
	if o.Policy.Ahead <= 0 && o.Policy.Behind <= 0 {
		o.Policy = d.Policy
	}
	if o.DirectionThreshold <= 0 {
		o.DirectionThreshold = d.DirectionThreshold
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}
