// Package prefetch keeps decoded images of the neighborhood of the current
// position in memory, within a memory budget.
//
// A Controller owns one goroutine that holds all the planning state. It
// reacts to navigation, budget and content events and to finished decodes,
// plans the range of items worth keeping, evicts the rest and hands the
// missing items to a pool of decoders, nearest first. Decodes are tagged
// with an epoch that changes when the collection is replaced; results of
// an older epoch are dropped.
package prefetch

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/plan"
	"github.com/anastasop/imgcache/internal/store"
)

var ErrClosed = errors.New("prefetch: controller closed")

// Status is a snapshot of the controller state.
type Status struct {
	TargetFirst, TargetLast int // the target range, Last < First if empty
	UsageMB                 float64
	BudgetMB                float64 // effective budget of the last pass
	Active                  bool    // a pass is running
	Complete                bool    // the last pass cached every item it could
	Epoch                   uint64
	Position                int
	Forward                 bool
	Reversal                int // steps taken against the direction, not yet enough to turn
	Pending                 int // items left in the worklist
	Busy                    int // busy decoders
	Cached                  int
	Retries                 int
	Decoders                []decode.Slot
}

// Controller is the prefetch cache. Its methods are safe for concurrent use.
type Controller struct {
	store    *store.Store
	pool     *decode.Pool
	governor *budget.Governor
	opts     Options
	log      *logrus.Entry

	epoch  atomic.Uint64
	status atomic.Pointer[Status]
	events chan event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// owned by the loop goroutine
	col         collection.Collection
	nav         plan.Navigation
	budget      budget.Budget
	effectiveMB float64
	target      plan.Range
	worklist    []int
	attempts    map[string]int
	skipped     map[string]bool // failed too often
	videos      map[string]bool // found to be videos when decoded
	flagged     map[string]bool // items with caching or cached set
	active      bool
	complete    bool
	retries     int
	retryGen    int
	retryArmed  bool
	waiters     []chan Status
}

// New returns a running controller with an empty collection. Callers
// must call Close to stop it.
func New(opts Options) *Controller {
	opts = opts.withDefaults()
	available := opts.Available
	if available == nil {
		available = budget.SystemAvailable
	}
	c := &Controller{
		store:       store.New(0),
		governor:    budget.NewGovernor(available, opts.Log),
		opts:        opts,
		log:         opts.Log,
		events:      make(chan event, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		nav:         plan.NewNavigation(opts.DirectionThreshold),
		budget:      opts.Budget,
		effectiveMB: opts.Budget.MaxMB,
		target:      plan.EmptyRange,
	}
	c.resetItems()
	c.pool = decode.NewPool(opts.Decoders, c, opts.Decode, opts.Log)
	c.publish()
	c.log.Debugf("cache: started with %d decoders, budget %.0f MB", c.pool.Size(), c.budget.MaxMB)
	go c.loop()
	return c
}

// Epoch returns the current epoch. Decodes requested under another epoch are stale.
func (c *Controller) Epoch() uint64 {
	return c.epoch.Load()
}

// ReplaceCollection drops every cached image and starts over with col,
// at position 0.
func (c *Controller) ReplaceCollection(col collection.Collection) error {
	return c.send(replaceEvent{col})
}

// PositionChanged tells the controller the current position moved to index.
func (c *Controller) PositionChanged(index int) error {
	return c.send(positionEvent{index})
}

// BudgetChanged sets the memory budget.
func (c *Controller) BudgetChanged(b budget.Budget) error {
	if err := b.Valid(); err != nil {
		return err
	}
	return c.send(budgetEvent{b})
}

// ContentChanged tells the controller the collection was reordered,
// filtered or otherwise edited in place.
func (c *Controller) ContentChanged() error {
	return c.send(contentEvent{})
}

// ItemRemoved tells the controller the item with key left the collection.
func (c *Controller) ItemRemoved(key string) error {
	return c.send(removedEvent{key})
}

// ItemRenamed moves the cached image of oldKey, if any, to newKey.
func (c *Controller) ItemRenamed(oldKey, newKey string) error {
	return c.send(renamedEvent{oldKey, newKey})
}

// TryGet returns the cached image of key without waiting.
func (c *Controller) TryGet(key string) (image.Image, bool) {
	return c.store.Get(key)
}

// IsCached reports whether the image of key is in the cache.
func (c *Controller) IsCached(key string) bool {
	return c.store.Contains(key)
}

// UsageMB returns the memory held by cached images.
func (c *Controller) UsageMB() float64 {
	return c.store.TotalSizeMB()
}

// Status returns the state published after the last event.
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// WaitSettled blocks until no pass is running, either because the target
// range is cached or because the retries ran out.
func (c *Controller) WaitSettled(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.send(waitEvent{reply}); err != nil {
		return c.Status(), err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	case <-c.done:
		return c.Status(), ErrClosed
	}
}

// Close stops the controller and its decoders and waits for them.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Controller) send(ev event) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.quit:
		return ErrClosed
	}
}

// loop is the only goroutine that touches the planning state.
func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.pool.Close()
			c.store.Clear()
			c.active = false
			c.publish()
			c.notifyWaiters()
			c.log.Debug("cache: stopped")
			return
		case ev := <-c.events:
			c.handle(ev)
		case res := <-c.pool.Results():
			c.reconcile(res)
		}
		c.publish()
	}
}

func (c *Controller) publish() {
	c.status.Store(&Status{
		TargetFirst: c.target.First,
		TargetLast:  c.target.Last,
		UsageMB:     c.store.TotalSizeMB(),
		BudgetMB:    c.effectiveMB,
		Active:      c.active,
		Complete:    c.complete,
		Epoch:       c.epoch.Load(),
		Position:    c.nav.Current,
		Forward:     c.nav.Forward,
		Reversal:    c.nav.Accumulated(),
		Pending:     len(c.worklist),
		Busy:        c.pool.Busy(),
		Cached:      c.store.Len(),
		Retries:     c.retries,
		Decoders:    c.pool.Slots(),
	})
}

// retryLater schedules a retry pass. A pass started in the meantime
// cancels it.
func (c *Controller) retryLater() {
	gen := c.retryGen
	c.retryArmed = true
	time.AfterFunc(c.opts.RetryDelay, func() {
		_ = c.send(retryEvent{gen})
	})
}
