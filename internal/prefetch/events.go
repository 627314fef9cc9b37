package prefetch

import (
	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/plan"
)

// event is a message to the loop goroutine.
type event interface{}

type (
	positionEvent struct{ index int }
	budgetEvent   struct{ budget budget.Budget }
	replaceEvent  struct{ col collection.Collection }
	contentEvent  struct{}
	removedEvent  struct{ key string }
	renamedEvent  struct{ oldKey, newKey string }
	retryEvent    struct{ gen int }
	waitEvent     struct{ reply chan Status }
)

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case positionEvent:
		if c.col == nil {
			return
		}
		size := c.col.Len()
		if ev.index < 0 || ev.index >= size {
			c.log.Debugf("cache: position %d out of range [0, %d)", ev.index, size)
			return
		}
		c.nav.Move(ev.index, size)
		c.startPass("position")

	case budgetEvent:
		c.budget = ev.budget
		c.startPass("budget")

	case replaceEvent:
		// Bumping the epoch here, before anything is dispatched for the new
		// collection, makes every decode in flight stale.
		c.epoch.Add(1)
		c.store.Clear()
		c.clearFlags()
		c.col = ev.col
		c.nav = plan.NewNavigation(c.opts.DirectionThreshold)
		c.target = plan.EmptyRange
		c.worklist = nil
		c.resetItems()
		c.log.Debugf("cache: new collection of %d items, epoch %d", c.colLen(), c.epoch.Load())
		c.startPass("replace")

	case contentEvent:
		c.startPass("content")

	case removedEvent:
		if c.store.Remove(ev.key) {
			c.log.Debugf("cache: removed %s", ev.key)
		}
		c.forget(ev.key)
		c.startPass("remove")

	case renamedEvent:
		if c.store.Rename(ev.oldKey, ev.newKey) {
			c.log.Debugf("cache: renamed %s to %s", ev.oldKey, ev.newKey)
		}
		c.rekey(ev.oldKey, ev.newKey)
		c.startPass("rename")

	case retryEvent:
		if ev.gen != c.retryGen || !c.retryArmed {
			return
		}
		c.retryArmed = false
		c.pass("retry")

	case waitEvent:
		if !c.active {
			ev.reply <- c.snapshot()
			return
		}
		c.waiters = append(c.waiters, ev.reply)
	}
}

func (c *Controller) colLen() int {
	if c.col == nil {
		return 0
	}
	return c.col.Len()
}

func (c *Controller) resetItems() {
	c.attempts = make(map[string]int)
	c.skipped = make(map[string]bool)
	c.videos = make(map[string]bool)
	c.flagged = make(map[string]bool)
}

// clearFlags resets the bookkeeping of every flagged item.
func (c *Controller) clearFlags() {
	if c.col == nil {
		return
	}
	for key := range c.flagged {
		if i, ok := c.col.IndexOf(key); ok {
			c.col.SetCaching(i, false)
			c.col.SetCached(i, false)
			c.col.SetDecoderID(i, -1)
			if _, busy := c.pool.AssignedKey(key); busy {
				c.col.SetDecodeStatus(i, decode.Aborted)
			}
		}
	}
	clear(c.flagged)
}

// forget drops what is known about key.
func (c *Controller) forget(key string) {
	delete(c.attempts, key)
	delete(c.skipped, key)
	delete(c.videos, key)
	delete(c.flagged, key)
}

// rekey moves what is known about oldKey to newKey.
func (c *Controller) rekey(oldKey, newKey string) {
	if oldKey == newKey {
		return
	}
	if n, ok := c.attempts[oldKey]; ok {
		c.attempts[newKey] = n
	}
	for _, m := range []map[string]bool{c.skipped, c.videos, c.flagged} {
		if m[oldKey] {
			m[newKey] = true
		}
	}
	c.forget(oldKey)
}

func (c *Controller) snapshot() Status {
	c.publish()
	return *c.status.Load()
}

// notifyWaiters wakes the callers of WaitSettled.
func (c *Controller) notifyWaiters() {
	if len(c.waiters) == 0 {
		return
	}
	s := c.snapshot()
	for _, w := range c.waiters {
		w <- s
	}
	c.waiters = nil
}
