package prefetch

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/plan"
)

// view presents the collection and the store to the planner.
type view struct{ c *Controller }

func (v view) Len() int { return v.c.col.Len() }

func (v view) SizeMB(i int) float64 {
	if e, ok := v.c.store.Entry(v.c.col.PathAt(i)); ok {
		return e.SizeMB
	}
	return v.c.col.EstimatedSizeMB(i)
}

func (v view) Cached(i int) bool { return v.c.store.Contains(v.c.col.PathAt(i)) }

func (v view) Skip(i int) bool { return v.c.settledWithoutBitmap(i) }

// settledWithoutBitmap reports items that are never decoded: videos and
// items that failed too often.
func (c *Controller) settledWithoutBitmap(i int) bool {
	if c.col.IsVideo(i) {
		return true
	}
	key := c.col.PathAt(i)
	return c.skipped[key] || c.videos[key]
}

// startPass starts a new pass, cancelling any scheduled retry.
func (c *Controller) startPass(reason string) {
	c.retries = 0
	c.retryGen++
	c.retryArmed = false
	c.pass(reason)
}

// pass plans the target range, evicts what falls outside it and hands the
// rest to the decoders.
func (c *Controller) pass(reason string) {
	if c.col == nil {
		return
	}
	size := c.col.Len()
	if size == 0 {
		c.target = plan.EmptyRange
		c.worklist = nil
		c.evict()
		c.active = true
		c.checkSettled()
		return
	}
	if c.nav.Current >= size {
		c.nav.Current = size - 1
	}

	c.effectiveMB = c.governor.Effective(c.budget, c.store.TotalSizeMB())
	c.target = plan.Plan(c.nav.Current, c.nav.Forward, c.effectiveMB, c.opts.Policy, view{c})
	c.worklist = slices.Clone(c.target.Worklist)
	c.evict()
	c.enforceBudget()
	c.markVideos()
	c.active = true

	c.log.WithFields(logrus.Fields{
		"reason":   reason,
		"position": c.nav.Current,
		"forward":  c.nav.Forward,
		"first":    c.target.First,
		"last":     c.target.Last,
		"pending":  len(c.worklist),
		"budget":   c.effectiveMB,
	}).Debugf("cache(%d): pass", size)

	c.dispatch()
	c.checkSettled()
}

// evict drops images outside the target range and clears the flags of
// items that left it.
func (c *Controller) evict() {
	for _, key := range c.store.Keys() {
		if i, ok := c.col.IndexOf(key); ok && c.target.Contains(i) {
			continue
		}
		c.store.Remove(key)
		c.log.Tracef("cache: evicted %s", key)
	}
	for key := range c.flagged {
		i, ok := c.col.IndexOf(key)
		if ok && c.target.Contains(i) {
			continue
		}
		if ok {
			c.col.SetCaching(i, false)
			c.col.SetCached(i, false)
			c.col.SetDecoderID(i, -1)
		}
		delete(c.flagged, key)
	}
}

// enforceBudget trims the target range from the end farthest from the
// position until the cached images fit in the budget. Decoded sizes can
// exceed the estimates the plan was made with.
func (c *Controller) enforceBudget() {
	total := c.store.TotalSizeMB()
	if total <= c.effectiveMB {
		return
	}
	c.log.Warnf("cache: %.1f MB over budget of %.1f MB, trimming", total-c.effectiveMB, c.effectiveMB)
	cur := c.nav.Current
	for total > c.effectiveMB && c.target.First < c.target.Last {
		var far int
		if cur-c.target.First > c.target.Last-cur {
			far = c.target.First
			c.target.First++
		} else {
			far = c.target.Last
			c.target.Last--
		}
		total -= c.drop(far)
	}
	if total > c.effectiveMB && !c.target.Empty() {
		c.log.Warnf("cache: current item %d alone exceeds the budget", cur)
		for i := c.target.First; i <= c.target.Last; i++ {
			c.drop(i)
		}
		c.target = plan.EmptyRange
	}
	c.worklist = slices.DeleteFunc(c.worklist, func(i int) bool { return !c.target.Contains(i) })
}

// drop evicts the image of item i and clears its flags. It returns the
// size freed.
func (c *Controller) drop(i int) float64 {
	key := c.col.PathAt(i)
	var freed float64
	if e, ok := c.store.Entry(key); ok {
		c.store.Remove(key)
		freed = e.SizeMB
	}
	if c.flagged[key] {
		c.col.SetCaching(i, false)
		c.col.SetCached(i, false)
		delete(c.flagged, key)
	}
	return freed
}

// markVideos flags the videos of the range as cached. They have no bitmap.
func (c *Controller) markVideos() {
	for i := c.target.First; i <= c.target.Last; i++ {
		if !c.col.IsVideo(i) {
			continue
		}
		key := c.col.PathAt(i)
		if !c.flagged[key] {
			c.col.SetCached(i, true)
			c.flagged[key] = true
		}
	}
}

// nextWork pops the worklist until it finds an item a decoder should take.
func (c *Controller) nextWork() (int, string, bool) {
	for len(c.worklist) > 0 {
		i := c.worklist[0]
		c.worklist = c.worklist[1:]
		if i < 0 || i >= c.col.Len() {
			c.log.Debugf("cache: index %d out of range, skipped", i)
			continue
		}
		key := c.col.PathAt(i)
		if c.store.Contains(key) || c.settledWithoutBitmap(i) {
			continue
		}
		if _, busy := c.pool.AssignedKey(key); busy {
			continue
		}
		if !c.col.MetadataReady(i) {
			c.log.Tracef("cache: %s not ready, deferred", key)
			continue
		}
		return i, key, true
	}
	return 0, "", false
}

// dispatch gives work to every ready decoder.
func (c *Controller) dispatch() {
	for _, id := range c.pool.Ready() {
		i, key, ok := c.nextWork()
		if !ok {
			return
		}
		req := decode.Request{Index: i, Key: key, Epoch: c.epoch.Load()}
		if err := c.pool.Assign(id, req); err != nil {
			c.log.WithError(err).Warnf("cache: cannot dispatch %s", key)
			c.worklist = slices.Insert(c.worklist, 0, i)
			return
		}
		c.col.SetCaching(i, true)
		c.col.SetDecoderID(i, id)
		c.col.SetDecodeStatus(i, decode.Busy)
		c.flagged[key] = true
		c.log.Tracef("cache: decoder %d takes %d %s", id, i, key)
	}
}

// reconcile takes in a finished decode.
func (c *Controller) reconcile(res decode.Result) {
	c.pool.Release(res.DecoderID, res.Status)
	switch {
	case res.Epoch != c.epoch.Load() || res.Status == decode.InstanceClash:
		c.log.Tracef("cache: stale result for %s from epoch %d", res.Key, res.Epoch)
	case res.Status == decode.Aborted:
		c.log.Tracef("cache: aborted %s", res.Key)
	default:
		c.apply(res)
	}
	c.dispatch()
	c.checkSettled()
}

func (c *Controller) apply(res decode.Result) {
	i, ok := c.col.IndexOf(res.Key)
	if !ok {
		c.log.Debugf("cache: %s left the collection while decoding", res.Key)
		return
	}
	c.col.SetCaching(i, false)
	c.col.SetDecoderID(i, -1)
	c.col.SetDecodeStatus(i, res.Status)

	switch {
	case res.Status == decode.Success:
		if !c.target.Contains(i) {
			c.log.Tracef("cache: %s left the range while decoding", res.Key)
			delete(c.flagged, res.Key)
			return
		}
		c.store.Insert(res.Key, res.Bitmap, res.SizeMB)
		c.col.SetCached(i, true)
		c.flagged[res.Key] = true
		c.log.WithFields(logrus.Fields{
			"index":   i,
			"size":    res.SizeMB,
			"elapsed": res.Elapsed,
			"decoder": res.DecoderID,
		}).Debugf("cache: cached %s", res.Key)
		c.enforceBudget()

	case res.Video:
		c.videos[res.Key] = true
		if c.target.Contains(i) {
			c.col.SetCached(i, true)
			c.flagged[res.Key] = true
		}

	default:
		n := c.attempts[res.Key] + 1
		c.attempts[res.Key] = n
		c.col.SetAttempts(i, n)
		entry := c.log.WithError(res.Err).WithField("attempt", n)
		if n >= c.opts.MaxAttempts {
			c.skipped[res.Key] = true
			entry.Warnf("cache: giving up on %s: %v", res.Key, res.Status)
		} else {
			entry.Debugf("cache: %s failed: %v", res.Key, res.Status)
		}
		if i == c.nav.Current {
			c.log.WithError(res.Err).Warnf("cache: current item %s failed: %v", res.Key, res.Status)
			if c.opts.OnCurrentFailed != nil {
				c.opts.OnCurrentFailed(res.Key, res.Status, res.Err)
			}
		}
	}
}

// incomplete counts the items of the range still to be decoded.
func (c *Controller) incomplete() int {
	n := 0
	for i := c.target.First; i <= c.target.Last; i++ {
		if c.settledWithoutBitmap(i) || c.store.Contains(c.col.PathAt(i)) {
			continue
		}
		n++
	}
	return n
}

// checkSettled ends the pass when there is nothing left to do. Items that
// failed or were not ready get another pass later, a bounded number of
// times.
func (c *Controller) checkSettled() {
	if !c.active || c.retryArmed || len(c.worklist) > 0 || !c.pool.Idle() {
		return
	}
	missing := c.incomplete()
	if missing > 0 && c.retries < c.opts.MaxRetries {
		c.retries++
		c.log.Debugf("cache: %d items missing, retry %d of %d", missing, c.retries, c.opts.MaxRetries)
		c.retryLater()
		return
	}
	if missing > 0 {
		c.log.Infof("cache: settled with %d items missing after %d retries", missing, c.retries)
	}
	c.active = false
	c.complete = missing == 0
	c.log.Debugf("cache: settled, %.1f MB in %d images", c.store.TotalSizeMB(), c.store.Len())
	c.notifyWaiters()
}
