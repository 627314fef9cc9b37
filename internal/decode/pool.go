package decode

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	errPoolClosed = errors.New("pool closed")
	errSlotBusy   = errors.New("decoder busy")
)

// Slot is the state of one decoder as seen by its owner.
type Slot struct {
	ID     int
	Status Status
	Index  int    // assigned index while busy
	Key    string // assigned key while busy
	Epoch  uint64
	Last   Status // outcome of the previous assignment
}

// Pool owns a fixed set of decoders running in their own goroutines.
//
// Slot state is not locked: a single goroutine, the owner of the pool,
// calls Assign, Release and the query methods. Results arrive on the
// channel returned by Results and are not ordered.
type Pool struct {
	decoders []*Decoder
	slots    []Slot
	requests []chan Request
	results  chan Result

	abort  atomic.Bool
	quit   chan struct{}
	group  errgroup.Group
	closed bool
	once   sync.Once
}

// NewPool starts n decoders. If n is not positive, one decoder is started.
func NewPool(n int, epochs EpochSource, opts Options, log *logrus.Entry) *Pool {
	n = max(n, 1)
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		decoders: make([]*Decoder, n),
		slots:    make([]Slot, n),
		requests: make([]chan Request, n),
		results:  make(chan Result, n),
		quit:     make(chan struct{}),
	}
	for i := range n {
		p.decoders[i] = NewDecoder(i, epochs, &p.abort, opts, log)
		p.slots[i] = Slot{ID: i, Status: Ready, Index: -1, Last: Ready}
		p.requests[i] = make(chan Request, 1)
		d, reqs := p.decoders[i], p.requests[i]
		p.group.Go(func() error {
			p.run(d, reqs)
			return nil
		})
	}
	return p
}

func (p *Pool) run(d *Decoder, reqs <-chan Request) {
	for req := range reqs {
		res := d.Decode(req)
		select {
		case p.results <- res:
		case <-p.quit:
			return
		}
	}
}

// Size returns the number of decoders.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Results returns the channel of finished decodes.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Ready returns the ids of the decoders waiting for work, in id order.
func (p *Pool) Ready() []int {
	var ids []int
	for _, s := range p.slots {
		if s.Status == Ready {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Busy returns the number of decoders with work assigned.
func (p *Pool) Busy() int {
	n := 0
	for _, s := range p.slots {
		if s.Status == Busy {
			n++
		}
	}
	return n
}

// Idle reports whether no decoder has work assigned.
func (p *Pool) Idle() bool {
	return p.Busy() == 0
}

// AssignedKey returns the decoder working on key, if any.
func (p *Pool) AssignedKey(key string) (int, bool) {
	for _, s := range p.slots {
		if s.Status == Busy && s.Key == key {
			return s.ID, true
		}
	}
	return -1, false
}

// Slots returns a copy of the slot states.
func (p *Pool) Slots() []Slot {
	out := make([]Slot, len(p.slots))
	copy(out, p.slots)
	return out
}

// Assign gives req to the decoder id, which must be ready.
func (p *Pool) Assign(id int, req Request) error {
	if p.closed {
		return errPoolClosed
	}
	if id < 0 || id >= len(p.slots) {
		return fmt.Errorf("assign: decoder %d: no such decoder", id)
	}
	s := &p.slots[id]
	if s.Status != Ready {
		return fmt.Errorf("assign: decoder %d: %w", id, errSlotBusy)
	}
	s.Status = Busy
	s.Index = req.Index
	s.Key = req.Key
	s.Epoch = req.Epoch
	p.requests[id] <- req
	return nil
}

// Release returns decoder id to the ready state after its result was
// received. status is the outcome of the decode.
func (p *Pool) Release(id int, status Status) {
	if id < 0 || id >= len(p.slots) {
		return
	}
	s := &p.slots[id]
	s.Status = Ready
	s.Last = status
	s.Index = -1
	s.Key = ""
}

// Close stops the decoders and waits for them to exit. Decodes in
// progress see the abort flag at their next check and finish as Aborted.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed = true
		p.abort.Store(true)
		close(p.quit)
		for _, c := range p.requests {
			close(c)
		}
		p.group.Wait()
	})
}
