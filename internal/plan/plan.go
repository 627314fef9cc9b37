// Package plan decides which items of a collection should be kept decoded.
package plan

// DefaultThreshold is the number of steps against the current direction
// needed to reverse it.
const DefaultThreshold = 3

// Navigation tracks the position and the direction of travel. The
// direction has hysteresis: browsing back and forth a little does not
// reverse it.
type Navigation struct {
	Current   int
	Previous  int
	Forward   bool
	Threshold int

	acc int // steps taken against the direction since the last reset
}

// NewNavigation returns a navigation at index 0 moving forward.
func NewNavigation(threshold int) Navigation {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Navigation{Forward: true, Threshold: threshold}
}

// Accumulated returns the pending steps against the direction.
func (n *Navigation) Accumulated() int {
	return n.acc
}

// Move goes to index to, in a collection of length size.
func (n *Navigation) Move(to, size int) {
	n.Previous = n.Current
	n.Current = to
	step := to - n.Previous

	switch {
	case step == 0:
	case (step > 0) == n.Forward:
		n.acc = 0
	default:
		if n.acc != 0 && (n.acc > 0) != (step > 0) {
			n.acc = 0
		}
		n.acc += step
		if abs(n.acc) >= n.Threshold {
			n.Forward = !n.Forward
			n.acc = 0
		}
	}

	// at the edges there is only one way to go
	if to <= 0 {
		n.Forward = true
		n.acc = 0
	} else if to >= size-1 {
		n.Forward = false
		n.acc = 0
	}
}

// Policy is the ratio of items taken ahead of the position to items taken behind.
type Policy struct {
	Ahead  int
	Behind int
}

// DefaultPolicy takes two items ahead for every item behind.
var DefaultPolicy = Policy{Ahead: 2, Behind: 1}

// View is what the planner needs to know about a collection.
type View interface {
	Len() int
	// SizeMB is the memory an item takes or is estimated to take when decoded.
	SizeMB(i int) float64
	// Cached reports whether the item is already decoded.
	Cached(i int) bool
	// Skip reports items never to decode: videos and items that failed too often.
	Skip(i int) bool
}

// Range is the interval of items to keep decoded and the items still to decode.
type Range struct {
	First, Last int
	// Worklist is ordered by distance from the position, nearest first.
	Worklist []int
	// SizeMB is the memory planned for the range.
	SizeMB float64
}

// Empty reports whether the range holds no items.
func (r Range) Empty() bool {
	return r.Last < r.First
}

// Contains reports whether i is in [First, Last].
func (r Range) Contains(i int) bool {
	return r.First <= i && i <= r.Last
}

// Len returns the number of indices in the range.
func (r Range) Len() int {
	if r.Empty() {
		return 0
	}
	return r.Last - r.First + 1
}

// EmptyRange is a range with no items.
var EmptyRange = Range{First: 0, Last: -1}

// Plan computes the range around current that fits in maxMB. It walks
// outwards from current taking p.Ahead items in the direction of travel for
// every p.Behind items in the other. A side stops at the end of the
// collection or at the first item that does not fit in the budget.
func Plan(current int, forward bool, maxMB float64, p Policy, v View) Range {
	size := v.Len()
	if size == 0 || maxMB <= 0 {
		return EmptyRange
	}
	current = min(max(current, 0), size-1)
	if p.Ahead <= 0 && p.Behind <= 0 {
		p = DefaultPolicy
	}
	p.Ahead, p.Behind = max(p.Ahead, 0), max(p.Behind, 0)

	r := Range{First: current, Last: current}
	visit := func(i int) bool {
		if v.Skip(i) {
			r.First, r.Last = min(r.First, i), max(r.Last, i)
			return true
		}
		sz := v.SizeMB(i)
		if r.SizeMB+sz > maxMB {
			return false
		}
		r.SizeMB += sz
		r.First, r.Last = min(r.First, i), max(r.Last, i)
		if !v.Cached(i) {
			r.Worklist = append(r.Worklist, i)
		}
		return true
	}

	if !visit(current) {
		return EmptyRange
	}

	step := 1
	if !forward {
		step = -1
	}
	inside := func(i int) bool { return i >= 0 && i < size }
	ahead, behind := current+step, current-step
	// a side with no weight is never walked
	aheadOpen := inside(ahead) && p.Ahead > 0
	behindOpen := inside(behind) && p.Behind > 0

	// once a side is closed the other takes all the remaining budget
	for aheadOpen || behindOpen {
		for k := 0; aheadOpen && (k < p.Ahead || !behindOpen); k++ {
			if !visit(ahead) {
				aheadOpen = false
				break
			}
			ahead += step
			aheadOpen = inside(ahead)
		}
		for k := 0; behindOpen && (k < p.Behind || !aheadOpen); k++ {
			if !visit(behind) {
				behindOpen = false
				break
			}
			behind -= step
			behindOpen = inside(behind)
		}
	}
	return r
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
