package prefetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/decode"
)

var errBroken = errors.New("broken image")

// fakeCodec decodes files whose content is their name into square RGBA
// images, 1MB each unless sized otherwise.
type fakeCodec struct {
	mu       sync.Mutex
	gate     chan struct{}
	started  chan string
	failures map[string]int // failures left, negative for always
	sides    map[string]int
	active   map[string]int
	overlap  bool
	decoded  map[string]int
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		failures: make(map[string]int),
		sides:    make(map[string]int),
		active:   make(map[string]int),
		decoded:  make(map[string]int),
	}
}

func (f *fakeCodec) Decode(b decode.Blob) (image.Image, error) {
	buf := make([]byte, b.Len())
	_, _ = b.ReadAt(buf, 0)
	name := string(buf)

	f.mu.Lock()
	f.active[name]++
	if f.active[name] > 1 {
		f.overlap = true
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[name]--
		f.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- name:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failures[name]; n != 0 {
		if n > 0 {
			f.failures[name] = n - 1
		}
		return nil, errBroken
	}
	f.decoded[name]++
	side := f.sides[name]
	if side == 0 {
		side = 512
	}
	return image.NewRGBA(image.Rect(0, 0, side, side)), nil
}

func (f *fakeCodec) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

func fakeRegistry(codec *fakeCodec) *decode.Registry {
	r := decode.NewRegistry()
	r.Register("fake", codec, nil, ".fake")
	r.RegisterVideo(".mp4")
	return r
}

// newFolder writes n fake images named prefix-NNN.fake and returns their
// folder, every item estimated at 1MB.
func newFolder(t *testing.T, reg *decode.Registry, prefix string, n int) (*collection.Folder, []string) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range n {
		name := fmt.Sprintf("%s-%03d.fake", prefix, i)
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], []byte(name), 0o644))
	}
	f := collection.NewFolder(paths, reg)
	for i := range n {
		f.SetMetadata(i, 512, 512)
	}
	return f, paths
}

func plenty() (float64, error) { return 1 << 20, nil }

func newController(t *testing.T, reg *decode.Registry, opts Options) *Controller {
	t.Helper()
	opts.Decode.Registry = reg
	if opts.Available == nil {
		opts.Available = plenty
	}
	if opts.Decoders == 0 {
		opts.Decoders = 4
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 5 * time.Millisecond
	}
	opts.Log = quietLog()
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func settle(t *testing.T, c *Controller) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := c.WaitSettled(ctx)
	require.NoError(t, err)
	require.False(t, s.Active)
	return s
}

func cachedKeys(c *Controller, paths []string) []int {
	var idx []int
	for i, p := range paths {
		if c.IsCached(p) {
			idx = append(idx, i)
		}
	}
	return idx
}

func between(first, last int) []int {
	var idx []int
	for i := first; i <= last; i++ {
		idx = append(idx, i)
	}
	return idx
}

func TestControllerWarmsAroundPosition(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, paths := newFolder(t, reg, "img", 100)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10, MinMB: 1}})

	require.NoError(t, c.ReplaceCollection(folder))
	require.NoError(t, c.PositionChanged(50))
	s := settle(t, c)

	assert.Equal(t, 47, s.TargetFirst)
	assert.Equal(t, 56, s.TargetLast)
	assert.True(t, s.Complete)
	assert.True(t, s.Forward)
	assert.Equal(t, 50, s.Position)
	assert.Equal(t, between(47, 56), cachedKeys(c, paths))
	assert.InDelta(t, 10.0, c.UsageMB(), 1e-9)
	assert.LessOrEqual(t, s.UsageMB, s.BudgetMB)

	for i, it := range folder.Items() {
		assert.Equal(t, i >= 47 && i <= 56, it.Cached, "item %d", i)
		assert.False(t, it.Caching, "item %d", i)
	}

	img, ok := c.TryGet(paths[50])
	require.True(t, ok)
	assert.Equal(t, 512, img.Bounds().Dx())
	_, ok = c.TryGet(paths[0])
	assert.False(t, ok)

	// a jump far away leaves nothing of the old neighborhood
	require.NoError(t, c.PositionChanged(90))
	s = settle(t, c)
	assert.Equal(t, 87, s.TargetFirst)
	assert.Equal(t, 96, s.TargetLast)
	assert.Equal(t, between(87, 96), cachedKeys(c, paths))
	it, _ := folder.Item(50)
	assert.False(t, it.Cached)
}

func TestControllerDirection(t *testing.T) {
	reg := fakeRegistry(newFakeCodec())
	folder, _ := newFolder(t, reg, "img", 20)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 3}})

	require.NoError(t, c.ReplaceCollection(folder))
	for _, p := range []int{10, 9, 8} {
		require.NoError(t, c.PositionChanged(p))
	}
	s := settle(t, c)
	assert.True(t, s.Forward, "two steps back keep the direction")
	assert.Equal(t, -2, s.Reversal)
	assert.Equal(t, 8, s.TargetFirst)
	assert.Equal(t, 10, s.TargetLast)
	require.Len(t, s.Decoders, 4)
	for _, sl := range s.Decoders {
		assert.Equal(t, decode.Ready, sl.Status, "decoder %d", sl.ID)
	}

	require.NoError(t, c.PositionChanged(7))
	s = settle(t, c)
	assert.False(t, s.Forward)
	assert.Zero(t, s.Reversal)
	assert.Equal(t, 5, s.TargetFirst)
	assert.Equal(t, 7, s.TargetLast)
}

func TestControllerDiscardsStaleEpoch(t *testing.T) {
	codec := newFakeCodec()
	codec.gate = make(chan struct{})
	codec.started = make(chan string, 16)
	reg := fakeRegistry(codec)
	folderA, pathsA := newFolder(t, reg, "a", 20)
	folderB, pathsB := newFolder(t, reg, "b", 20)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10}})

	require.NoError(t, c.ReplaceCollection(folderA))
	select {
	case <-codec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no decode started")
	}
	require.NoError(t, c.ReplaceCollection(folderB))
	close(codec.gate)
	s := settle(t, c)

	assert.Equal(t, uint64(2), s.Epoch)
	assert.Empty(t, cachedKeys(c, pathsA))
	assert.Equal(t, between(0, 9), cachedKeys(c, pathsB))
	for i, it := range folderA.Items() {
		assert.False(t, it.Cached, "item %d", i)
		assert.False(t, it.Caching, "item %d", i)
	}
}

func TestControllerRetriesFailures(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, paths := newFolder(t, reg, "img", 10)
	codec.failures["img-002.fake"] = 2
	codec.failures["img-004.fake"] = -1
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 100}, MaxAttempts: 3})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)

	assert.True(t, s.Complete)
	assert.True(t, c.IsCached(paths[2]))
	assert.False(t, c.IsCached(paths[4]))

	it, _ := folder.Item(2)
	assert.Equal(t, 2, it.Attempts)
	assert.Equal(t, decode.Success, it.Status)
	assert.True(t, it.Cached)

	it, _ = folder.Item(4)
	assert.Equal(t, 3, it.Attempts)
	assert.Equal(t, decode.Failed, it.Status)
	assert.False(t, it.Cached)
	assert.False(t, it.Caching)
}

func TestControllerReportsCurrentFailure(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, paths := newFolder(t, reg, "img", 5)
	codec.failures["img-000.fake"] = -1

	var mu sync.Mutex
	var failed []string
	c := newController(t, reg, Options{
		Budget:      budget.Budget{MaxMB: 100},
		MaxAttempts: 2,
		OnCurrentFailed: func(key string, status decode.Status, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, key)
			assert.Equal(t, decode.Failed, status)
			assert.ErrorIs(t, err, errBroken)
		},
	})

	require.NoError(t, c.ReplaceCollection(folder))
	settle(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{paths[0], paths[0]}, failed)
}

func TestControllerExclusiveDecodes(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, _ := newFolder(t, reg, "img", 40)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 8}, Decoders: 6})

	require.NoError(t, c.ReplaceCollection(folder))
	for _, p := range []int{1, 2, 3, 20, 19, 18, 17, 30, 5, 6, 39, 38, 0} {
		require.NoError(t, c.PositionChanged(p))
	}
	s := settle(t, c)

	assert.False(t, codec.overlapped(), "an item was decoded twice at once")
	assert.LessOrEqual(t, s.UsageMB, s.BudgetMB)
	assert.Equal(t, 0, s.Busy)
	assert.Equal(t, 0, s.Pending)
	for i, it := range folder.Items() {
		assert.False(t, it.Caching, "item %d", i)
		assert.Equal(t, it.Cached, i >= s.TargetFirst && i <= s.TargetLast, "item %d", i)
	}
}

func TestControllerEnforcesBudget(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, paths := newFolder(t, reg, "img", 20)
	// decoded images are four times their estimate
	for _, p := range paths {
		codec.sides[filepath.Base(p)] = 1024
	}
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10}, Decoders: 1})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)

	assert.LessOrEqual(t, c.UsageMB(), 10.0)
	assert.LessOrEqual(t, s.UsageMB, s.BudgetMB)
	assert.True(t, c.IsCached(paths[0]))
	assert.NotEmpty(t, cachedKeys(c, paths))
	for _, i := range cachedKeys(c, paths) {
		assert.True(t, i >= s.TargetFirst && i <= s.TargetLast, "item %d", i)
	}
}

func TestControllerCurrentOverBudget(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	folder, paths := newFolder(t, reg, "img", 5)
	for _, p := range paths {
		codec.sides[filepath.Base(p)] = 1024
	}
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 2}, Decoders: 1})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)

	assert.LessOrEqual(t, s.UsageMB, 2.0)
	assert.Zero(t, c.UsageMB())
	assert.Empty(t, cachedKeys(c, paths))
	assert.Greater(t, s.TargetFirst, s.TargetLast, "empty range")
	for i, it := range folder.Items() {
		assert.False(t, it.Cached, "item %d", i)
		assert.False(t, it.Caching, "item %d", i)
	}
}

func TestControllerBudget(t *testing.T) {
	reg := fakeRegistry(newFakeCodec())
	folder, paths := newFolder(t, reg, "img", 20)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10}})

	require.NoError(t, c.ReplaceCollection(folder))
	settle(t, c)
	assert.Equal(t, between(0, 9), cachedKeys(c, paths))

	require.NoError(t, c.BudgetChanged(budget.Budget{MaxMB: 4, MinMB: 1}))
	s := settle(t, c)
	assert.Equal(t, between(0, 3), cachedKeys(c, paths))
	assert.InDelta(t, 4.0, s.BudgetMB, 1e-9)

	assert.Error(t, c.BudgetChanged(budget.Budget{MaxMB: 1, MinMB: 2}))
}

func TestControllerLowMemory(t *testing.T) {
	reg := fakeRegistry(newFakeCodec())
	folder, paths := newFolder(t, reg, "img", 20)
	c := newController(t, reg, Options{
		Budget:    budget.Budget{MaxMB: 100, MinMB: 1},
		Available: func() (float64, error) { return 3, nil },
	})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)
	assert.InDelta(t, 3.0, s.BudgetMB, 1e-9)
	assert.Equal(t, between(0, 2), cachedKeys(c, paths))
}

func TestControllerVideos(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.fake", "clip.mp4", "b.fake"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		paths = append(paths, p)
	}
	folder := collection.NewFolder(paths, reg)
	folder.SetMetadata(0, 512, 512)
	folder.SetMetadata(2, 512, 512)
	require.NoError(t, folder.LoadMetadata(context.Background(), 1, quietLog()))
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 2}})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)

	assert.True(t, s.Complete)
	assert.Equal(t, []int{0, 2}, cachedKeys(c, paths))
	it, _ := folder.Item(1)
	assert.True(t, it.Cached, "videos are flagged cached")
	assert.InDelta(t, 2.0, c.UsageMB(), 1e-9)
}

func TestControllerRenameAndRemove(t *testing.T) {
	reg := fakeRegistry(newFakeCodec())
	folder, paths := newFolder(t, reg, "img", 5)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 100}})

	require.NoError(t, c.ReplaceCollection(folder))
	settle(t, c)
	require.Equal(t, between(0, 4), cachedKeys(c, paths))

	renamed := paths[1] + ".renamed"
	require.True(t, folder.Rename(paths[1], renamed))
	require.NoError(t, c.ItemRenamed(paths[1], renamed))
	settle(t, c)
	assert.False(t, c.IsCached(paths[1]))
	_, ok := c.TryGet(renamed)
	assert.True(t, ok)

	require.True(t, folder.Remove(paths[3]))
	require.NoError(t, c.ItemRemoved(paths[3]))
	s := settle(t, c)
	assert.False(t, c.IsCached(paths[3]))
	assert.Equal(t, 4, s.Cached)
	assert.True(t, s.Complete)
}

func TestControllerWaitsForMetadata(t *testing.T) {
	codec := newFakeCodec()
	reg := fakeRegistry(codec)
	dir := t.TempDir()
	var paths []string
	for i := range 3 {
		name := fmt.Sprintf("img-%03d.fake", i)
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		paths = append(paths, p)
	}
	folder := collection.NewFolder(paths, reg)
	folder.SetMetadata(0, 512, 512)
	folder.SetMetadata(2, 512, 512)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 100}, MaxRetries: 1})

	require.NoError(t, c.ReplaceCollection(folder))
	s := settle(t, c)
	assert.False(t, s.Complete)
	assert.Equal(t, []int{0, 2}, cachedKeys(c, paths))

	folder.SetMetadata(1, 512, 512)
	require.NoError(t, c.ContentChanged())
	s = settle(t, c)
	assert.True(t, s.Complete)
	assert.Equal(t, []int{0, 1, 2}, cachedKeys(c, paths))
}

func TestControllerClose(t *testing.T) {
	codec := newFakeCodec()
	codec.gate = make(chan struct{})
	reg := fakeRegistry(codec)
	folder, _ := newFolder(t, reg, "img", 10)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10}})

	require.NoError(t, c.ReplaceCollection(folder))
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(codec.gate)
	}()
	c.Close()
	c.Close()

	assert.ErrorIs(t, c.PositionChanged(1), ErrClosed)
	_, err := c.WaitSettled(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, c.UsageMB())
}

func TestWaitSettledContext(t *testing.T) {
	codec := newFakeCodec()
	codec.gate = make(chan struct{})
	reg := fakeRegistry(codec)
	folder, _ := newFolder(t, reg, "img", 10)
	c := newController(t, reg, Options{Budget: budget.Budget{MaxMB: 10}})
	defer close(codec.gate)

	require.NoError(t, c.ReplaceCollection(folder))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := c.WaitSettled(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Active)
}
