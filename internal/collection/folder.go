package collection

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anastasop/imgcache/internal/decode"
)

// Item is one file of a Folder and its cache state.
type Item struct {
	Path            string
	Video           bool
	Width, Height   int
	EstimatedSizeMB float64
	MetadataReady   bool

	Caching   bool
	Cached    bool
	DecoderID int
	Attempts  int
	Status    decode.Status
}

// Folder is an in-memory Collection of files. It is safe for concurrent use.
type Folder struct {
	mu       sync.RWMutex
	items    []*Item
	index    map[string]int
	registry *decode.Registry
}

// NewFolder returns a folder of paths, in the given order. Duplicates are dropped.
func NewFolder(paths []string, registry *decode.Registry) *Folder {
	if registry == nil {
		registry = decode.DefaultRegistry()
	}
	f := &Folder{registry: registry}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		f.items = append(f.items, &Item{
			Path:      p,
			Video:     registry.IsVideoPath(p),
			DecoderID: -1,
			Status:    decode.Ready,
		})
	}
	f.reindex()
	return f
}

func (f *Folder) reindex() {
	f.index = make(map[string]int, len(f.items))
	for i, it := range f.items {
		f.index[it.Path] = i
	}
}

// at returns the item at i, or nil. Callers hold the lock.
func (f *Folder) at(i int) *Item {
	if i < 0 || i >= len(f.items) {
		return nil
	}
	return f.items[i]
}

func (f *Folder) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *Folder) PathAt(i int) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if it := f.at(i); it != nil {
		return it.Path
	}
	return ""
}

func (f *Folder) IndexOf(key string) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.index[key]
	return i, ok
}

func (f *Folder) EstimatedSizeMB(i int) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if it := f.at(i); it != nil {
		return it.EstimatedSizeMB
	}
	return 0
}

func (f *Folder) IsVideo(i int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if it := f.at(i); it != nil {
		return it.Video
	}
	return false
}

func (f *Folder) MetadataReady(i int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if it := f.at(i); it != nil {
		return it.MetadataReady
	}
	return false
}

// update applies fn to the item at i, if there is one.
func (f *Folder) update(i int, fn func(it *Item)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it := f.at(i); it != nil {
		fn(it)
	}
}

func (f *Folder) SetCaching(i int, caching bool) {
	f.update(i, func(it *Item) { it.Caching = caching })
}

func (f *Folder) SetCached(i int, cached bool) {
	f.update(i, func(it *Item) { it.Cached = cached })
}

func (f *Folder) SetDecoderID(i int, id int) {
	f.update(i, func(it *Item) { it.DecoderID = id })
}

func (f *Folder) SetAttempts(i int, n int) {
	f.update(i, func(it *Item) { it.Attempts = n })
}

func (f *Folder) SetDecodeStatus(i int, s decode.Status) {
	f.update(i, func(it *Item) { it.Status = s })
}

// updateKey applies fn to the item with key, if there is one.
func (f *Folder) updateKey(key string, fn func(it *Item)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.index[key]; ok {
		fn(f.items[i])
	}
}

// SetMetadata records the decoded dimensions of the item at i and marks it ready.
func (f *Folder) SetMetadata(i int, width, height int) {
	f.update(i, func(it *Item) { setDimensions(it, width, height) })
}

func setDimensions(it *Item, width, height int) {
	it.Width, it.Height = width, height
	it.EstimatedSizeMB = float64(4*width*height) / (1 << 20)
	it.MetadataReady = true
}

// Item returns a copy of the item at i.
func (f *Folder) Item(i int) (Item, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if it := f.at(i); it != nil {
		return *it, true
	}
	return Item{}, false
}

// Items returns a copy of all the items.
func (f *Folder) Items() []Item {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Item, len(f.items))
	for i, it := range f.items {
		out[i] = *it
	}
	return out
}

// Remove deletes the item with key. Later items move down one position.
func (f *Folder) Remove(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[key]
	if !ok {
		return false
	}
	f.items = slices.Delete(f.items, i, i+1)
	f.reindex()
	return true
}

// Rename changes the key of an item, keeping its position and state.
func (f *Folder) Rename(oldKey, newKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.index[oldKey]
	if !ok {
		return false
	}
	if _, taken := f.index[newKey]; taken {
		return false
	}
	f.items[i].Path = newKey
	delete(f.index, oldKey)
	f.index[newKey] = i
	return true
}

// SortBy reorders the items, keeping equal items in order.
func (f *Folder) SortBy(order func(a, b Item) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slices.SortStableFunc(f.items, func(a, b *Item) int { return order(*a, *b) })
	f.reindex()
}

// ByPath orders items by path.
func ByPath(a, b Item) int {
	return cmp.Compare(a.Path, b.Path)
}

// LoadMetadata reads the dimensions of every item not ready yet, using up
// to workers goroutines. Items that cannot be read are marked ready anyway
// so that the decoder reports the failure. Videos need no metadata.
func (f *Folder) LoadMetadata(ctx context.Context, workers int, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))

	for _, it := range f.Items() {
		if it.MetadataReady {
			continue
		}
		path := it.Path
		if it.Video {
			f.updateKey(path, func(it *Item) { it.MetadataReady = true })
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cfg, err := f.registry.Config(path)
			if err != nil {
				log.WithError(err).Debugf("metadata: %s", path)
				f.updateKey(path, func(it *Item) { it.MetadataReady = true })
				return nil
			}
			f.updateKey(path, func(it *Item) { setDimensions(it, cfg.Width, cfg.Height) })
			return nil
		})
	}
	return g.Wait()
}
