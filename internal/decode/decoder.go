// Package decode turns image files into bitmaps on a pool of workers.
//
// A decoder never touches the cache or the collection. It reports every
// outcome, including failures, as a Result with a Status.
package decode

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EpochSource reports the epoch currently active. Requests issued under
// another epoch are stale.
type EpochSource interface {
	Epoch() uint64
}

// Request asks a decoder to decode the item at Index, stored at path Key.
type Request struct {
	Index int
	Key   string
	Epoch uint64
}

// Result is the outcome of a Request.
type Result struct {
	DecoderID int
	Index     int
	Key       string
	Epoch     uint64
	Status    Status
	Bitmap    image.Image
	SizeMB    float64
	Video     bool // the item is a video; it has no bitmap
	Format    string
	Err       error
	Elapsed   time.Duration
}

// Options configure how files are decoded.
type Options struct {
	Registry *Registry
	// MmapThresholdMB maps files of at least this size instead of reading them.
	// Zero disables mapping.
	MmapThresholdMB float64
	// MaxDimension scales down decoded images larger than this. Zero keeps full resolution.
	MaxDimension int
	// ColorManage enables ColorTransform.
	ColorManage bool
	// ColorTransform defaults to SRGB.
	ColorTransform func(image.Image) image.Image
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = DefaultRegistry()
	}
	if o.ColorTransform == nil {
		o.ColorTransform = SRGB
	}
	return o
}

// Decoder decodes one request at a time.
type Decoder struct {
	id     int
	opts   Options
	epochs EpochSource
	abort  *atomic.Bool
	log    *logrus.Entry
}

// NewDecoder returns a decoder. abort is checked between work units; it may be nil.
func NewDecoder(id int, epochs EpochSource, abort *atomic.Bool, opts Options, log *logrus.Entry) *Decoder {
	if abort == nil {
		abort = new(atomic.Bool)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{
		id:     id,
		opts:   opts.withDefaults(),
		epochs: epochs,
		abort:  abort,
		log:    log.WithField("decoder", id),
	}
}

// interrupted returns the status that stops req, if any.
func (d *Decoder) interrupted(req Request) (Status, bool) {
	if d.abort.Load() {
		return Aborted, true
	}
	if d.epochs != nil && d.epochs.Epoch() != req.Epoch {
		return InstanceClash, true
	}
	return Busy, false
}

// Decode reads and decodes the file of req.
func (d *Decoder) Decode(req Request) (res Result) {
	start := time.Now()
	res = Result{
		DecoderID: d.id,
		Index:     req.Index,
		Key:       req.Key,
		Epoch:     req.Epoch,
		Status:    Failed,
	}
	defer func() {
		res.Elapsed = time.Since(start)
		d.log.WithFields(logrus.Fields{
			"index":  req.Index,
			"status": res.Status,
			"format": res.Format,
			"time":   res.Elapsed,
		}).Tracef("decode %s", req.Key)
	}()
	// codecs may panic on corrupt data
	defer func() {
		if r := recover(); r != nil {
			res.Status = Failed
			res.Bitmap = nil
			res.Err = fmt.Errorf("decode %s: panic: %v", req.Key, r)
		}
	}()

	if st, stop := d.interrupted(req); stop {
		res.Status = st
		return res
	}

	blob, closeBlob, err := openBlob(req.Key, int64(d.opts.MmapThresholdMB*(1<<20)))
	if err != nil {
		res.Status = FileOpenError
		res.Err = err
		return res
	}
	defer closeBlob()

	format := d.opts.Registry.Lookup(req.Key, head(blob))
	res.Format = format.Name
	switch format.Kind {
	case KindVideo:
		res.Status = UnsupportedType
		res.Video = true
		return res
	case KindUnknown:
		res.Status = UnsupportedType
		res.Err = fmt.Errorf("decode %s: %s: %w", req.Key, format.Name, errNotSupportedFormat)
		return res
	}

	if st, stop := d.interrupted(req); stop {
		res.Status = st
		return res
	}

	img, err := format.Decodable.Decode(blob)
	if err != nil {
		res.Status = Failed
		res.Err = fmt.Errorf("decode %s: %w", req.Key, err)
		return res
	}

	if st, stop := d.interrupted(req); stop {
		res.Status = st
		return res
	}

	img = orient(img, orientation(blob))
	img = fitWithin(img, d.opts.MaxDimension)
	if d.opts.ColorManage {
		img = d.opts.ColorTransform(img)
	}

	res.Status = Success
	res.Bitmap = img
	res.SizeMB = footprintMB(img)
	return res
}
