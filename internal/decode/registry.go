package decode

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var (
	errNotSupportedFormat = errors.New("not supported format")
	errNoPreview          = errors.New("no embedded preview")
)

// Blob is the content of a file, read in memory or mapped.
// Both *bytes.Reader and *mmap.ReaderAt satisfy it.
type Blob interface {
	io.ReaderAt
	Len() int
}

func sectionOf(b Blob) *io.SectionReader {
	return io.NewSectionReader(b, 0, int64(b.Len()))
}

// Decodable turns the contents of a file into a bitmap.
type Decodable interface {
	Decode(b Blob) (image.Image, error)
}

// DecodableFunc adapts a function to Decodable.
type DecodableFunc func(b Blob) (image.Image, error)

func (f DecodableFunc) Decode(b Blob) (image.Image, error) {
	return f(b)
}

// Streaming adapts an io.Reader decoder, like png.Decode, to Decodable.
func Streaming(fn func(io.Reader) (image.Image, error)) Decodable {
	return DecodableFunc(func(b Blob) (image.Image, error) {
		return fn(sectionOf(b))
	})
}

// Kind classifies a file for caching.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindVideo
)

// Format is the result of a registry lookup.
type Format struct {
	Kind      Kind
	Name      string
	Decodable Decodable
}

type registration struct {
	name      string
	decodable Decodable
	// container formats are matched by extension first, since their
	// signature is usually plain TIFF
	container bool
}

// Registry maps MIME types and file extensions to decoders.
// A format is selected once per item, from the file signature if
// it is known, otherwise from the extension.
type Registry struct {
	mu     sync.RWMutex
	byMIME map[string]*registration
	byExt  map[string]*registration
	videos map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byMIME: make(map[string]*registration),
		byExt:  make(map[string]*registration),
		videos: make(map[string]bool),
	}
}

// DefaultRegistry returns a registry with the formats supported out of the box.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("jpeg", Streaming(jpeg.Decode), []string{"image/jpeg"}, ".jpg", ".jpeg", ".jpe")
	r.Register("png", Streaming(png.Decode), []string{"image/png"}, ".png")
	r.Register("gif", Streaming(gif.Decode), []string{"image/gif"}, ".gif")
	r.Register("webp", Streaming(webp.Decode), []string{"image/webp"}, ".webp")
	r.Register("tiff", Streaming(tiff.Decode), []string{"image/tiff"}, ".tif", ".tiff")
	r.Register("bmp", Streaming(bmp.Decode), []string{"image/bmp"}, ".bmp")
	r.RegisterContainer("raw", DecodableFunc(decodeEmbeddedPreview),
		[]string{"image/x-canon-cr2"},
		".cr2", ".nef", ".arw", ".dng", ".orf", ".rw2", ".raf", ".pef", ".srw")
	r.RegisterVideo(".mp4", ".mov", ".avi", ".mkv", ".m4v", ".webm", ".mpg", ".mpeg", ".wmv", ".3gp")
	return r
}

// Register adds a decoder for the MIME types and extensions.
func (r *Registry) Register(name string, d Decodable, mimes []string, exts ...string) {
	r.register(&registration{name: name, decodable: d}, mimes, exts)
}

// RegisterContainer is like Register but the extensions take precedence
// over the file signature. Used for raw formats built on TIFF.
func (r *Registry) RegisterContainer(name string, d Decodable, mimes []string, exts ...string) {
	r.register(&registration{name: name, decodable: d, container: true}, mimes, exts)
}

func (r *Registry) register(reg *registration, mimes, exts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mimes {
		r.byMIME[m] = reg
	}
	for _, e := range exts {
		r.byExt[strings.ToLower(e)] = reg
	}
}

// RegisterVideo marks extensions as video. Videos are never decoded.
func (r *Registry) RegisterVideo(exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range exts {
		r.videos[strings.ToLower(e)] = true
	}
}

// IsVideoPath reports whether the extension of path is a known video type.
func (r *Registry) IsVideoPath(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.videos[strings.ToLower(filepath.Ext(path))]
}

// Supports reports whether path has an extension the registry knows, image or video.
func (r *Registry) Supports(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byExt[ext]
	return ok || r.videos[ext]
}

// Lookup selects the format for a file from its path and the first bytes of its content.
func (r *Registry) Lookup(path string, head []byte) Format {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.byExt[ext]; ok && reg.container {
		return Format{Kind: KindImage, Name: reg.name, Decodable: reg.decodable}
	}
	if filetype.IsVideo(head) || r.videos[ext] {
		return Format{Kind: KindVideo, Name: "video"}
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		if reg, ok := r.byMIME[kind.MIME.Value]; ok {
			return Format{Kind: KindImage, Name: reg.name, Decodable: reg.decodable}
		}
		return Format{Kind: KindUnknown, Name: kind.MIME.Value}
	}
	if reg, ok := r.byExt[ext]; ok {
		return Format{Kind: KindImage, Name: reg.name, Decodable: reg.decodable}
	}
	return Format{Kind: KindUnknown, Name: ext}
}

// sniffLen is enough for every signature filetype checks.
const sniffLen = 262

func head(b Blob) []byte {
	buf := make([]byte, min(sniffLen, b.Len()))
	n, _ := b.ReadAt(buf, 0)
	return buf[:n]
}

// decodeEmbeddedPreview extracts the largest JPEG preview embedded in a raw file.
// If none is found, it falls back to the EXIF thumbnail.
func decodeEmbeddedPreview(b Blob) (image.Image, error) {
	var best int64 = -1
	var bestArea int
	for _, off := range jpegMarkers(b) {
		cfg, err := jpeg.DecodeConfig(io.NewSectionReader(b, off, int64(b.Len())-off))
		if err != nil {
			continue
		}
		if area := cfg.Width * cfg.Height; area > bestArea {
			best, bestArea = off, area
		}
	}
	if best >= 0 {
		img, err := jpeg.Decode(io.NewSectionReader(b, best, int64(b.Len())-best))
		if err == nil {
			return img, nil
		}
	}

	thumb, err := exifThumbnail(b)
	if err != nil {
		return nil, fmt.Errorf("raw: %w", errNoPreview)
	}
	return thumb, nil
}

// maxMarkers bounds the number of candidate previews inspected per file.
const maxMarkers = 32

// jpegMarkers returns the offsets of JPEG start-of-image markers in b.
func jpegMarkers(b Blob) []int64 {
	const chunk = 64 * 1024
	soi := []byte{0xFF, 0xD8, 0xFF}

	var offsets []int64
	buf := make([]byte, chunk+len(soi)-1)
	size := int64(b.Len())
	for base := int64(0); base < size && len(offsets) < maxMarkers; base += chunk {
		n, _ := b.ReadAt(buf, base)
		data := buf[:n]
		for i := 0; i+len(soi) <= len(data) && i < chunk; i++ {
			if data[i] == soi[0] && data[i+1] == soi[1] && data[i+2] == soi[2] {
				offsets = append(offsets, base+int64(i))
				if len(offsets) == maxMarkers {
					break
				}
			}
		}
	}
	return offsets
}

// Config returns the dimensions of the image the file at path decodes to,
// without decoding it.
func (r *Registry) Config(path string) (image.Config, error) {
	blob, closeBlob, err := openFile(path)
	if err != nil {
		return image.Config{}, err
	}
	defer closeBlob()

	format := r.Lookup(path, head(blob))
	switch {
	case format.Kind != KindImage:
		return image.Config{}, fmt.Errorf("config %s: %s: %w", path, format.Name, errNotSupportedFormat)
	case format.Name == "raw":
		return previewConfig(blob)
	}
	cfg, _, err := image.DecodeConfig(sectionOf(blob))
	if err != nil {
		return image.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if orientation(blob) >= 5 {
		cfg.Width, cfg.Height = cfg.Height, cfg.Width
	}
	return cfg, nil
}

// previewConfig returns the dimensions of the largest embedded preview.
func previewConfig(b Blob) (image.Config, error) {
	var best image.Config
	for _, off := range jpegMarkers(b) {
		cfg, err := jpeg.DecodeConfig(io.NewSectionReader(b, off, int64(b.Len())-off))
		if err == nil && cfg.Width*cfg.Height > best.Width*best.Height {
			best = cfg
		}
	}
	if best.Width == 0 {
		return best, errNoPreview
	}
	return best, nil
}
