package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"strings"

	"github.com/xor-gate/goexif2/exif"
	"github.com/xor-gate/goexif2/tiff"
)

// orientation returns the EXIF orientation of b, 1 if unknown.
func orientation(b Blob) int {
	ex, err := exif.Decode(sectionOf(b))
	if err != nil {
		return 1
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

func exifThumbnail(b Blob) (image.Image, error) {
	ex, err := exif.Decode(sectionOf(b))
	if err != nil {
		return nil, err
	}
	data, err := ex.JpegThumbnail()
	if err != nil {
		return nil, err
	}
	return jpeg.Decode(bytes.NewReader(data))
}

// ExifSummary returns a one line human readable summary of the EXIF data of
// the file at path, or "" if there is none.
func ExifSummary(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	ex, err := exif.Decode(f)
	if err != nil {
		return ""
	}

	asString := func(t *tiff.Tag) string {
		return t.String()
	}

	asRatFloat := func(t *tiff.Tag) string {
		f, err := t.Rat(0)
		if err != nil {
			return "?"
		}
		return f.FloatString(2)
	}

	labels := []struct {
		pat     string
		name    exif.FieldName
		printer func(*tiff.Tag) string
	}{
		{"Date: %s", exif.DateTimeOriginal, asString},
		{"Model: %s", exif.Model, asString},
		{"f/%s", exif.FNumber, asRatFloat},
		{"Exp: %s", exif.ExposureTime, asRatFloat},
		{"ISO: %s", exif.ISOSpeedRatings, asString},
		{"Orientation: %s", exif.Orientation, asString},
	}

	var fields []string
	for _, label := range labels {
		if tag, err := ex.Get(label.name); err == nil {
			fields = append(fields, fmt.Sprintf(label.pat, label.printer(tag)))
		}
	}
	if len(fields) == 0 {
		return ""
	}
	return "Exif: " + strings.Join(fields, " ")
}
