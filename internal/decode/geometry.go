package decode

import (
	"image"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// bestScaler is used to scale down large images.
var bestScaler xdraw.Scaler = xdraw.CatmullRom

// orient applies the EXIF orientation o to img.
func orient(img image.Image, o int) image.Image {
	if o <= 1 || o > 8 {
		return img
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	mx, my := float64(b.Min.X), float64(b.Min.Y)

	// s2d maps source coordinates to destination coordinates.
	var s2d f64.Aff3
	dst := image.Rect(0, 0, b.Dx(), b.Dy())
	switch o {
	case 2: // mirror horizontal
		s2d = f64.Aff3{-1, 0, w + mx, 0, 1, -my}
	case 3: // rotate 180
		s2d = f64.Aff3{-1, 0, w + mx, 0, -1, h + my}
	case 4: // mirror vertical
		s2d = f64.Aff3{1, 0, -mx, 0, -1, h + my}
	case 5: // transpose
		s2d = f64.Aff3{0, 1, -my, 1, 0, -mx}
	case 6: // rotate 90 cw
		s2d = f64.Aff3{0, -1, h + my, 1, 0, -mx}
	case 7: // transverse
		s2d = f64.Aff3{0, -1, h + my, -1, 0, w + mx}
	case 8: // rotate 90 ccw
		s2d = f64.Aff3{0, 1, -my, -1, 0, w + mx}
	}
	if o >= 5 {
		dst = image.Rect(0, 0, b.Dy(), b.Dx())
	}

	out := image.NewRGBA(dst)
	xdraw.NearestNeighbor.Transform(out, s2d, img, b, xdraw.Src, nil)
	return out
}

// center assume sr fits in dr and centers it inside dr. If this is not the case, it returns dr.
func center(dr, sr image.Rectangle) image.Rectangle {
	dx := dr.Dx() - sr.Dx()
	dy := dr.Dy() - sr.Dy()

	if dx < 0 || dy < 0 {
		return dr
	}

	return sr.Sub(sr.Min).Add(dr.Min.Add(image.Pt(dx, dy).Div(2)))
}

// bestFit scales down sr to fix in dr. If sr already fits, it is not scaled up.
func bestFit(dr, sr image.Rectangle) image.Rectangle {
	var r image.Rectangle
	if sr.Dx() <= dr.Dx() && sr.Dy() <= dr.Dy() {
		r = sr
	} else {
		scale := max(float32(sr.Dy())/float32(dr.Dy()), float32(sr.Dx())/float32(dr.Dx()))
		r.Max.X = int(float32(sr.Dx()) / scale)
		r.Max.Y = int(float32(sr.Dy()) / scale)
	}
	return center(dr, r)
}

// fitWithin scales img down so that no side is longer than maxDim.
func fitWithin(img image.Image, maxDim int) image.Image {
	sr := img.Bounds()
	if maxDim <= 0 || (sr.Dx() <= maxDim && sr.Dy() <= maxDim) {
		return img
	}
	dr := bestFit(image.Rect(0, 0, maxDim, maxDim), sr)
	dr = dr.Sub(dr.Min)
	out := image.NewRGBA(dr)
	bestScaler.Scale(out, dr, img, sr, xdraw.Src, nil)
	return out
}

// SRGB converts img to non-premultiplied RGBA. It is the default
// color transform when color management is enabled.
func SRGB(img image.Image) image.Image {
	switch img.(type) {
	case *image.NRGBA, *image.RGBA:
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	xdraw.Draw(out, b, img, b.Min, xdraw.Src)
	return out
}

// footprintMB returns the memory held by the pixels of img in MB.
func footprintMB(img image.Image) float64 {
	var n int
	switch t := img.(type) {
	case *image.RGBA:
		n = len(t.Pix)
	case *image.NRGBA:
		n = len(t.Pix)
	case *image.RGBA64:
		n = len(t.Pix)
	case *image.NRGBA64:
		n = len(t.Pix)
	case *image.Gray:
		n = len(t.Pix)
	case *image.Gray16:
		n = len(t.Pix)
	case *image.CMYK:
		n = len(t.Pix)
	case *image.Paletted:
		n = len(t.Pix) + 4*len(t.Palette)
	case *image.YCbCr:
		n = len(t.Y) + len(t.Cb) + len(t.Cr)
	default:
		n = 4 * img.Bounds().Dx() * img.Bounds().Dy()
	}
	return float64(n) / (1 << 20)
}
