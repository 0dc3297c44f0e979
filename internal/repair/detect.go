// Package repair finds panoramas with a black band along the bottom edge and
// rebuilds them at their original size from the usable top region.
package repair

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// maxCheckRows bounds how far up from the bottom edge the scan goes
const maxCheckRows = 200

// Detection is the result of inspecting one image
type Detection struct {
	HasBorder    bool
	ValidBottom  int // first row below the usable region, relative to Min.Y
	BorderHeight int
	Height       int
}

// Inspect scans rows bottom-up over at most min(h/2, 200) rows. The first
// row whose mean luminance exceeds threshold ends the scan; if none does,
// the image is taken to have no border. The image is flagged when the
// border is taller than ratio*h.
func Inspect(img image.Image, threshold, ratio float64) Detection {
	b := img.Bounds()
	h := b.Dy()
	checkRows := min(h/2, maxCheckRows)

	validBottom := h
	for y := h - 1; y >= h-checkRows; y-- {
		if rowLuminance(img, b.Min.Y+y) > threshold {
			validBottom = y + 1
			break
		}
	}

	border := h - validBottom
	return Detection{
		HasBorder:    float64(border) > ratio*float64(h),
		ValidBottom:  validBottom,
		BorderHeight: border,
		Height:       h,
	}
}

// rowLuminance returns the mean 0.299R+0.587G+0.114B of row y, on the 0-255
// scale
func rowLuminance(img image.Image, y int) float64 {
	b := img.Bounds()
	w := b.Dx()
	if w == 0 {
		return 0
	}

	var sum float64
	switch m := img.(type) {
	case *image.YCbCr:
		// JPEG luma is already the BT.601 weighting
		off := (y - m.Rect.Min.Y) * m.YStride
		for _, v := range m.Y[off : off+w] {
			sum += float64(v)
		}
	case *image.RGBA:
		off := m.PixOffset(b.Min.X, y)
		px := m.Pix[off : off+4*w]
		for i := 0; i < len(px); i += 4 {
			sum += 0.299*float64(px[i]) + 0.587*float64(px[i+1]) + 0.114*float64(px[i+2])
		}
	case *image.Gray:
		off := m.PixOffset(b.Min.X, y)
		for _, v := range m.Pix[off : off+w] {
			sum += float64(v)
		}
	default:
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
		}
	}
	return sum / float64(w)
}

// CropRect returns the region kept by a repair: the rows above validBottom,
// then cut from the top-left corner to the target aspect ratio. The width is
// cut when the ideal width fits, otherwise the height.
func CropRect(bounds image.Rectangle, validBottom int, aspect float64) image.Rectangle {
	validW := bounds.Dx()
	validH := validBottom

	w, h := validW, validH
	if idealW := int(float64(validH) * aspect); idealW <= validW {
		w = idealW
	} else {
		h = int(float64(validW) / aspect)
	}
	return image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+w, bounds.Min.Y+h)
}

// Rebuild crops img per CropRect and scales the result back to the
// original dimensions with a Catmull-Rom kernel
func Rebuild(img image.Image, validBottom int, aspect float64) *image.RGBA {
	b := img.Bounds()
	crop := CropRect(b, validBottom, aspect)

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if crop.Empty() {
		draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, crop, xdraw.Src, nil)
	return dst
}
