package imagery

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	// Register decoders used for tiles and repair inputs
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality matches the quality used when no option is given
const DefaultJPEGQuality = 75

// Encode writes img in the named format ("jpeg", "png", "webp", "bmp",
// "tiff")
func Encode(w io.Writer, img image.Image, format string, jpegQuality int) error {
	switch format {
	case "jpeg", "jpg":
		if jpegQuality <= 0 || jpegQuality > 100 {
			jpegQuality = DefaultJPEGQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "png":
		return png.Encode(w, img)
	case "webp":
		return nativewebp.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported image format: %s", format)
	}
}

// EncodeBytes is Encode into memory
func EncodeBytes(img image.Image, format string, jpegQuality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, jpegQuality); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// DecodeFile reads and decodes an image file of any registered format
func DecodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}
