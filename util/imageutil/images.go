package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/pix2s/util/fileutil"
)

var ErrEmptyImage = errors.New("empty image data")

// DecodeImage decodes PNG, JPEG, GIF, BMP, TIFF or WebP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// LoadImagesFromPaths reads and decodes images from local or S3 paths, preserving order.
func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", path, err)
		}
		img, err := DecodeImage(b)
		if err != nil {
			return nil, fmt.Errorf("decoding image %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// ConvertToRGB returns an opaque RGBA copy of img anchored at the origin. Transparent pixels are
// composited over white, the way PIL's convert("RGB") flattens palette and alpha images.
func ConvertToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if !hasAlpha(img) {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}

func hasAlpha(img image.Image) bool {
	switch typed := img.(type) {
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		return false
	case *image.RGBA:
		return !typed.Opaque()
	case *image.NRGBA:
		return !typed.Opaque()
	case *image.Paletted:
		return !typed.Opaque()
	default:
		return true
	}
}
