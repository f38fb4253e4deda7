package backends

import (
	"errors"
	"fmt"
	"image"
	stddraw "image/draw"
	"math"

	"golang.org/x/image/draw"

	"github.com/knights-analytics/pix2s/util/imageutil"
)

// PatchBatch holds the flattened patches of a batch of images, ready to be fed to the encoder.
type PatchBatch struct {
	// [Size, MaxPatches, Depth] row-major. Each patch is (row id, column id, pixel values in (y, x, channel) order).
	FlattenedPatches []float32
	// [Size, MaxPatches], 1 for real patches and 0 for padding.
	AttentionMask []float32
	Size          int
	MaxPatches    int
	Depth         int
}

// ImageProcessor turns images into Pix2Struct variable-resolution flattened patches.
type ImageProcessor struct {
	Config ImageProcessorConfig
}

func NewImageProcessor(config ImageProcessorConfig) (*ImageProcessor, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	enabled := true
	if config.DoNormalize == nil {
		config.DoNormalize = &enabled
	}
	if config.DoConvertRGB == nil {
		config.DoConvertRGB = &enabled
	}
	return &ImageProcessor{Config: config}, nil
}

// Depth is the length of one flattened patch: two position ids plus the RGB pixel values.
func (p *ImageProcessor) Depth() int {
	return 2 + p.Config.PatchSize.Height*p.Config.PatchSize.Width*3
}

// PatchGrid returns the number of patch rows and columns an image of the given size is resized to,
// preserving its aspect ratio while fitting into maxPatches patches.
func PatchGrid(height, width int, patchSize PatchSize, maxPatches int) (int, int) {
	ph, pw := float64(patchSize.Height), float64(patchSize.Width)
	h, w := float64(height), float64(width)
	scale := math.Sqrt(float64(maxPatches) * (ph / h) * (pw / w))
	rows := max(min(int(math.Floor(scale*h/ph)), maxPatches), 1)
	cols := max(min(int(math.Floor(scale*w/pw)), maxPatches), 1)
	return rows, cols
}

// Preprocess converts the images into a PatchBatch. The output order follows the input order.
func (p *ImageProcessor) Preprocess(images []image.Image) (*PatchBatch, error) {
	depth := p.Depth()
	maxPatches := p.Config.MaxPatches
	batch := &PatchBatch{
		FlattenedPatches: make([]float32, len(images)*maxPatches*depth),
		AttentionMask:    make([]float32, len(images)*maxPatches),
		Size:             len(images),
		MaxPatches:       maxPatches,
		Depth:            depth,
	}
	for i, img := range images {
		patches := batch.FlattenedPatches[i*maxPatches*depth : (i+1)*maxPatches*depth]
		mask := batch.AttentionMask[i*maxPatches : (i+1)*maxPatches]
		if err := p.extractFlattenedPatches(img, patches); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		for j := range maxPatches {
			if sum(patches[j*depth:(j+1)*depth]) != 0 {
				mask[j] = 1
			}
		}
	}
	return batch, nil
}

func (p *ImageProcessor) extractFlattenedPatches(img image.Image, dst []float32) error {
	if img == nil {
		return errors.New("nil image")
	}
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	if height <= 0 || width <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}

	var rgb *image.RGBA
	if *p.Config.DoConvertRGB {
		rgb = imageutil.ConvertToRGB(img)
	} else {
		rgb = image.NewRGBA(image.Rect(0, 0, width, height))
		stddraw.Draw(rgb, rgb.Bounds(), img, bounds.Min, stddraw.Src)
	}

	// Standardisation is affine, so the statistics of the source image can be applied after resizing.
	mean, std := 0.0, 1.0
	if *p.Config.DoNormalize {
		mean, std = imageStatistics(rgb)
	}

	ph, pw := p.Config.PatchSize.Height, p.Config.PatchSize.Width
	rows, cols := PatchGrid(height, width, p.Config.PatchSize, p.Config.MaxPatches)
	resized := image.NewRGBA64(image.Rect(0, 0, cols*pw, rows*ph))
	draw.BiLinear.Scale(resized, resized.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)

	depth := p.Depth()
	for r := range rows {
		for c := range cols {
			patch := dst[(r*cols+c)*depth : (r*cols+c+1)*depth]
			patch[0] = float32(r + 1)
			patch[1] = float32(c + 1)
			k := 2
			for y := r * ph; y < (r+1)*ph; y++ {
				for x := c * pw; x < (c+1)*pw; x++ {
					offset := resized.PixOffset(x, y)
					pix := resized.Pix[offset : offset+6 : offset+6]
					for channel := range 3 {
						value := float64(uint16(pix[2*channel])<<8|uint16(pix[2*channel+1])) / 257
						patch[k] = float32((value - mean) / std)
						k++
					}
				}
			}
		}
	}
	return nil
}

// imageStatistics returns the mean and the adjusted standard deviation over all RGB values (0-255 scale).
// The standard deviation is floored at 1/sqrt(number of values).
func imageStatistics(img *image.RGBA) (float64, float64) {
	bounds := img.Bounds()
	n := float64(bounds.Dx() * bounds.Dy() * 3)
	var total, squares float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[img.PixOffset(bounds.Min.X, y):img.PixOffset(bounds.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			for channel := range 3 {
				v := float64(row[i+channel])
				total += v
				squares += v * v
			}
		}
	}
	mean := total / n
	variance := math.Max(squares/n-mean*mean, 0)
	return mean, math.Max(math.Sqrt(variance), 1/math.Sqrt(n))
}

func sum(values []float32) float32 {
	var total float32
	for _, v := range values {
		total += v
	}
	return total
}
