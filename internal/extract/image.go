package extract

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	caffeMeanBGR = [3]float32{103.939, 116.779, 123.68}
	torchMean    = [3]float32{0.485, 0.456, 0.406}
	torchStd     = [3]float32{0.229, 0.224, 0.225}
)

// DefaultMaxImagePixels caps the declared width*height of an image before it is decoded.
const DefaultMaxImagePixels = 40_000_000

// DecodeImage decodes JPEG, PNG, GIF or WebP data and returns the format name.
// Images declaring more than maxPixels pixels are rejected from the header alone;
// maxPixels <= 0 means DefaultMaxImagePixels.
func DecodeImage(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrExtraction)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxImagePixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image header: %v", ErrExtraction, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrExtraction)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: image is %dx%d, over the %d pixel limit", ErrExtraction, cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %v", ErrExtraction, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrExtraction)
	}
	return img, format, nil
}

// ToTensor resizes img to size×size RGB (alpha dropped) and returns the
// normalized pixel data in the requested layout. The result has 3*size*size elements.
func ToTensor(img image.Image, size int, layout Layout, mode Preprocess) ([]float32, error) {
	if layout != LayoutNHWC && layout != LayoutNCHW {
		return nil, fmt.Errorf("unknown tensor layout %q", layout)
	}
	if mode != PreprocessCaffe && mode != PreprocessTorch {
		return nil, fmt.Errorf("unknown preprocess mode %q", mode)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := dst.PixOffset(x, y)
			rgb := [3]float32{
				float32(dst.Pix[off]),
				float32(dst.Pix[off+1]),
				float32(dst.Pix[off+2]),
			}
			var px [3]float32
			switch mode {
			case PreprocessCaffe:
				// channel order becomes BGR
				for c := 0; c < 3; c++ {
					px[c] = rgb[2-c] - caffeMeanBGR[c]
				}
			case PreprocessTorch:
				for c := 0; c < 3; c++ {
					px[c] = (rgb[c]/255 - torchMean[c]) / torchStd[c]
				}
			}
			p := y*size + x
			for c := 0; c < 3; c++ {
				if layout == LayoutNHWC {
					out[p*3+c] = px[c]
				} else {
					out[c*plane+p] = px[c]
				}
			}
		}
	}
	return out, nil
}

// inputShape returns the model input shape for a single image.
func inputShape(size int, layout Layout) []int64 {
	s := int64(size)
	if layout == LayoutNCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}
