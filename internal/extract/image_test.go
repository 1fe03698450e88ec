package extract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"slices"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// withDeclaredSize rewrites the IHDR of a PNG so its header claims w×h pixels.
func withDeclaredSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := slices.Clone(data)
	if string(out[12:16]) != "IHDR" {
		t.Fatal("IHDR chunk not found")
	}
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecodeImage(t *testing.T) {
	img := solidImage(8, 6, color.RGBA{200, 100, 50, 255})

	var jpg, gf bytes.Buffer
	if err := jpeg.Encode(&jpg, img, nil); err != nil {
		t.Fatal(err)
	}
	if err := gif.Encode(&gf, img, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		data       []byte
		maxPixels  int
		wantFormat string
		wantErr    bool
	}{
		{"png", encodePNG(t, img), 0, "png", false},
		{"jpeg", jpg.Bytes(), 0, "jpeg", false},
		{"gif", gf.Bytes(), 0, "gif", false},
		{"exactly at pixel cap", encodePNG(t, img), 48, "png", false},
		{"empty", nil, 0, "", true},
		{"garbage", []byte("definitely not an image"), 0, "", true},
		{"truncated png", encodePNG(t, img)[:20], 0, "", true},
		{"over pixel cap", encodePNG(t, img), 47, "", true},
		{"huge declared size", withDeclaredSize(t, encodePNG(t, img), 60000, 60000), 0, "", true},
		{"just over default cap", withDeclaredSize(t, encodePNG(t, img), 8000, 5001), 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, format, err := DecodeImage(tt.data, tt.maxPixels)
			if tt.wantErr {
				if !errors.Is(err, ErrExtraction) {
					t.Fatalf("err = %v, want ErrExtraction", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if format != tt.wantFormat {
				t.Errorf("format = %q, want %q", format, tt.wantFormat)
			}
			if got.Bounds().Dx() != 8 || got.Bounds().Dy() != 6 {
				t.Errorf("bounds = %v", got.Bounds())
			}
		})
	}
}

func near(a, b float32) bool {
	// one 8-bit step of resampling error, in preprocessed units
	return math.Abs(float64(a-b)) < 1.01
}

func TestToTensor_Caffe(t *testing.T) {
	img := solidImage(10, 7, color.RGBA{10, 20, 30, 255})
	for _, layout := range []Layout{LayoutNHWC, LayoutNCHW} {
		t.Run(string(layout), func(t *testing.T) {
			out, err := ToTensor(img, 4, layout, PreprocessCaffe)
			if err != nil {
				t.Fatal(err)
			}
			if len(out) != 3*4*4 {
				t.Fatalf("len = %d, want 48", len(out))
			}
			// BGR minus ImageNet means
			want := [3]float32{30 - 103.939, 20 - 116.779, 10 - 123.68}
			for p := 0; p < 16; p++ {
				for c := 0; c < 3; c++ {
					var got float32
					if layout == LayoutNHWC {
						got = out[p*3+c]
					} else {
						got = out[c*16+p]
					}
					if !near(got, want[c]) {
						t.Fatalf("pixel %d channel %d = %v, want %v", p, c, got, want[c])
					}
				}
			}
		})
	}
}

func TestToTensor_Torch(t *testing.T) {
	img := solidImage(5, 5, color.RGBA{255, 0, 128, 255})
	out, err := ToTensor(img, 2, LayoutNCHW, PreprocessTorch)
	if err != nil {
		t.Fatal(err)
	}
	want := [3]float32{
		(1 - 0.485) / 0.229,
		(0 - 0.456) / 0.224,
		(128.0/255 - 0.406) / 0.225,
	}
	for c := 0; c < 3; c++ {
		for p := 0; p < 4; p++ {
			if got := out[c*4+p]; math.Abs(float64(got-want[c])) > 0.05 {
				t.Errorf("channel %d pixel %d = %v, want %v", c, p, got, want[c])
			}
		}
	}
}

func TestToTensor_Invalid(t *testing.T) {
	img := solidImage(2, 2, color.RGBA{A: 255})
	if _, err := ToTensor(img, 2, "hwc", PreprocessCaffe); err == nil {
		t.Error("expected error for unknown layout")
	}
	if _, err := ToTensor(img, 2, LayoutNHWC, "tf"); err == nil {
		t.Error("expected error for unknown preprocess mode")
	}
}

func TestInputShape(t *testing.T) {
	if got := inputShape(224, LayoutNHWC); !slices.Equal(got, []int64{1, 224, 224, 3}) {
		t.Errorf("nhwc shape = %v", got)
	}
	if got := inputShape(224, LayoutNCHW); !slices.Equal(got, []int64{1, 3, 224, 224}) {
		t.Errorf("nchw shape = %v", got)
	}
}
