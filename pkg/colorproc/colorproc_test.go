package colorproc

import (
	"bytes"
	"testing"

	"gocv.io/x/gocv"
)

func filled(rows, cols int, mt gocv.MatType, v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), rows, cols, mt)
}

func TestToEightBit(t *testing.T) {
	tests := []struct {
		name     string
		bitDepth int
		value    float64
		want     uint8
	}{
		{"12-bit full scale", 12, 4095, 255},
		{"12-bit half", 12, 2048, 128},
		{"16-bit", 16, 65535, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := filled(4, 4, gocv.MatTypeCV16UC1, tt.value)
			defer img.Close()

			ToEightBit(&img, tt.bitDepth)

			if img.Type() != gocv.MatTypeCV8UC1 {
				t.Fatalf("type=%v, want CV8UC1", img.Type())
			}
			if got := img.GetUCharAt(1, 1); got != tt.want {
				t.Errorf("pixel=%d, want %d", got, tt.want)
			}
		})
	}
}

func TestToEightBitLeavesEightBitAlone(t *testing.T) {
	img := filled(2, 2, gocv.MatTypeCV8UC1, 77)
	defer img.Close()

	ToEightBit(&img, 12)

	if got := img.GetUCharAt(0, 0); got != 77 {
		t.Errorf("pixel=%d, want 77", got)
	}
}

func TestLinearToSRGBEndpoints(t *testing.T) {
	for _, v := range []float64{0, 255} {
		img := filled(2, 2, gocv.MatTypeCV8UC1, v)
		LinearToSRGB(&img)
		if got := img.GetUCharAt(0, 0); float64(got) != v {
			t.Errorf("LinearToSRGB(%v)=%d, want unchanged", v, got)
		}
		img.Close()
	}

	img := filled(2, 2, gocv.MatTypeCV8UC1, 64)
	defer img.Close()
	LinearToSRGB(&img)
	if got := img.GetUCharAt(0, 0); got <= 64 {
		t.Errorf("mid-tone not brightened: %d", got)
	}
}

func TestBalanceApplySubtractsBlackLevel(t *testing.T) {
	img := filled(2, 2, gocv.MatTypeCV8UC3, 100)
	defer img.Close()

	Balance{R: 2, G: 1, B: 0.5}.Apply(&img, 20)

	// BGR order: B=(100-20)*0.5, G=80, R=160
	want := []uint8{40, 80, 160}
	for ch, w := range want {
		if got := img.GetVecbAt(0, 0)[ch]; got != w {
			t.Errorf("channel %d=%d, want %d", ch, got, w)
		}
	}
}

func TestEncodeJPEG(t *testing.T) {
	img := filled(8, 8, gocv.MatTypeCV8UC1, 128)
	defer img.Close()

	data, err := EncodeJPEG(img)
	if err != nil {
		t.Fatalf("EncodeJPEG() failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		t.Errorf("missing JPEG SOI marker: % x", data[:2])
	}
}
