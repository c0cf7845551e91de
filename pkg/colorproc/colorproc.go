// Package colorproc holds the pixel transforms shared by preview rendering
// and the recorder sinks: debayer, color balance, bit-depth normalization
// and display gamma. Every function is stateless apart from the cached
// gamma lookup table.
package colorproc

import (
	"math"
	"sync"

	"gocv.io/x/gocv"
)

// Balance holds per-channel gains applied after black-level subtraction.
type Balance struct {
	R float32 `mapstructure:"r" yaml:"r" json:"r"`
	G float32 `mapstructure:"g" yaml:"g" json:"g"`
	B float32 `mapstructure:"b" yaml:"b" json:"b"`
}

// Neutral is the identity balance.
var Neutral = Balance{R: 1, G: 1, B: 1}

func (b Balance) orNeutral() Balance {
	if b.R == 0 && b.G == 0 && b.B == 0 {
		return Neutral
	}
	return b
}

// Debayer reconstructs a 3-channel BGR image from a single-channel BG mosaic.
// The caller owns the returned Mat.
func Debayer(src gocv.Mat) gocv.Mat {
	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, gocv.ColorBayerBGToBGR)
	return dst
}

// Apply subtracts blackLevel and scales each channel by its gain, in place.
// Single-channel images only get the black level removed and the green gain.
func (b Balance) Apply(img *gocv.Mat, blackLevel int) {
	b = b.orNeutral()
	black := float32(blackLevel)

	if img.Channels() == 1 {
		scaleInPlace(img, b.G, -black*b.G)
		return
	}

	channels := gocv.Split(*img)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	// Split yields BGR order.
	gains := []float32{b.B, b.G, b.R}
	for i := range channels {
		if i >= len(gains) {
			break
		}
		scaleInPlace(&channels[i], gains[i], -black*gains[i])
	}
	gocv.Merge(channels, img)
}

// ToEightBit rescales an image holding bitDepth significant bits into the
// 0-255 range. Images already stored as 8-bit are left untouched.
func ToEightBit(img *gocv.Mat, bitDepth int) {
	if bitDepth <= 8 || depth(*img) == gocv.MatTypeCV8U {
		return
	}
	dst := gocv.NewMat()
	img.ConvertToWithParams(&dst, gocv.MatTypeCV8U, 1.0/float32(int(1)<<(bitDepth-8)), 0)
	swap(img, dst)
}

// ToFullRange stretches bitDepth significant bits to the full 16-bit range
// so 10/12-bit sensor data displays correctly in 16-bit containers.
func ToFullRange(img *gocv.Mat, bitDepth int) {
	if bitDepth <= 8 || bitDepth >= 16 || depth(*img) != gocv.MatTypeCV16U {
		return
	}
	scaleInPlace(img, float32(int(1)<<(16-bitDepth)), 0)
}

// LinearToSRGB applies the sRGB transfer curve to an 8-bit image in place.
func LinearToSRGB(img *gocv.Mat) {
	if img.Empty() || depth(*img) != gocv.MatTypeCV8U {
		return
	}
	dst := gocv.NewMat()
	gocv.LUT(*img, srgbTable(), &dst)
	swap(img, dst)
}

var (
	srgbOnce sync.Once
	srgbLUT  gocv.Mat
)

func srgbTable() gocv.Mat {
	srgbOnce.Do(func() {
		srgbLUT = gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8U)
		for i := 0; i < 256; i++ {
			srgbLUT.SetUCharAt(0, i, uint8(math.Round(255*srgbEncode(float64(i)/255))))
		}
	})
	return srgbLUT
}

func srgbEncode(c float64) float64 {
	if c <= 0.0031308 {
		return 12.92 * c
	}
	return 1.055*math.Pow(c, 1/2.4) - 0.055
}

func scaleInPlace(img *gocv.Mat, alpha, beta float32) {
	dst := gocv.NewMat()
	img.ConvertToWithParams(&dst, depth(*img), alpha, beta)
	swap(img, dst)
}

func depth(m gocv.Mat) gocv.MatType {
	return m.Type() & 7
}

// swap replaces *img with dst and frees the previous contents.
func swap(img *gocv.Mat, dst gocv.Mat) {
	img.Close()
	*img = dst
}

// EncodeJPEG encodes img and returns a Go-owned copy of the bytes.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
