package camera

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
)

// PreviewMode selects how the live preview is rendered.
type PreviewMode int

const (
	ModeNormal PreviewMode = iota
	ModeFocusPeak
	ModeOverexposed
	ModeHistogram
)

var previewModeNames = []string{"normal", "focus_peak", "overexposed", "histogram"}

func (m PreviewMode) String() string {
	if m < 0 || int(m) >= len(previewModeNames) {
		return "unknown"
	}
	return previewModeNames[m]
}

// Next cycles through the modes.
func (m PreviewMode) Next() PreviewMode {
	return (m + 1) % PreviewMode(len(previewModeNames))
}

// ParsePreviewMode accepts the names returned by String.
func ParsePreviewMode(s string) (PreviewMode, error) {
	for i, name := range previewModeNames {
		if strings.EqualFold(s, name) {
			return PreviewMode(i), nil
		}
	}
	return ModeNormal, fmt.Errorf("camera: unknown preview mode %q", s)
}

const (
	focusThreshold       = 80
	overexposedThreshold = 250
	histogramBins        = 256
	histogramHeight      = 256
	histogramExtremes    = 4
)

// renderPreview replaces the small preview. Processing happens outside the
// preview lock; only the swap is guarded.
func (c *Camera) renderPreview(f RawFrame, s Settings) {
	var out gocv.Mat
	switch s.PreviewMode {
	case ModeFocusPeak:
		out = focusPeak(f.Image, s)
	case ModeOverexposed:
		out = overexposed(f.Image, s)
	case ModeHistogram:
		out = histogram(f.Image, s)
	default:
		out = normalPreview(f.Image, s, f.BlackLevel)
	}

	c.previewMu.Lock()
	old, had := c.preview, c.hasPrev
	c.preview, c.hasPrev = out, true
	c.previewMu.Unlock()

	if had {
		old.Close()
	}
}

// storeLargePreview keeps an unprocessed full-resolution copy of the frame.
func (c *Camera) storeLargePreview(f RawFrame) {
	img := f.Image.Clone()

	c.largeMu.Lock()
	old, had := c.large, c.hasLarge
	c.large, c.largeBlack, c.hasLarge = img, f.BlackLevel, true
	c.largeMu.Unlock()

	if had {
		old.Close()
	}
}

// PreviewImage returns the small preview as JPEG.
func (c *Camera) PreviewImage() ([]byte, bool) {
	c.previewMu.Lock()
	if !c.hasPrev {
		c.previewMu.Unlock()
		return nil, false
	}
	img := c.preview.Clone()
	c.previewMu.Unlock()
	defer img.Close()

	data, err := colorproc.EncodeJPEG(img)
	if err != nil {
		c.log.Error("camera: preview encode failed", "error", err)
		return nil, false
	}
	return data, true
}

// LargePreviewImage develops the full-resolution preview on demand and
// returns it as JPEG.
func (c *Camera) LargePreviewImage() ([]byte, bool) {
	c.largeMu.Lock()
	if !c.hasLarge {
		c.largeMu.Unlock()
		return nil, false
	}
	img := c.large.Clone()
	black := c.largeBlack
	c.largeMu.Unlock()

	s := c.Settings()
	if s.NeedDebayer && img.Channels() == 1 {
		developed := colorproc.Debayer(img)
		img.Close()
		img = developed
		s.Balance.Apply(&img, black)
	}
	colorproc.ToEightBit(&img, s.BitDepth)
	colorproc.LinearToSRGB(&img)
	defer img.Close()

	data, err := colorproc.EncodeJPEG(img)
	if err != nil {
		c.log.Error("camera: large preview encode failed", "error", err)
		return nil, false
	}
	return data, true
}

// luma returns a cheap 8-bit single-channel working image.
func luma(img gocv.Mat, s Settings) gocv.Mat {
	work := gocv.NewMat()
	switch {
	case s.NeedDebayer && img.Channels() == 1:
		// Half-size nearest neighbour approximates luma without a debayer.
		gocv.Resize(img, &work, image.Point{}, 0.5, 0.5, gocv.InterpolationNearestNeighbor)
	case img.Channels() == 3:
		gocv.CvtColor(img, &work, gocv.ColorBGRToGray)
	default:
		img.CopyTo(&work)
	}
	colorproc.ToEightBit(&work, s.BitDepth)
	return work
}

func dilateMask(mask *gocv.Mat) {
	kernel := gocv.Ones(5, 5, gocv.MatTypeCV8U)
	defer kernel.Close()

	for i := 0; i < 2; i++ {
		dst := gocv.NewMat()
		gocv.Dilate(*mask, &dst, kernel)
		mask.Close()
		*mask = dst
	}
}

// overlay merges BGR planes, then downsizes and gamma-corrects for display.
func overlay(planes []gocv.Mat, s Settings) gocv.Mat {
	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge(planes, &merged)

	out := gocv.NewMat()
	gocv.Resize(merged, &out, image.Pt(s.PreviewWidth, s.PreviewHeight), 0, 0, gocv.InterpolationNearestNeighbor)
	colorproc.LinearToSRGB(&out)
	return out
}

// focusPeak highlights high-contrast regions in yellow.
func focusPeak(img gocv.Mat, s Settings) gocv.Mat {
	l := luma(img, s)
	defer l.Close()

	kernel := gocv.Ones(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	kernel.SetFloatAt(1, 1, -8)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Filter2D(l, &edges, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)

	mask := gocv.NewMat()
	defer func() { mask.Close() }()
	gocv.Threshold(edges, &mask, focusThreshold, 255, gocv.ThresholdBinary)
	dilateMask(&mask)

	rg := gocv.NewMat()
	defer rg.Close()
	gocv.Max(mask, l, &rg)

	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(mask, &inv)

	b := gocv.NewMat()
	defer b.Close()
	gocv.Min(inv, l, &b)

	return overlay([]gocv.Mat{b, rg, rg}, s)
}

// overexposed highlights saturated regions in red.
func overexposed(img gocv.Mat, s Settings) gocv.Mat {
	l := luma(img, s)
	defer l.Close()

	mask := gocv.NewMat()
	defer func() { mask.Close() }()
	gocv.Threshold(l, &mask, overexposedThreshold, 255, gocv.ThresholdBinary)
	dilateMask(&mask)

	r := gocv.NewMat()
	defer r.Close()
	gocv.Max(mask, l, &r)

	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(mask, &inv)

	gb := gocv.NewMat()
	defer gb.Close()
	gocv.Min(inv, l, &gb)

	return overlay([]gocv.Mat{gb, gb, r}, s)
}

// histogram draws a 256-bin intensity histogram per channel.
func histogram(img gocv.Mat, s Settings) gocv.Mat {
	var src gocv.Mat
	if s.NeedDebayer && img.Channels() == 1 {
		src = colorproc.Debayer(img)
	} else {
		src = img.Clone()
	}
	defer func() { src.Close() }()
	colorproc.ToEightBit(&src, s.BitDepth)

	channels := gocv.Split(src)
	canvases := make([]gocv.Mat, len(channels))
	defer func() {
		for i := range channels {
			channels[i].Close()
			canvases[i].Close()
		}
	}()

	mask := gocv.NewMat()
	defer mask.Close()

	highlight := color.RGBA{B: 255}
	grey := color.RGBA{B: 200}
	scale := 32.0 * histogramHeight / float64(src.Rows()*src.Cols())

	for c := range channels {
		canvases[c] = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), histogramHeight, histogramBins, gocv.MatTypeCV8UC1)

		hist := gocv.NewMat()
		gocv.CalcHist([]gocv.Mat{channels[c]}, []int{0}, mask, &hist, []int{histogramBins}, []float64{0, 256}, false)

		for i := 0; i < histogramBins; i++ {
			h := int(math.Round(float64(hist.GetFloatAt(i, 0)) * scale))
			if h > histogramHeight {
				h = histogramHeight
			}
			col := grey
			if i <= histogramExtremes || i >= histogramBins-1-histogramExtremes {
				col = highlight
			}
			gocv.Line(&canvases[c], image.Pt(i, histogramHeight), image.Pt(i, histogramHeight-h), col, 1)
		}
		hist.Close()
	}

	return overlay(canvases, s)
}

// normalPreview debayers, balances and downsizes before gamma correction.
func normalPreview(img gocv.Mat, s Settings, blackLevel int) gocv.Mat {
	src := img
	if s.NeedDebayer && img.Channels() == 1 {
		src = colorproc.Debayer(img)
		defer src.Close()
	}

	out := gocv.NewMat()
	gocv.Resize(src, &out, image.Pt(s.PreviewWidth, s.PreviewHeight), 0, 0, gocv.InterpolationNearestNeighbor)

	if s.NeedDebayer {
		s.Balance.Apply(&out, blackLevel)
	}
	colorproc.ToEightBit(&out, s.BitDepth)
	colorproc.LinearToSRGB(&out)
	return out
}
