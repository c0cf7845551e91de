package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
)

// DefaultImageExt is used when no image extension is configured.
const DefaultImageExt = ".png"

// develop debayers, color balances and normalizes the bit depth of a raw
// frame. It takes ownership of f.Image.
func develop(f Frame, format Format, eightBit bool) gocv.Mat {
	out := f.Image
	if format.NeedDebayer && out.Channels() == 1 {
		out = colorproc.Debayer(f.Image)
		f.Image.Close()
		format.Balance.Apply(&out, f.BlackLevel)
	}

	if eightBit {
		colorproc.ToEightBit(&out, format.BitDepth)
	} else {
		colorproc.ToFullRange(&out, format.BitDepth)
	}
	return out
}

type imageFile struct {
	img  gocv.Mat
	path string
}

// ImageSequence writes one file per frame, spreading frames round-robin over
// its destination folders. Used for takes with a frame limit.
type ImageSequence struct {
	format  Format
	folders []string
	ext     string

	counter
	pipe *pipeline[imageFile]
}

// NewImageSequence creates <folder>/<camera id>/ under every folder and
// starts the pipeline.
func NewImageSequence(format Format, folders []string, ext string) (*ImageSequence, error) {
	if len(folders) == 0 {
		return nil, ErrNoDestination
	}
	if ext == "" {
		ext = DefaultImageExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dirs := make([]string, 0, len(folders))
	for _, folder := range folders {
		dir := filepath.Join(folder, format.CameraID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("recorder: create image folder: %w", err)
		}
		dirs = append(dirs, dir)
	}

	s := &ImageSequence{
		format:  format,
		folders: dirs,
		ext:     strings.ToLower(ext),
	}
	s.pipe = newPipeline(s.encode, s.write)

	slog.Debug("recorder: image sequence opened",
		"camera", format.CameraID,
		"folders", dirs,
		"ext", s.ext,
	)

	return s, nil
}

func (s *ImageSequence) encode(f Frame) (imageFile, error) {
	eightBit := s.ext == ".jpg" || s.ext == ".jpeg"
	img := develop(f, s.format, eightBit)

	dir := s.folders[f.Index%len(s.folders)]
	name := fmt.Sprintf("%s_%06d%s", s.format.CameraID, f.Index, s.ext)
	return imageFile{img: img, path: filepath.Join(dir, name)}, nil
}

func (s *ImageSequence) write(f imageFile) error {
	defer f.img.Close()
	if ok := gocv.IMWrite(f.path, f.img); !ok {
		return fmt.Errorf("write %s failed", f.path)
	}
	return nil
}

// Append implements Sink.
func (s *ImageSequence) Append(img gocv.Mat, timestamp float64, blackLevel int) error {
	n, ok := s.accept(timestamp)
	if !ok {
		return ErrClosed
	}
	return s.pipe.submit(Frame{Image: img.Clone(), Timestamp: timestamp, BlackLevel: blackLevel, Index: n})
}

// FrameCount implements Sink.
func (s *ImageSequence) FrameCount() int { return s.count() }

// BuffersUsed implements Sink.
func (s *ImageSequence) BuffersUsed(stage Stage) int { return s.pipe.pending(stage) }

// Close implements Sink.
func (s *ImageSequence) Close() error {
	s.markClosed()
	if err := s.pipe.close(); err != nil {
		return fmt.Errorf("recorder: image sequence %s: %w", s.format.CameraID, err)
	}
	return nil
}

// Summarize implements Sink.
func (s *ImageSequence) Summarize(doc Document) error {
	sec := doc.Section("images")
	s.summarize(sec)
	sec["folders"] = s.folders
	sec["extension"] = s.ext
	sec["failed_frames"] = s.pipe.failed()
	return nil
}
