package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// DefaultCodec is the fourcc used when none is configured.
const DefaultCodec = "MJPG"

// Movie appends every frame to a single streaming container in the first
// destination folder. Used for unbounded takes.
type Movie struct {
	format Format
	path   string
	codec  string

	writer *gocv.VideoWriter

	counter
	pipe *pipeline[gocv.Mat]
}

// NewMovie opens <folder>/<camera id>.avi for writing.
func NewMovie(format Format, folders []string, codec string) (*Movie, error) {
	if len(folders) == 0 {
		return nil, ErrNoDestination
	}
	if codec == "" {
		codec = DefaultCodec
	}
	if err := os.MkdirAll(folders[0], 0755); err != nil {
		return nil, fmt.Errorf("recorder: create movie folder: %w", err)
	}

	fps := format.Framerate
	if fps <= 0 {
		fps = 24
	}

	path := filepath.Join(folders[0], format.CameraID+".avi")
	writer, err := gocv.VideoWriterFile(path, codec, fps, format.Width, format.Height, format.NeedDebayer)
	if err != nil {
		return nil, fmt.Errorf("recorder: open movie %s: %w", path, err)
	}

	m := &Movie{
		format: format,
		path:   path,
		codec:  codec,
		writer: writer,
	}
	m.pipe = newPipeline(m.encode, m.write)

	slog.Debug("recorder: movie opened",
		"camera", format.CameraID,
		"path", path,
		"codec", codec,
		"fps", fps,
	)

	return m, nil
}

// Containers take 8-bit frames only.
func (m *Movie) encode(f Frame) (gocv.Mat, error) {
	return develop(f, m.format, true), nil
}

func (m *Movie) write(img gocv.Mat) error {
	defer img.Close()
	return m.writer.Write(img)
}

// Append implements Sink.
func (m *Movie) Append(img gocv.Mat, timestamp float64, blackLevel int) error {
	n, ok := m.accept(timestamp)
	if !ok {
		return ErrClosed
	}
	return m.pipe.submit(Frame{Image: img.Clone(), Timestamp: timestamp, BlackLevel: blackLevel, Index: n})
}

// FrameCount implements Sink.
func (m *Movie) FrameCount() int { return m.count() }

// BuffersUsed implements Sink.
func (m *Movie) BuffersUsed(stage Stage) int { return m.pipe.pending(stage) }

// Close implements Sink.
func (m *Movie) Close() error {
	if !m.markClosed() {
		return nil
	}
	pipeErr := m.pipe.close()
	closeErr := m.writer.Close()

	if pipeErr != nil {
		return fmt.Errorf("recorder: movie %s: %w", m.path, pipeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("recorder: close movie %s: %w", m.path, closeErr)
	}
	return nil
}

// Summarize implements Sink.
func (m *Movie) Summarize(doc Document) error {
	sec := doc.Section("movie")
	m.summarize(sec)
	sec["path"] = m.path
	sec["codec"] = m.codec
	sec["failed_frames"] = m.pipe.failed()
	return nil
}
