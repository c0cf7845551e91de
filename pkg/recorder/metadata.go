package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"
)

// FrameRecord is one entry of the per-take metadata log.
type FrameRecord struct {
	Index      int     `msgpack:"index"`
	Timestamp  float64 `msgpack:"ts"`
	BlackLevel int     `msgpack:"black_level"`
	Mean       float64 `msgpack:"mean"`
}

// Metadata logs per-frame statistics as a msgpack stream and reports derived
// timing figures. It reads camera-level figures through CameraInfo and never
// mutates the camera.
type Metadata struct {
	format Format
	camera CameraInfo
	path   string

	file *os.File
	buf  *bufio.Writer
	enc  *msgpack.Encoder

	// Written by the writer goroutine, read after Close.
	maxGap  float64
	sumMean float64
	prevTS  float64
	written int

	counter
	pipe *pipeline[FrameRecord]
}

// NewMetadata creates <folder>/<camera id>_meta.msgpack in the first folder.
func NewMetadata(format Format, folders []string, cam CameraInfo) (*Metadata, error) {
	if len(folders) == 0 {
		return nil, ErrNoDestination
	}
	if err := os.MkdirAll(folders[0], 0755); err != nil {
		return nil, fmt.Errorf("recorder: create metadata folder: %w", err)
	}

	path := filepath.Join(folders[0], format.CameraID+"_meta.msgpack")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create metadata log: %w", err)
	}

	buf := bufio.NewWriter(file)
	m := &Metadata{
		format: format,
		camera: cam,
		path:   path,
		file:   file,
		buf:    buf,
		enc:    msgpack.NewEncoder(buf),
	}
	m.pipe = newPipeline(m.encode, m.write)
	return m, nil
}

func (m *Metadata) encode(f Frame) (FrameRecord, error) {
	defer f.Image.Close()

	mean := f.Image.Mean()
	return FrameRecord{
		Index:      f.Index,
		Timestamp:  f.Timestamp,
		BlackLevel: f.BlackLevel,
		Mean:       mean.Val1,
	}, nil
}

func (m *Metadata) write(rec FrameRecord) error {
	if m.written > 0 {
		m.maxGap = math.Max(m.maxGap, rec.Timestamp-m.prevTS)
	}
	m.prevTS = rec.Timestamp
	m.sumMean += rec.Mean
	m.written++

	if err := m.enc.Encode(&rec); err != nil {
		return fmt.Errorf("encode record %d: %w", rec.Index, err)
	}
	return nil
}

// Append implements Sink.
func (m *Metadata) Append(img gocv.Mat, timestamp float64, blackLevel int) error {
	n, ok := m.accept(timestamp)
	if !ok {
		return ErrClosed
	}
	return m.pipe.submit(Frame{Image: img.Clone(), Timestamp: timestamp, BlackLevel: blackLevel, Index: n})
}

// FrameCount implements Sink.
func (m *Metadata) FrameCount() int { return m.count() }

// BuffersUsed implements Sink.
func (m *Metadata) BuffersUsed(stage Stage) int { return m.pipe.pending(stage) }

// Close implements Sink.
func (m *Metadata) Close() error {
	if !m.markClosed() {
		return nil
	}
	pipeErr := m.pipe.close()
	flushErr := m.buf.Flush()
	closeErr := m.file.Close()

	switch {
	case pipeErr != nil:
		return fmt.Errorf("recorder: metadata %s: %w", m.path, pipeErr)
	case flushErr != nil:
		return fmt.Errorf("recorder: flush metadata %s: %w", m.path, flushErr)
	case closeErr != nil:
		return fmt.Errorf("recorder: close metadata %s: %w", m.path, closeErr)
	}
	return nil
}

// Summarize implements Sink.
func (m *Metadata) Summarize(doc Document) error {
	sec := doc.Section("metadata")
	m.summarize(sec)
	sec["path"] = m.path
	sec["width"] = m.camera.Width()
	sec["height"] = m.camera.Height()
	sec["camera_effective_fps"] = m.camera.EffectiveFPS()

	n := m.count()
	if n > 1 {
		span := m.lastTS - m.firstTS
		sec["duration"] = span
		if span > 0 {
			sec["average_fps"] = float64(n-1) / span
		}
		sec["max_frame_gap"] = m.maxGap
		if m.format.Framerate > 0 {
			expected := int(math.Round(span*m.format.Framerate)) + 1
			sec["dropped_frames_estimate"] = max(expected-n, 0)
		}
	}
	if m.written > 0 {
		sec["mean_intensity"] = m.sumMean / float64(m.written)
	}
	return nil
}

// ReadMetadata decodes a metadata log written by a Metadata sink.
func ReadMetadata(path string) ([]FrameRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	var records []FrameRecord
	for {
		var rec FrameRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("recorder: decode metadata: %w", err)
		}
		records = append(records, rec)
	}
}
