// pkg/camera/camera.go
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
	"github.com/AlverezYari/captureframe/pkg/recorder"
)

// ErrNotCapturing is returned by StartRecording when no source is running.
var ErrNotCapturing = errors.New("camera: not capturing")

const (
	defaultFramerate    = 24
	defaultWidth        = 320
	defaultHeight       = 200
	defaultBitDepth     = 8
	defaultPreviewRes   = 160
	defaultFrameTimeout = 2 * time.Second
	fpsWindow           = 10
)

// Settings are the operator-configurable parameters of a camera.
type Settings struct {
	Width         int
	Height        int
	BitDepth      int // significant bits per pixel, 8..16
	Framerate     float64
	PreviewWidth  int
	PreviewHeight int
	NeedDebayer   bool // sensor delivers a single-channel BG mosaic
	Balance       colorproc.Balance
	HardwareSync  bool
	PreviewMode   PreviewMode
}

// Take describes one recording request.
type Take struct {
	Folders    []string
	FrameLimit int // <= 0 means unbounded
}

// SinkFactory builds the sinks for one take. The first sink is the primary
// one whose frame count drives the frame limit.
type SinkFactory func(cam *Camera, take Take) ([]recorder.Sink, error)

// Config configures a Camera.
type Config struct {
	ID       string // generated when empty
	Model    string
	Version  string
	Settings Settings

	ImageExt   string
	MovieCodec string

	// FrameTimeout is the stall duration after which the watchdog resets
	// the effective fps.
	FrameTimeout time.Duration

	NewSinks  SinkFactory
	OnSummary func(recorder.Document)

	Clock  func() time.Time
	Logger *slog.Logger
}

// Camera binds one frame source to its ingestion pipeline, recording state
// machine and preview buffers.
type Camera struct {
	id string

	settingsMu sync.RWMutex
	model      string
	version    string
	settings   Settings

	imageExt     string
	movieCodec   string
	frameTimeout time.Duration
	newSinks     SinkFactory
	onSummary    func(recorder.Document)
	clock        func() time.Time
	log          *slog.Logger

	// Touched only by the ingest goroutine.
	startTS float64
	lastTS  float64
	fps     *movingAverage

	capturing    atomic.Bool
	imageCounter atomic.Int64
	effectiveFPS atomicFloat
	lastFrameAt  atomic.Int64 // unix nanos

	// Recording state machine.
	recMu           sync.Mutex
	recording       bool
	waiting         bool
	hold            bool
	closing         bool
	triggerTimeout  bool
	waitBudget      float64
	framesRemaining int
	sinks           []recorder.Sink
	firstFrame      gocv.Mat
	firstBlack      int
	hasFirst        bool
	summary         recorder.Document
	lastClose       *takeClose

	encodingBuffers atomic.Int64
	writingBuffers  atomic.Int64

	previewMu sync.Mutex
	preview   gocv.Mat
	hasPrev   bool

	largeMu    sync.Mutex
	large      gocv.Mat
	largeBlack int
	hasLarge   bool

	capMu  sync.Mutex
	src    Source
	cancel func()
	done   chan struct{}
}

// New returns an idle camera.
func New(cfg Config) *Camera {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Model == "" {
		cfg.Model = "unknown"
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = defaultFrameTimeout
	}
	if cfg.NewSinks == nil {
		cfg.NewSinks = DefaultSinks
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &cfg.Settings
	if s.Width <= 0 {
		s.Width = defaultWidth
	}
	if s.Height <= 0 {
		s.Height = defaultHeight
	}
	if s.BitDepth == 0 {
		s.BitDepth = defaultBitDepth
	}
	if s.Framerate <= 0 {
		s.Framerate = defaultFramerate
	}
	if s.PreviewWidth <= 0 {
		s.PreviewWidth = defaultPreviewRes
	}
	if s.PreviewHeight <= 0 {
		s.PreviewHeight = defaultPreviewRes
	}

	return &Camera{
		id:           cfg.ID,
		model:        cfg.Model,
		version:      cfg.Version,
		settings:     cfg.Settings,
		imageExt:     cfg.ImageExt,
		movieCodec:   cfg.MovieCodec,
		frameTimeout: cfg.FrameTimeout,
		newSinks:     cfg.NewSinks,
		onSummary:    cfg.OnSummary,
		clock:        cfg.Clock,
		log:          cfg.Logger.With("camera", cfg.ID),
		fps:          newMovingAverage(fpsWindow),
	}
}

// DefaultSinks builds an image-sequence sink for bounded takes or a movie
// sink for unbounded ones, followed by a metadata sink.
func DefaultSinks(cam *Camera, take Take) ([]recorder.Sink, error) {
	format := cam.recorderFormat()

	var primary recorder.Sink
	var err error
	if take.FrameLimit > 0 {
		primary, err = recorder.NewImageSequence(format, take.Folders, cam.imageExt)
	} else {
		primary, err = recorder.NewMovie(format, take.Folders, cam.movieCodec)
	}
	if err != nil {
		return nil, err
	}

	meta, err := recorder.NewMetadata(format, take.Folders, cam)
	if err != nil {
		primary.Close()
		return nil, err
	}

	return []recorder.Sink{primary, meta}, nil
}

func (c *Camera) recorderFormat() recorder.Format {
	s := c.Settings()
	return recorder.Format{
		CameraID:    c.id,
		Framerate:   s.Framerate,
		Width:       s.Width,
		Height:      s.Height,
		BitDepth:    s.BitDepth,
		NeedDebayer: s.NeedDebayer,
		Balance:     s.Balance,
	}
}

// UniqueID is stable for the lifetime of the process.
func (c *Camera) UniqueID() string { return c.id }

func (c *Camera) Model() string {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.model
}

func (c *Camera) Version() string {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.version
}

// Settings returns a snapshot of the current settings.
func (c *Camera) Settings() Settings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

func (c *Camera) Width() int              { return c.Settings().Width }
func (c *Camera) Height() int             { return c.Settings().Height }
func (c *Camera) Framerate() float64      { return c.Settings().Framerate }
func (c *Camera) UsingHardwareSync() bool { return c.Settings().HardwareSync }

// EffectiveFPS is the windowed average of the instantaneous frame rate.
// May be slightly stale when read off the ingest goroutine.
func (c *Camera) EffectiveFPS() float64 { return c.effectiveFPS.Load() }

func (c *Camera) Capturing() bool   { return c.capturing.Load() }
func (c *Camera) ImageCount() int64 { return c.imageCounter.Load() }

func (c *Camera) update(fn func(s *Settings)) {
	c.settingsMu.Lock()
	fn(&c.settings)
	c.settingsMu.Unlock()
}

// SetIdentity is called by sources that know their model and version.
func (c *Camera) SetIdentity(model, version string) {
	c.settingsMu.Lock()
	c.model = model
	c.version = version
	c.settingsMu.Unlock()
}

// SetFormat sets the sensor format. Panics on a bit depth outside 8..16.
func (c *Camera) SetFormat(width, height, bitDepth int) {
	if bitDepth < 8 || bitDepth > 16 {
		panic(fmt.Sprintf("camera: bit depth %d outside [8,16]", bitDepth))
	}
	c.update(func(s *Settings) {
		s.Width = width
		s.Height = height
		s.BitDepth = bitDepth
	})
}

func (c *Camera) SetFramerate(fps float64) {
	c.update(func(s *Settings) { s.Framerate = fps })
}

func (c *Camera) SetPreviewMode(mode PreviewMode) {
	c.update(func(s *Settings) { s.PreviewMode = mode })
}

func (c *Camera) SetPreviewSize(width, height int) {
	c.update(func(s *Settings) {
		s.PreviewWidth = width
		s.PreviewHeight = height
	})
}

func (c *Camera) SetColorBalance(b colorproc.Balance) {
	c.update(func(s *Settings) { s.Balance = b })
}

func (c *Camera) SetNeedDebayer(need bool) {
	c.update(func(s *Settings) { s.NeedDebayer = need })
}

func (c *Camera) SetHardwareSync(on bool) {
	c.update(func(s *Settings) { s.HardwareSync = on })
}

// Status is a point-in-time view of a camera for dashboards and metrics.
type Status struct {
	ID              string
	Model           string
	Version         string
	Width           int
	Height          int
	BitDepth        int
	Framerate       float64
	EffectiveFPS    float64
	Capturing       bool
	Recording       bool
	Waiting         bool
	TriggerHold     bool
	TriggerTimeout  bool
	ImageCount      int64
	FramesRecorded  int
	EncodingBuffers int
	WritingBuffers  int
	PreviewMode     PreviewMode
}

func (c *Camera) Status() Status {
	s := c.Settings()
	st := Status{
		ID:              c.id,
		Model:           c.Model(),
		Version:         c.Version(),
		Width:           s.Width,
		Height:          s.Height,
		BitDepth:        s.BitDepth,
		Framerate:       s.Framerate,
		EffectiveFPS:    c.EffectiveFPS(),
		Capturing:       c.Capturing(),
		ImageCount:      c.ImageCount(),
		EncodingBuffers: c.BuffersUsed(recorder.StageEncoding),
		WritingBuffers:  c.BuffersUsed(recorder.StageWriting),
		PreviewMode:     s.PreviewMode,
	}

	c.recMu.Lock()
	st.Recording = c.recording
	st.Waiting = c.waiting
	st.TriggerHold = c.hold
	st.TriggerTimeout = c.triggerTimeout
	if len(c.sinks) > 0 {
		st.FramesRecorded = c.sinks[0].FrameCount()
	}
	c.recMu.Unlock()

	return st
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func (c *Camera) String() string {
	st := c.Status()
	return fmt.Sprintf("Camera %s/%s %dx%d rate:%gfps current:%.2f C:%s R:%s %s",
		st.Model, st.ID, st.Width, st.Height, st.Framerate, st.EffectiveFPS,
		yn(st.Capturing), yn(st.Recording), st.Version)
}

type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
