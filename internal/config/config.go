package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AlverezYari/captureframe/pkg/colorproc"
)

const (
	BackendWebcam      = "webcam"
	BackendTestPattern = "testpattern"
)

// NodeConfig holds settings for the capture node process
type NodeConfig struct {
	ID        string `mapstructure:"id" yaml:"id"`
	Address   string `mapstructure:"address" yaml:"address"`
	TLSCert   string `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey    string `mapstructure:"tls_key" yaml:"tls_key,omitempty"`
	Metrics   bool   `mapstructure:"metrics" yaml:"metrics"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"` // text, json
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
}

// CameraConfig describes one camera attached to the node
type CameraConfig struct {
	ID            string            `mapstructure:"id" yaml:"id,omitempty"`
	Backend       string            `mapstructure:"backend" yaml:"backend"`
	Device        int               `mapstructure:"device" yaml:"device"`
	Width         int               `mapstructure:"width" yaml:"width"`
	Height        int               `mapstructure:"height" yaml:"height"`
	BitDepth      int               `mapstructure:"bit_depth" yaml:"bit_depth"`
	Framerate     float64           `mapstructure:"framerate" yaml:"framerate"`
	PreviewWidth  int               `mapstructure:"preview_width" yaml:"preview_width"`
	PreviewHeight int               `mapstructure:"preview_height" yaml:"preview_height"`
	NeedDebayer   bool              `mapstructure:"need_debayer" yaml:"need_debayer"`
	ColorBalance  colorproc.Balance `mapstructure:"color_balance" yaml:"color_balance"`
	HardwareSync  bool              `mapstructure:"hardware_sync" yaml:"hardware_sync"`
	FrameTimeout  time.Duration     `mapstructure:"frame_timeout" yaml:"frame_timeout"`

	// Test pattern only: pause the synthetic clock every N frames.
	TriggerEvery int           `mapstructure:"trigger_every" yaml:"trigger_every,omitempty"`
	TriggerGap   time.Duration `mapstructure:"trigger_gap" yaml:"trigger_gap,omitempty"`
}

// RecordingConfig holds defaults for takes started without explicit folders
type RecordingConfig struct {
	Folders    []string `mapstructure:"folders" yaml:"folders"`
	MovieCodec string   `mapstructure:"movie_codec" yaml:"movie_codec"`
	ImageExt   string   `mapstructure:"image_ext" yaml:"image_ext"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool       `mapstructure:"enabled" yaml:"enabled"`
	Broker   string     `mapstructure:"broker" yaml:"broker"`
	ClientID string     `mapstructure:"client_id" yaml:"client_id"`
	Topics   MQTTTopics `mapstructure:"topics" yaml:"topics"`
	QoS      byte       `mapstructure:"qos" yaml:"qos"`
}

// MQTTTopics contains the control and reporting topics
type MQTTTopics struct {
	Control string `mapstructure:"control" yaml:"control"`
	Status  string `mapstructure:"status" yaml:"status"`
	Summary string `mapstructure:"summary" yaml:"summary"`
}

type AppConfig struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Cameras   []CameraConfig  `mapstructure:"cameras" yaml:"cameras"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "captureframe")
	v.SetDefault("node.address", ":8765")
	v.SetDefault("node.metrics", true)
	v.SetDefault("node.log_file", "captureframe.log")
	v.SetDefault("node.log_format", "text")
	v.SetDefault("node.log_level", "info")

	v.SetDefault("recording.folders", []string{"recordings"})
	v.SetDefault("recording.movie_codec", "MJPG")
	v.SetDefault("recording.image_ext", ".png")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topics.control", "")
	v.SetDefault("mqtt.topics.status", "")
	v.SetDefault("mqtt.topics.summary", "")
	v.SetDefault("mqtt.qos", 1)
}

// Default config: one synthetic camera, everything else from setDefaults
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	cfg.fill()
	return cfg
}

func defaultCamera() CameraConfig {
	return CameraConfig{
		Backend:       BackendTestPattern,
		Width:         320,
		Height:        200,
		BitDepth:      8,
		Framerate:     24,
		PreviewWidth:  160,
		PreviewHeight: 160,
		ColorBalance:  colorproc.Neutral,
		FrameTimeout:  2 * time.Second,
	}
}

// fill applies per-camera and per-topic defaults viper cannot express for
// list entries.
func (c *AppConfig) fill() {
	if len(c.Cameras) == 0 {
		c.Cameras = []CameraConfig{defaultCamera()}
	}
	def := defaultCamera()
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Backend == "" {
			cam.Backend = def.Backend
		}
		if cam.Width <= 0 {
			cam.Width = def.Width
		}
		if cam.Height <= 0 {
			cam.Height = def.Height
		}
		if cam.BitDepth == 0 {
			cam.BitDepth = def.BitDepth
		}
		if cam.Framerate <= 0 {
			cam.Framerate = def.Framerate
		}
		if cam.PreviewWidth <= 0 {
			cam.PreviewWidth = def.PreviewWidth
		}
		if cam.PreviewHeight <= 0 {
			cam.PreviewHeight = def.PreviewHeight
		}
		if cam.ColorBalance == (colorproc.Balance{}) {
			cam.ColorBalance = def.ColorBalance
		}
		if cam.FrameTimeout <= 0 {
			cam.FrameTimeout = def.FrameTimeout
		}
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Node.ID
	}
	if c.MQTT.Topics.Control == "" {
		c.MQTT.Topics.Control = fmt.Sprintf("captureframe/%s/control", c.Node.ID)
	}
	if c.MQTT.Topics.Status == "" {
		c.MQTT.Topics.Status = fmt.Sprintf("captureframe/%s/status", c.Node.ID)
	}
	if c.MQTT.Topics.Summary == "" {
		c.MQTT.Topics.Summary = fmt.Sprintf("captureframe/%s/summary", c.Node.ID)
	}
}

// DefaultPath follows the XDG convention: $XDG_CONFIG_HOME/captureframe/config.yaml
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("unable to determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "captureframe", "config.yaml"), nil
}

// Load reads the config file (DefaultPath when path is empty), applies
// CAPTUREFRAME_* environment overrides and validates the result. A missing
// file at the default location yields the defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CAPTUREFRAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	cfg.fill()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the config as yaml, creating the directory if needed
func Save(cfg *AppConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshalling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
