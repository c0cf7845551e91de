package config

import (
	"fmt"
	"regexp"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Validate checks if the configuration is valid
func Validate(cfg *AppConfig) error {
	if !nodeIDPattern.MatchString(cfg.Node.ID) {
		return fmt.Errorf("node.id must match pattern [A-Za-z0-9_-]+")
	}
	if cfg.Node.Address == "" {
		return fmt.Errorf("node.address is required")
	}
	if (cfg.Node.TLSCert == "") != (cfg.Node.TLSKey == "") {
		return fmt.Errorf("node.tls_cert and node.tls_key must be set together")
	}

	if len(cfg.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	seen := make(map[string]bool)
	for i, cam := range cfg.Cameras {
		if err := validateCamera(cam); err != nil {
			return fmt.Errorf("cameras[%d]: %w", i, err)
		}
		if cam.ID == "" {
			continue
		}
		if seen[cam.ID] {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID)
		}
		seen[cam.ID] = true
	}

	if len(cfg.Recording.Folders) == 0 {
		return fmt.Errorf("recording.folders must name at least one folder")
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func validateCamera(cam CameraConfig) error {
	switch cam.Backend {
	case BackendWebcam, BackendTestPattern:
	case "":
		return fmt.Errorf("backend is required")
	default:
		return fmt.Errorf("unknown backend %q", cam.Backend)
	}
	if cam.BitDepth < 8 || cam.BitDepth > 16 {
		return fmt.Errorf("bit_depth %d outside [8,16]", cam.BitDepth)
	}
	if cam.Backend == BackendWebcam && cam.BitDepth != 8 {
		return fmt.Errorf("webcam backend delivers 8-bit frames only")
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if cam.Framerate <= 0 {
		return fmt.Errorf("framerate must be > 0")
	}
	return nil
}
