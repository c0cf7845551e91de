package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/AlverezYari/captureframe/internal/config"
	"github.com/AlverezYari/captureframe/internal/control"
	"github.com/AlverezYari/captureframe/internal/logging"
	"github.com/AlverezYari/captureframe/internal/metrics"
	"github.com/AlverezYari/captureframe/internal/node"
	"github.com/AlverezYari/captureframe/internal/server"
	"github.com/AlverezYari/captureframe/internal/tui"
)

var (
	headless       bool
	frameLimit     int
	waitForTrigger bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capturing and serving previews",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&headless, "headless", false, "run without the terminal dashboard")
	runCmd.Flags().IntVar(&frameLimit, "frame-limit", 0, "frame limit for takes started from the dashboard (0 for none)")
	runCmd.Flags().BoolVar(&waitForTrigger, "wait-for-trigger", false, "arm dashboard takes to wait for a hardware trigger")
}

func run(parent context.Context, cfg *config.AppConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs := tui.NewLogBuffer(1000)
	opts := logging.Options{
		File:   cfg.Node.LogFile,
		Format: cfg.Node.LogFormat,
		Level:  cfg.Node.LogLevel,
	}
	if !headless {
		opts.Callback = logs.Callback
		// stderr belongs to the dashboard.
		if opts.File == "" {
			opts.File = filepath.Join(os.TempDir(), "captureframe.log")
		}
	}
	logger, closer, err := logging.Setup(opts)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		logger.Warn("captureframe: some cameras did not start", "error", err)
	}
	svc := &services{cameras: n, log: logger}
	defer svc.stop()

	srv, err := newServer(cfg, n, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	svc.server = srv

	broker := ""
	if cfg.MQTT.Enabled {
		client, handler, err := startControl(ctx, cfg, n, logger)
		if err != nil {
			return err
		}
		svc.control = func() {
			handler.Stop()
			client.Disconnect(250)
		}
		broker = cfg.MQTT.Broker
	}

	if headless {
		logger.Info("captureframe: running headless", "address", srv.Addr(), "scheme", srv.Scheme())
		<-ctx.Done()
		return nil
	}

	p := tea.NewProgram(
		tui.New(n, tui.Info{
			NodeID:      cfg.Node.ID,
			Address:     srv.Addr(),
			Scheme:      srv.Scheme(),
			Metrics:     cfg.Node.Metrics,
			MQTTBroker:  broker,
			ConfigPath:  cfgFile,
			FrameLimit:  frameLimit,
			WaitTrigger: waitForTrigger,
		}, logs),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running dashboard: %w", err)
	}
	return nil
}

type stopper interface {
	Stop() error
}

// services tears the node down cameras first, so a take still open at
// shutdown publishes its summary while the control plane and server are up.
type services struct {
	cameras stopper
	control func()
	server  stopper
	log     *slog.Logger
}

func (s *services) stop() {
	if s.cameras != nil {
		if err := s.cameras.Stop(); err != nil {
			s.log.Error("captureframe: camera shutdown failed", "error", err)
		}
	}
	if s.control != nil {
		s.control()
	}
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			s.log.Error("captureframe: server shutdown failed", "error", err)
		}
	}
}

func newServer(cfg *config.AppConfig, n *node.Node, logger *slog.Logger) (*server.Server, error) {
	var transport server.Transport = server.Plain{}
	if cfg.Node.TLSCert != "" {
		t, err := server.NewTLS(cfg.Node.TLSCert, cfg.Node.TLSKey)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	var metricsHandler http.Handler
	if cfg.Node.Metrics {
		metricsHandler = metrics.Handler(n, logger)
	}

	return server.New(server.Options{
		Addr:      cfg.Node.Address,
		Transport: transport,
		Directory: server.DirectoryFunc(func(id string) (server.PreviewSource, bool) {
			cam, ok := n.Camera(id)
			if !ok {
				return nil, false
			}
			return cam, true
		}),
		Metrics: metricsHandler,
		Logger:  logger,
	}), nil
}

func startControl(ctx context.Context, cfg *config.AppConfig, n *node.Node, logger *slog.Logger) (mqtt.Client, *control.Handler, error) {
	client, err := control.Connect(cfg.MQTT, logger)
	if err != nil {
		return nil, nil, err
	}
	handler := control.NewHandler(cfg.MQTT, client, n, logger)
	if err := handler.Start(ctx); err != nil {
		client.Disconnect(250)
		return nil, nil, err
	}
	n.Subscribe(control.NewSummaryPublisher(cfg.MQTT, client, logger).Publish)
	return client, handler, nil
}
