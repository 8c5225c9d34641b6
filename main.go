package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"i4.energy/across/cellink/driver"
	"i4.energy/across/cellink/modem"
	"i4.energy/across/cellink/power"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML configuration file")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.Bool("trace", false, "Log every byte exchanged with the modem")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("apn", "", "Access point name of the data bearer")
	flag.String("reset-pin", "", "GPIO wired to the modem reset input")
	flag.String("mqtt-broker", "", "MQTT broker receiving modem events (e.g. tcp://localhost:1883)")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithFile(*configFile), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(config.LogLevel)}))

	if err := run(config, logger); err != nil {
		logger.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(config *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithDrainTimeout(config.Timeouts.Drain).
		WithLogger(logger).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
			Trace:    config.Trace,
		}).
		Build()
	if err != nil {
		return err
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return err
	}
	defer m.Close()

	opts := []driver.Option{
		driver.WithLogger(logger),
		driver.WithSimPIN(config.SimPIN),
	}
	for class, p := range config.Policies {
		opts = append(opts, driver.WithPolicy(class, p))
	}
	if config.ResetPin != "" {
		line, err := power.Open(config.ResetPin)
		if err != nil {
			return err
		}
		logger.Info("Hardware reset available", "line", line)
		opts = append(opts, driver.WithResetLine(line))
	}
	d := driver.New(m, opts...)
	connect, disconnect := connector(d, config)

	logger.Info("Starting cellink", "port", config.SerialPort, "apn", config.APN)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Loop(ctx) })
	g.Go(func() error { return d.Run(ctx) })

	if config.MQTT.Broker != "" {
		client, err := DialMQTT(config.MQTT, logger.With("component", "mqtt"))
		if err != nil {
			logger.Error("MQTT disabled", "error", err)
		} else {
			events, unsubscribe := d.Subscribe(64)
			publisher := NewPublisher(client, config.MQTT.Topic, logger.With("component", "mqtt"))
			g.Go(func() error {
				defer client.Disconnect(250)
				defer unsubscribe()
				return publisher.Run(ctx, events)
			})
		}
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:     logger.With("component", "server"),
			Driver:     d,
			Connect:    connect,
			Disconnect: disconnect,
		},
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("Closing HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if config.AutoConnect {
		g.Go(func() error {
			if err := connect(ctx); err != nil {
				// the link stays down until POST /connect
				logger.Error("Initial connect failed", "error", err, "stage", d.Stage())
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Stopped", "stage", d.Stage())
	return nil
}
