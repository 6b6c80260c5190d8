package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/flatmapit/gopacs/internal/config"
	"github.com/flatmapit/gopacs/internal/dicomserver"
	"github.com/flatmapit/gopacs/internal/lua"
	"github.com/flatmapit/gopacs/internal/rest"
	"github.com/flatmapit/gopacs/internal/server"
)

var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	app := &cli.App{
		Name:    "gopacs",
		Usage:   "A lightweight DICOM server that receives, indexes, stores and redistributes imaging studies",
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", Version, BuildDate, GitCommit),
		Authors: []*cli.Author{
			{
				Name:  "flatmapit.com",
				Email: "contact@flatmapit.com",
			},
		},
		Copyright: "© 2025 flatmapit.com - Licensed under the MIT License",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   "gopacs.yaml",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log file path",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (DEBUG, INFO, WARNING, ERROR)",
				Value: "INFO",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				logrus.Warnf("Failed to load config file %s: %v", c.String("config"), err)
				cfg = config.DefaultConfig()
			}

			if c.String("log-file") != "" {
				cfg.Logging.File = c.String("log-file")
			}
			if c.String("log-level") != "" {
				cfg.Logging.Level = c.String("log-level")
			}

			if err := initLogging(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			c.Context = context.WithValue(c.Context, configKey{}, cfg)
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			verifyCommand(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logrus.Errorf("Application error: %v", err)
		os.Exit(-1)
	}
}

type configKey struct{}

func configFrom(c *cli.Context) *config.Config {
	if cfg, ok := c.Context.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

// serveCommand runs the DICOM and HTTP servers until interrupted.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the DICOM and HTTP servers",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)

			engine := lua.NewEngine()
			defer engine.Close()
			for _, script := range cfg.LuaScripts {
				if err := engine.LoadFile(script); err != nil {
					return err
				}
			}

			ctx, err := server.New(cfg, engine)
			if err != nil {
				return err
			}
			defer ctx.Close()

			ctx.NewSender = dicomserver.Sender(cfg.DICOM.AET,
				time.Duration(cfg.DICOM.ClientTimeout)*time.Second)

			logrus.Infof("Starting %s (storage: %s)", cfg.Name, cfg.StorageDirectory)

			group, groupCtx := errgroup.WithContext(c.Context)

			if !cfg.DICOM.Disabled {
				dicomSrv := dicomserver.New(ctx)
				group.Go(func() error {
					return dicomSrv.ListenAndServe(groupCtx)
				})
			}
			if !cfg.HTTP.Disabled {
				api := rest.New(ctx)
				group.Go(func() error {
					return api.ListenAndServe(groupCtx)
				})
			}
			if cfg.DICOM.Disabled && cfg.HTTP.Disabled {
				return fmt.Errorf("both servers are disabled, nothing to serve")
			}

			err = group.Wait()
			if err == context.Canceled {
				logrus.Info("Shutting down")
				return nil
			}
			return err
		},
	}
}

// verifyCommand loads the configuration and reports the effective
// settings without starting anything.
func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Validate the configuration file and print the effective settings",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)

			fmt.Printf("Name:              %s\n", cfg.Name)
			fmt.Printf("Storage directory: %s\n", cfg.StorageDirectory)
			fmt.Printf("Index:             %s\n", cfg.IndexPath())
			fmt.Printf("Compression:       %v\n", cfg.StorageCompression)
			fmt.Printf("DICOM:             port %d, AET %s (disabled: %v)\n",
				cfg.DICOM.Port, cfg.DICOM.AET, cfg.DICOM.Disabled)
			fmt.Printf("HTTP:              port %d (disabled: %v)\n",
				cfg.HTTP.Port, cfg.HTTP.Disabled)
			fmt.Printf("Modalities:        %d configured\n", len(cfg.Modalities))
			fmt.Printf("Lua scripts:       %d configured\n", len(cfg.LuaScripts))
			return nil
		},
	}
}

// initLogging initializes the logging system
func initLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		logrus.SetOutput(file)
	}

	return nil
}
