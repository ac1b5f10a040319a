package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/precache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	manifestFlag       string
	updateIntervalFlag time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (watched for changes)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, bolt or memory (default sqlite)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (default cache.db, use 'memory' for in-memory sqlite)")
	flag.StringVar(&manifestFlag, "manifest", "", "Path to precache manifest (YAML or JSON)")
	flag.DurationVar(&updateIntervalFlag, "update-interval", 0, "Reload config and register new versions at this interval")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(fs afero.Fs) (Config, error) {
	config, err := getConfig(fs, configFilenameFlag)
	if err != nil {
		return config, err
	}
	if originFlag != "" {
		config.Origin = originFlag
	} else if addrFlag != "" {
		config.Origin = "https://" + addrFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag > 0 {
		config.Port = portFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if manifestFlag != "" {
		config.Manifest = manifestFlag
	}
	return config.withDefaults(), nil
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	fs := afero.NewOsFs()
	config, err := loadConfig(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	origin, err := config.originURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Please specify origin")
	}

	storage, err := openStorage(config.Provider, config.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open storage")
	}
	defer storage.Close()

	// storage is opened once, later config changes apply to the worker only
	load := func() (precache.Config, error) {
		config, err := loadConfig(fs)
		if err != nil {
			return precache.Config{}, err
		}
		return config.workerConfig(fs, storage, &log.Logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := precache.NewRegistration(precache.NewOriginFetcher(origin, config.Host), &log.Logger)
	if _, err := reg.Update(ctx, load); err != nil {
		// keep serving, requests pass through until a version registers
		log.Error().Err(err).Msg("Could not register initial version")
	}

	if configFilenameFlag != "" {
		watched := []string{configFilenameFlag}
		if config.Manifest != "" {
			watched = append(watched, config.Manifest)
		}
		err := watchFiles(ctx, func() {
			if _, err := reg.Update(ctx, load); err != nil {
				log.Error().Err(err).Msg("Could not register changed config")
			}
		}, watched...)
		if err != nil {
			log.Error().Err(err).Msg("Could not watch config")
		}
	}
	if updateIntervalFlag > 0 {
		go reg.StartUpdates(ctx, updateIntervalFlag, load)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(reg, load),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, origin.String(), config.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
