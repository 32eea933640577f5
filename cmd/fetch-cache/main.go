package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	fetchcache "github.com/always-cache/fetch-cache"
	"github.com/always-cache/fetch-cache/resolver"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	backendFlag        string
	dbFilenameFlag     string
	modeFlag           string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// set at build time with -ldflags
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&backendFlag, "backend", "", "Cache backend: memory, file or sqlite (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache directory or database file (overrides config)")
	flag.StringVar(&modeFlag, "mode", "", "Default cascade mode: cheap-first or quality-first (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logFile, err := setupLogging(verbosityTraceFlag, logFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open log file")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// the extractor API key may live in a .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Could not load .env file")
	}

	config := fetchcache.DefaultConfig()
	if configFilenameFlag != "" {
		if config, err = fetchcache.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	if listenFlag != "" {
		config.Listen = listenFlag
	}
	if backendFlag != "" {
		config.Cache.Backend = backendFlag
	}
	if dbFilenameFlag != "" {
		config.Cache.Path = dbFilenameFlag
	}
	if modeFlag != "" {
		config.Strategies.Mode = resolver.Mode(modeFlag)
	}

	service, err := fetchcache.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not start service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	log.Info().Msgf("Serving fetch cache on %s", config.Listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
	if err := service.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close service")
	}
}

// setupLogging logs to the console at debug level, or trace with -vv, and
// mirrors every line into logFilename when given. The returned file is nil
// without a log file.
func setupLogging(trace bool, logFilename string) (*os.File, error) {
	level := zerolog.DebugLevel
	if trace {
		level = zerolog.TraceLevel
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}}
	var file *os.File
	if logFilename != "" {
		f, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).
		With().Timestamp().Str("version", version).Logger()
	return file, nil
}
