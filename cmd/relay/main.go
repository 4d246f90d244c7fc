package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/web-ide-bridge/relay/internal/activity"
	"github.com/web-ide-bridge/relay/internal/config"
	"github.com/web-ide-bridge/relay/internal/relay"
)

var version = "dev"

func main() {
	var (
		port       = flag.Int("port", 0, "listen port (overrides config file and env)")
		configPath = flag.String("config", "", "path to a config file")
		help       = flag.Bool("help", false, "print usage and exit")
	)
	flag.IntVar(port, "p", 0, "shorthand for -port")
	flag.StringVar(configPath, "c", "", "shorthand for -config")
	flag.BoolVar(help, "h", false, "shorthand for -help")
	flag.Parse()

	if *help {
		fmt.Fprintln(os.Stderr, "web-ide-bridge relay")
		flag.PrintDefaults()
		os.Exit(0)
	}

	env := os.Getenv("NODE_ENV")
	if env == "" {
		env = "development"
	}

	cfg, used, err := config.Load(*configPath, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logHandler := activity.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))

	if used != "" {
		slog.Info("web-ide-bridge relay starting", "version", version, "config", used)
	} else {
		slog.Info("web-ide-bridge relay starting", "version", version, "config", "<defaults>")
	}

	srv := relay.New(cfg, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
}
