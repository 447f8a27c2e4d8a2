// webserv entrypoint: flags, wiring, exit codes
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kfcemployee/webserv/server/config"
	"github.com/kfcemployee/webserv/server/db"
	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logging"
	"github.com/kfcemployee/webserv/server/routes"
)

// exit codes: 0 clean shutdown, 1 startup failure, 2 argv error
const (
	exitOK      = 0
	exitStartup = 1
	exitArgv    = 2
)

const (
	logRotateLines = 800000
	logQueueSize   = 800
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Default()
	var cfgFile string
	startupErr := false

	cmd := &cobra.Command{
		Use:           "webserv",
		Short:         "multi-threaded epoll HTTP/1.1 file server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile != "" {
				if err := overlayConfigFile(cmd.Flags(), &cfg, cfgFile); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := serve(cfg); err != nil {
				startupErr = true
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	f.IntVarP(&cfg.LogAsync, "log-async", "l", cfg.LogAsync, "log mode: 0 sync, 1 async")
	f.IntVarP(&cfg.TrigMode, "trig-mode", "m", cfg.TrigMode, "trigger matrix: 0 LT+LT, 1 LT+ET, 2 ET+LT, 3 ET+ET")
	f.IntVarP(&cfg.Linger, "linger", "o", cfg.Linger, "SO_LINGER on close: 0 off, 1 on")
	f.IntVarP(&cfg.SQLConns, "sql-conns", "s", cfg.SQLConns, "database pool size")
	f.IntVarP(&cfg.Threads, "threads", "t", cfg.Threads, "worker thread count")
	f.IntVarP(&cfg.LogOff, "log-off", "c", cfg.LogOff, "drop all logging: 0 off, 1 on")
	f.IntVarP(&cfg.Actor, "actor", "a", cfg.Actor, "concurrency model: 0 proactor, 1 reactor")
	f.StringVarP(&cfgFile, "config", "f", "", "optional YAML config file")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		if startupErr {
			return exitStartup
		}
		return exitArgv
	}
	return exitOK
}

// overlayConfigFile loads the YAML file and re-applies any flag the
// user set explicitly, so flags win over file values.
func overlayConfigFile(f *pflag.FlagSet, cfg *config.Config, path string) error {
	fromFlags := *cfg
	*cfg = config.Default()
	if err := cfg.LoadFile(path); err != nil {
		return err
	}
	if f.Changed("port") {
		cfg.Port = fromFlags.Port
	}
	if f.Changed("log-async") {
		cfg.LogAsync = fromFlags.LogAsync
	}
	if f.Changed("trig-mode") {
		cfg.TrigMode = fromFlags.TrigMode
	}
	if f.Changed("linger") {
		cfg.Linger = fromFlags.Linger
	}
	if f.Changed("sql-conns") {
		cfg.SQLConns = fromFlags.SQLConns
	}
	if f.Changed("threads") {
		cfg.Threads = fromFlags.Threads
	}
	if f.Changed("log-off") {
		cfg.LogOff = fromFlags.LogOff
	}
	if f.Changed("actor") {
		cfg.Actor = fromFlags.Actor
	}
	return nil
}

func serve(cfg config.Config) error {
	queue := 0
	if cfg.LogAsync == 1 {
		queue = logQueueSize
	}
	sink, err := logging.New(logging.Options{
		Path:        cfg.LogPath,
		Off:         cfg.LogOff == 1,
		RotateLines: logRotateLines,
		QueueSize:   queue,
	})
	if err != nil {
		return err
	}
	logging.SetDefault(sink)
	defer sink.Close()

	ctx := context.Background()
	pool, err := db.Open(ctx, db.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Name:     cfg.DB.Name,
		PoolSize: cfg.SQLConns,
	})
	if err != nil {
		logging.Errorf("database pool init: %v", err)
		return err
	}
	defer pool.Close()

	users := routes.NewUserStore()
	if err := users.LoadFromDB(ctx, pool); err != nil {
		logging.Errorf("load users: %v", err)
		return err
	}

	reg := routes.NewRegistry()
	router := routes.NewRouter(cfg.Root, users, reg)

	reactor, err := engine.New(cfg, router, reg, pool)
	if err != nil {
		logging.Errorf("reactor init: %v", err)
		return err
	}
	reg.ConnCount = reactor.ConnCount

	banner(cfg)
	return reactor.Run()
}

func banner(cfg config.Config) {
	trig := func(et bool) string {
		if et {
			return "ET"
		}
		return "LT"
	}
	model := "Proactor"
	if cfg.Reactor() {
		model = "Reactor"
	}
	fmt.Printf("webserv up on http://127.0.0.1:%d/\n", cfg.Port)
	fmt.Printf("  site root : %s\n", cfg.Root)
	fmt.Printf("  triggers  : %s + %s\n", trig(cfg.ListenET()), trig(cfg.ConnET()))
	fmt.Printf("  model     : %s\n", model)
	fmt.Printf("press Ctrl+C or send SIGTERM to stop\n")
}
