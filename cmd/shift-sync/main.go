package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shift-sync/syncer"

	"github.com/robfig/cron/v3"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string
	var dbPath string
	var debug bool
	var once bool
	var timeout time.Duration
	var listen string

	flag.StringVar(&configPath, "config", "config.yaml", "YAML config file path.")
	flag.StringVar(&dbPath, "db", "", "SQLite database path (overrides config.db).")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.BoolVar(&once, "once", false, "Run ingest, project and notify once, then exit.")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Timeout for one phase invocation (e.g. 30s, 2m).")
	flag.StringVar(&listen, "listen", "", "Dashboard listen address (overrides config.dashboard.listen).")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	cfg, err := syncer.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if visited["db"] {
		cfg.DB = dbPath
	}
	if visited["debug"] {
		cfg.Debug = debug
	}
	if visited["listen"] {
		cfg.Dash.Listen = listen
	}

	if cfg.Source.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "missing source.base_url in config")
		os.Exit(2)
	}
	if cfg.Calendar.URL == "" {
		fmt.Fprintln(os.Stderr, "missing calendar.url in config")
		os.Exit(2)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("load timezone %q: %v", cfg.Timezone, err)
		}
	}

	db, err := syncer.OpenDB(cfg.DB)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	store := syncer.NewStore(db)
	defer store.Close()

	source := syncer.NewHTTPSource(cfg.Source.BaseURL, cfg.Source.Token, loc, timeout)
	calendar := syncer.NewCalDAVClient(cfg.Calendar.URL, cfg.Calendar.Path, cfg.Calendar.Username, cfg.Calendar.Password, 15*time.Second)

	var sender syncer.NotificationSender
	if cfg.Notify.Enabled {
		if cfg.Notify.Topic == "" {
			fmt.Fprintln(os.Stderr, "notifications enabled but notify.topic is empty")
			os.Exit(2)
		}
		sender = syncer.NewNtfyClient(cfg.Notify.Server, cfg.Notify.Topic, 10*time.Second)
	}

	runner := syncer.NewRunner(syncer.RunnerConfig{
		DaysPast:            cfg.Sync.DaysPast,
		DaysAhead:           cfg.Sync.DaysAhead,
		GuardBand:           time.Duration(cfg.Sync.GuardBandHours) * time.Hour,
		Timeout:             timeout,
		ChangeRetentionDays: cfg.Retain.ChangeDays,
		EventRetentionDays:  cfg.Retain.EventDays,
		Timezone:            loc,
		Debug:               cfg.Debug,
	}, store, source, calendar, sender)

	if once {
		if err := runner.RunIngest(); err != nil {
			log.Fatalf("ingest: %v", err)
		}
		if err := runner.RunProject(); err != nil {
			log.Fatalf("project: %v", err)
		}
		if cfg.Notify.Enabled {
			if err := runner.RunNotify(); err != nil {
				log.Fatalf("notify: %v", err)
			}
		}
		return
	}

	c := cron.New()
	mustSchedule(c, cfg.Sync.IngestCron, func() { _ = runner.RunIngest() })
	mustSchedule(c, cfg.Sync.ProjectCron, func() { _ = runner.RunProject() })
	if cfg.Notify.Enabled {
		mustSchedule(c, cfg.Sync.NotifyCron, func() { _ = runner.RunNotify() })
	}
	c.Start()
	defer c.Stop()

	// Populate the store right away; project and notify wait for their
	// schedule so they operate on a stored snapshot.
	go func() { _ = runner.RunIngest() }()

	if cfg.Dash.Listen != "" {
		dash := syncer.NewDashboard(store, cfg.Dash.BasicAuth, loc, cfg.Sync.DaysAhead)
		go func() {
			log.Printf("dashboard listening on %s", cfg.Dash.Listen)
			if err := http.ListenAndServe(cfg.Dash.Listen, dash.Handler()); err != nil {
				log.Fatalf("dashboard: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("signal %s received, shutting down", sig)
}

func mustSchedule(c *cron.Cron, expr string, fn func()) {
	if _, err := c.AddFunc(expr, fn); err != nil {
		log.Fatalf("schedule %q: %v", expr, err)
	}
}
