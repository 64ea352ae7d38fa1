// portalsfs mounts a Power Pages site as a local filesystem.
//
// Configuration is read from the environment (see internal/config).
//
// Sub-commands:
//
//	portalsfs mount [flags]       Mount the site (default)
//	portalsfs tree                Populate and print the site tree
//	portalsfs refresh [path...]   Reconcile tracked files with Dataverse
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portalsfs/portalsfs/internal/config"
	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/internal/metrics"
	"github.com/portalsfs/portalsfs/pkg/fuse"
	"github.com/portalsfs/portalsfs/pkg/portalfs"
	"github.com/portalsfs/portalsfs/pkg/session"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "tree":
			cmdTree(os.Args[2:])
			return
		case "refresh":
			cmdRefresh(os.Args[2:])
			return
		case "mount":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cmdMount()
}

// setup loads configuration and starts logging. It exits on failure.
func setup() (*config.Config, *session.Session) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.Err(err))
	}

	s, err := session.New(cfg, session.Options{})
	if err != nil {
		logging.Fatal("failed to create session", logging.Err(err))
	}
	return cfg, s
}

func cmdMount() {
	mountPoint := flag.String("mount", "", "Mount point for the site (required)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount")
	refreshInterval := flag.Duration("refresh", 0, "Interval for reconciling tracked files (0 to disable)")
	debug := flag.Bool("debug", false, "Log FUSE operations")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, s := setup()
	defer logging.Sync()
	defer s.Close()

	logging.Info("starting portalsfs",
		logging.String("org", cfg.OrgURL),
		logging.String("website", cfg.WebsiteID),
		logging.Entity(cfg.EntityType),
		logging.String("schema", cfg.SchemaVersion),
		logging.String("mount", *mountPoint))

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logging.Info("metrics listening", logging.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	server, err := fuse.Mount(*mountPoint, s.FS, fuse.Config{AllowOther: *allowOther, Debug: *debug})
	if err != nil {
		logging.Fatal("mount failed", logging.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := s.FS.Events()
	defer unsubscribe()
	go logChanges(events)

	if *refreshInterval > 0 {
		go refreshLoop(ctx, s, *refreshInterval)
	}

	logging.Info("filesystem mounted", logging.String("mount", *mountPoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("unmounting")
	cancel()
	if err := server.Unmount(); err != nil {
		logging.Error("unmount failed", logging.Err(err))
	}
}

func logChanges(events <-chan []portalfs.ChangeEvent) {
	for batch := range events {
		for _, e := range batch {
			logging.Debug("file changed",
				logging.String("type", e.Type.String()),
				logging.Path(e.Path))
		}
	}
}

func refreshLoop(ctx context.Context, s *session.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.RefreshAll(ctx); n > 0 {
				logging.S().Infof("refreshed tracked files: %d changed remotely", n)
			}
		}
	}
}

func cmdTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	sizes := fs.Bool("sizes", false, "Print file sizes")
	fs.Parse(args)

	_, s := setup()
	defer logging.Sync()
	defer s.Close()

	ctx := context.Background()
	if err := s.Populate(ctx); err != nil {
		logging.Error("population incomplete", logging.Err(err))
	}

	err := s.FS.Walk(s.FS.ContentRoot(), func(p string, st portalfs.Stat) error {
		switch {
		case st.Type == portalfs.TypeDirectory:
			fmt.Printf("%s/\n", p)
		case *sizes:
			fmt.Printf("%s\t%d\n", p, st.Size)
		default:
			fmt.Println(p)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdRefresh(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	fs.Parse(args)

	_, s := setup()
	defer logging.Sync()
	defer s.Close()

	ctx := context.Background()
	if err := s.Populate(ctx); err != nil {
		logging.Error("population incomplete", logging.Err(err))
	}

	if fs.NArg() == 0 {
		fmt.Printf("%d file(s) changed remotely\n", s.RefreshAll(ctx))
		return
	}
	for _, p := range fs.Args() {
		fmt.Printf("%s\t%s\n", p, s.Refresh(ctx, p))
	}
}
