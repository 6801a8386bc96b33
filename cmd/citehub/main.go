// Command citehub runs the bibliometric aggregation server: the REST API and
// front-end, the background crawl scheduler, and the publication merger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/citehub/citehub/pkg/api"
	"github.com/citehub/citehub/pkg/auth"
	"github.com/citehub/citehub/pkg/config"
	"github.com/citehub/citehub/pkg/crawl"
	"github.com/citehub/citehub/pkg/crawl/sources"
	"github.com/citehub/citehub/pkg/logging"
	"github.com/citehub/citehub/pkg/merge"
	"github.com/citehub/citehub/pkg/observability"
	"github.com/citehub/citehub/pkg/store"
	"github.com/citehub/citehub/pkg/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := config.DefaultPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "citehub:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logs, err := logging.Init(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, cfg.Telemetry, logs.Component("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	registry, err := crawl.NewRegistry(sources.All()...)
	if err != nil {
		return err
	}

	merger := merge.NewMerger(db, telemetry, logs.Component("merger"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = merger.Run(ctx)
	}()

	var wake func()
	if cfg.Storage.Crawler {
		scheduler := crawl.NewScheduler(db, registry, http.DefaultClient, telemetry,
			logs.Component("crawler"))
		wake = scheduler.Wake
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = scheduler.Run(ctx)
		}()
	}

	restAPI := api.New(api.Options{
		Users:     users.NewManager(db),
		Store:     db,
		Merger:    merger,
		Registry:  registry,
		Limiter:   auth.NewLimiter(cfg.Auth.FailRetryDelay),
		Whitelist: auth.ParseWhitelist(cfg.Auth.Whitelist),
		Wake:      wake,
		Secure:    cfg.WWW.Secure,
		WWWRoot:   cfg.WWW.Root,
		Log:       logs.Component("rest"),
	})

	err = serve(ctx, cfg.WWW, telemetry.HTTPMiddleware(restAPI.Handler()), logs)
	stop()
	wg.Wait()
	return err
}

// serve runs the HTTP server on the configured TCP address or unix socket
// until the context is cancelled.
func serve(ctx context.Context, cfg config.WWW, handler http.Handler, logs *logging.Setup) error {
	log := logs.Component("www")

	listener, err := listen(cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	log.WithField("address", listener.Addr().String()).Info("serving")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

func listen(cfg config.WWW) (net.Listener, error) {
	if cfg.UnixSocketPath == "" {
		listener, err := net.Listen("tcp", cfg.Bind)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Bind, err)
		}
		return listener, nil
	}

	// A previous run's socket file blocks the bind; the server is the only
	// legitimate holder of this path.
	if err := os.Remove(cfg.UnixSocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", cfg.UnixSocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on socket %s: %w", cfg.UnixSocketPath, err)
	}

	if cfg.ChownUnixSocket != "" {
		if err := chownSocket(cfg.UnixSocketPath, cfg.ChownUnixSocket); err != nil {
			_ = listener.Close()
			return nil, err
		}
	}
	return listener, nil
}

// chownSocket re-owns the socket file as "user:group" so a front-end proxy
// running under another account can connect.
func chownSocket(path, owner string) error {
	userName, groupName, ok := strings.Cut(owner, ":")
	if !ok {
		return fmt.Errorf("invalid chown_unix_socket %q, want user:group", owner)
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userName, err)
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", groupName, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("non-numeric uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("non-numeric gid %q: %w", g.Gid, err)
	}

	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown socket: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	return nil
}
