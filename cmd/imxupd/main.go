// Command imxupd is imxup's daemon: it loads configuration, wires the
// Store, Queue Manager, Bandwidth Aggregator, Upload Engine, File-Host
// Worker Pool, Rename Worker and optional status API together, then runs
// until it receives SIGINT/SIGTERM. It follows the teacher's main.go
// explicit-composition style — no DI container, just constructors called
// in dependency order — generalized from one Fiber app to imxup's set of
// long-running components.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imxup/internal/artifact"
	"imxup/internal/bandwidth"
	"imxup/internal/config"
	"imxup/internal/events"
	"imxup/internal/filehost"
	"imxup/internal/hooks"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/primaryhost"
	"imxup/internal/queue"
	"imxup/internal/rename"
	"imxup/internal/statusapi"
	"imxup/internal/store"
	"imxup/internal/upload"
	"imxup/internal/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := ensureDirs(cfg); err != nil {
		log.Fatalf("prepare config directories: %v", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer closeLog()

	logger.Info("starting imxupd", "version", version.GetFullVersion("imxupd"))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.InitializeDefaultTabs(); err != nil {
		logger.Error("initialize default tabs failed", "err", err)
		os.Exit(1)
	}

	hub := events.NewHub()
	bw := bandwidth.New(st)

	qm := queue.New(st, hub, cfg, logger)
	if err := qm.LoadAll(); err != nil {
		logger.Error("load galleries failed", "err", err)
		os.Exit(1)
	}
	qm.Run()
	defer qm.Stop()

	artifacts := artifact.New(cfg.GalleryDir, logger)
	hooksExec := hooks.New(cfg, logger, filehost.CreateStoreZip)

	var primaryClient primaryhost.Client
	if cfg.PrimaryHostURL != "" {
		httpClient, err := primaryhost.NewHTTPClient(cfg.PrimaryHostURL)
		if err != nil {
			logger.Error("build primary host client failed", "err", err)
			os.Exit(1)
		}
		primaryClient = httpClient
	} else {
		logger.Warn("no primary host url configured; upload engine will use the in-memory fake primary host")
		primaryClient = primaryhost.NewFake()
	}

	renameWorker, err := rename.New(cfg.PrimaryHostURL, rename.Credentials{
		Username: cfg.RenameUsername,
		Password: cfg.RenamePassword,
	}, nil, st, hub, logger.With("service", "rename-worker"))
	if err != nil {
		logger.Error("build rename worker failed", "err", err)
		os.Exit(1)
	}

	engine := upload.New(qm, primaryClient, bw, artifacts, hooksExec, renameWorker, hub, cfg, logger.With("service", "upload-engine"))

	ctx, cancel := context.WithCancel(context.Background())

	go runAddedHooks(ctx, qm, hooksExec, hub)

	engine.Run(ctx)
	go renameWorker.Run(ctx)

	fileHostWorkers := startFileHostWorkers(ctx, cfg, qm, st, bw, hub, logger)

	archiveTicker := time.NewTicker(time.Duration(cfg.Archive.CheckIntervalMinutes) * time.Minute)
	go func() {
		defer archiveTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-archiveTicker.C:
				if n := qm.ExecuteAutoArchive(); n > 0 {
					logger.Info("auto-archive swept galleries", "count", n)
				}
			}
		}
	}()

	statusCheckTicker := time.NewTicker(time.Duration(cfg.Archive.CheckIntervalMinutes) * time.Minute)
	go func() {
		defer statusCheckTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-statusCheckTicker.C:
				runImageStatusCheck(ctx, qm, renameWorker, artifacts, logger)
			}
		}
	}()

	statusAddr := statusAPIAddr()
	statusServer := statusapi.New(qm, hub, bw, logger)
	go func() {
		logger.Info("status api listening", "addr", statusAddr)
		if err := statusServer.Listen(statusAddr); err != nil {
			logger.Error("status api stopped", "err", err)
		}
	}()

	waitForShutdown(logger)

	logger.Info("shutting down")
	cancel()
	_ = statusServer.Shutdown(10 * time.Second)
	engine.Wait()
	_ = fileHostWorkers
	logger.Info("shutdown complete")
}

// ensureDirs creates the config directory tree on first run, matching the
// teacher's pattern of creating ./logs before the first log write.
func ensureDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.ConfigDir, cfg.GalleryDir, cfg.TemplateDir, cfg.LogDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	logPath := filepath.Join(cfg.LogDir, "imxupd.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	lcfg := logging.DefaultConfig()
	lcfg.Output = f
	lcfg.Level = slog.LevelInfo
	if os.Getenv("IMXUP_LOG_LEVEL") == "debug" {
		lcfg.Level = slog.LevelDebug
	}

	logger, err := logging.New("imxupd", lcfg)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, func() { f.Close() }, nil
}

// startFileHostWorkers builds one filehost.Worker per configured, enabled
// mirror destination and starts each in its own goroutine.
func startFileHostWorkers(ctx context.Context, cfg *config.Config, qm *queue.Manager, st *store.Store, bw *bandwidth.Aggregator, hub *events.Hub, logger *logging.Logger) []*filehost.Worker {
	workers := make([]*filehost.Worker, 0, len(cfg.FileHosts))
	for _, hc := range cfg.FileHosts {
		if !hc.Enabled {
			continue
		}
		backend := filehost.NewMinioBackend(filehost.MinioConfig{
			Name:      hc.Name,
			Endpoint:  hc.Endpoint,
			AccessKey: hc.AccessKey,
			SecretKey: hc.SecretKey,
			Bucket:    hc.Bucket,
			Secure:    hc.Secure,
		})
		w := filehost.New(backend, st, bw, hub, logger.With("file_host", hc.Name), qm.PathForDBID)
		workers = append(workers, w)
		go w.Run(ctx)
	}
	return workers
}

// runAddedHooks fires the "added" lifecycle hook for every gallery_added
// event, merging any JSON stdout keys the hook declares back into the
// gallery's ext1..4 fields. The started/completed hooks fire inside the
// Upload Engine; "added" happens before the engine ever sees the gallery,
// so it is wired here at composition time.
func runAddedHooks(ctx context.Context, qm *queue.Manager, hooksExec *hooks.Executor, hub *events.Hub) {
	ch, unsubscribe := hub.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindGalleryAdded {
				continue
			}
			g, found := qm.GetItem(ev.GalleryPath)
			if !found {
				continue
			}
			res := hooksExec.Run(ctx, config.HookAdded, hooks.Context{
				Name:       g.Name,
				Tab:        g.TabName,
				Path:       g.Path,
				ImageCount: g.TotalImages,
				SizeBytes:  g.TotalSize,
				Template:   g.TemplateName,
				Ext:        g.Ext,
				Custom:     g.Custom,
			})
			if !res.Ran || res.Err != nil {
				continue
			}
			qm.MutateItem(ev.GalleryPath, func(gg *model.Gallery) {
				for i, v := range res.Ext {
					if v != "" {
						gg.Ext[i] = v
					}
				}
			})
		}
	}
}

// runImageStatusCheck collects every completed gallery's image URLs from
// its artifact manifest and asks the Rename Worker to re-verify them are
// still online (§4.F.3), recording the outcome back onto the gallery.
func runImageStatusCheck(ctx context.Context, qm *queue.Manager, renameWorker *rename.Worker, artifacts *artifact.Writer, logger *logging.Logger) {
	var requests []rename.GalleryStatusRequest
	pathByDBID := make(map[int64]string)

	for _, g := range qm.GetAllItems() {
		if g.Status != model.StatusCompleted || g.GalleryID == "" {
			continue
		}
		urls, err := artifacts.ReadManifestURLs(g.Path, filepath.Base(g.Path), g.GalleryID)
		if err != nil || len(urls) == 0 {
			continue
		}
		requests = append(requests, rename.GalleryStatusRequest{DBID: g.DBID, Path: g.Path, Name: g.Name, URLs: urls})
		pathByDBID[g.DBID] = g.Path
	}
	if len(requests) == 0 {
		return
	}

	results, err := renameWorker.CheckImageStatus(ctx, requests, func(done, total int) {
		logger.Debug("status check progress", "done", done, "total", total)
	}, func() bool { return ctx.Err() != nil })
	if err != nil {
		logger.Warn("image status check failed", "err", err)
		return
	}

	for dbid, res := range results {
		path, ok := pathByDBID[dbid]
		if !ok {
			continue
		}
		total := res.OnlineCount + res.OfflineCount
		qm.RecordImxStatus(path, res.OnlineCount, total)
	}
	logger.Info("image status check complete", "galleries", len(results))
}

func statusAPIAddr() string {
	if addr := os.Getenv("IMXUP_STATUS_ADDR"); addr != "" {
		return addr
	}
	return ":8778"
}

func waitForShutdown(logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal", "signal", sig.String())
}
