package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/downloader"
	"github.com/lumabridge/lumabridge/internal/filebed"
	"github.com/lumabridge/lumabridge/internal/httpserver"
	"github.com/lumabridge/lumabridge/internal/imagestore"
	"github.com/lumabridge/lumabridge/internal/ledger"
	ledgerasync "github.com/lumabridge/lumabridge/internal/ledger/async"
	ledgerpg "github.com/lumabridge/lumabridge/internal/ledger/postgres"
	ledgersql "github.com/lumabridge/lumabridge/internal/ledger/sqlite"
	"github.com/lumabridge/lumabridge/internal/logging"
	"github.com/lumabridge/lumabridge/internal/models"
	"github.com/lumabridge/lumabridge/internal/monitor"
	"github.com/lumabridge/lumabridge/internal/session"
	"github.com/lumabridge/lumabridge/internal/translate"
)

func main() {
	configPath := flag.String("config", "bridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024)
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[bridged] ")
		defer rot.Close()
	}

	registry := models.NewRegistry()
	if err := registry.LoadModels(cfg.ModelsPath); err != nil {
		log.Fatalf("load models: %v", err)
	}
	if err := registry.LoadEndpointMap(cfg.EndpointMapPath); err != nil {
		log.Fatalf("load endpoint map: %v", err)
	}
	log.Printf("registry: %d models configured", len(registry.Names()))

	reqRegistry := bridge.NewRegistry()
	channel := bridge.NewAgentChannel(reqRegistry, cfg.EnableAutoRetry)
	pending := bridge.NewPendingQueue()
	recovery := bridge.NewRecovery(pending, channel, reqRegistry, nil, cfg.RetryTimeout())
	channel.SetOnConnect(recovery.OnPeerConnect)

	caches := downloader.NewCaches(cfg.MemoryManagement.ImageCacheMaxSize,
		time.Duration(cfg.MemoryManagement.ImageCacheTTLSeconds)*time.Second)
	pool := downloader.NewPool(&cfg)
	var archive *imagestore.Store
	if cfg.SaveImagesLocally {
		archive = imagestore.New(cfg.ImageSaveDir, cfg.LocalSaveFormat)
	}
	images := downloader.NewResolver(&cfg, pool, caches, archive)

	var uploader *filebed.Selector
	if cfg.FileBedEnabled {
		uploader = filebed.NewSelector(&cfg, caches)
		log.Printf("filebed: enabled with %d endpoints strategy=%s", len(cfg.FileBedEndpoints), cfg.FileBedSelectionStrategy)
	}

	store := openLedger(cfg)
	defer store.Close()

	tracker, err := monitor.NewTracker(cfg.LogDir, cfg.StatsPath)
	if err != nil {
		log.Fatalf("init monitor: %v", err)
	}

	server := httpserver.New(httpserver.Deps{
		Config:      &cfg,
		Registry:    registry,
		Resolver:    session.NewResolver(&cfg, registry),
		Translator:  translate.NewTranslator(&cfg, registry),
		Channel:     channel,
		ReqRegistry: reqRegistry,
		Recovery:    recovery,
		Images:      images,
		Uploader:    uploader,
		Ledger:      store,
		Tracker:     tracker,
		Logger:      log.Default(),
	})
	recovery.SetDispatch(server.Dispatch)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go recovery.Run(ctx)

	janitor := monitor.NewJanitor(tracker, reqRegistry, caches, cfg.MetadataTimeout())
	if err := janitor.Start(); err != nil {
		log.Fatalf("start janitor: %v", err)
	}
	defer janitor.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("bridged listening on http://%s (agent socket at /ws) mode=%s", cfg.ListenAddr, cfg.IDUpdaterLastMode)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	log.Printf("bridged shut down")
}

func openLedger(cfg config.Config) ledger.Store {
	switch cfg.Ledger.Driver {
	case "sqlite":
		store, err := ledgersql.New(cfg.Ledger.Path)
		if err != nil {
			log.Fatalf("open sqlite ledger: %v", err)
		}
		return ledgerasync.New(store, ledgerasync.Config{Logger: log.Default()})
	case "postgres":
		store, err := ledgerpg.New(cfg.Ledger.DSN)
		if err != nil {
			log.Fatalf("open postgres ledger: %v", err)
		}
		return ledgerasync.New(store, ledgerasync.Config{Logger: log.Default()})
	default:
		return ledger.Nop{}
	}
}
