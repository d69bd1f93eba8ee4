// Command streamvaultd serves a remote-object video library as a locally
// streamable HTTP media server: chunked range playback, on-the-fly ffmpeg
// remux/transcode, TMDB-style metadata enrichment, and an activity-aware
// background sync loop that backs off while anything is actively playing.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamvault/streamvaultd/internal/activity"
	"github.com/streamvault/streamvaultd/internal/chunkstore"
	"github.com/streamvault/streamvaultd/internal/config"
	"github.com/streamvault/streamvaultd/internal/health"
	"github.com/streamvault/streamvaultd/internal/httpapi"
	"github.com/streamvault/streamvaultd/internal/mediaprobe"
	"github.com/streamvault/streamvaultd/internal/metadata"
	"github.com/streamvault/streamvaultd/internal/metadataworker"
	"github.com/streamvault/streamvaultd/internal/rangeserver"
	"github.com/streamvault/streamvaultd/internal/remote"
	syncloop "github.com/streamvault/streamvaultd/internal/sync"
	"github.com/streamvault/streamvaultd/internal/subtitle"
	"github.com/streamvault/streamvaultd/internal/tmdb"
	"github.com/streamvault/streamvaultd/internal/transcode"
)

const syncFreshnessFactor = 2

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("streamvaultd: .env: %v", err)
	}
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("streamvaultd: create data dir: %v", err)
	}

	// The remote object-store protocol is consumed through an opaque client
	// library per design (spec non-goal); until a real adapter is wired in,
	// the in-memory fake stands in so every other component can be built and
	// exercised against the same internal/remote.Client interface.
	remoteClient := remote.NewFake()
	if !remoteClient.Ready() {
		log.Println("streamvaultd: remote client not ready at startup")
	}

	chunks := chunkstore.New(remoteClient, cfg.ChunkSize, cfg.MaxCacheSize)
	prober := mediaprobe.New(cfg.FFprobePath, chunks)
	tracker := activity.New()

	metaStore := metadata.NewStore(cfg.MetadataDir())
	aggStore := metadata.NewAggregateStore(cfg.TVCacheDir())

	rawBaseURL := fmt.Sprintf("http://127.0.0.1:%d/internal/raw", cfg.InternalPort)
	transcoder := transcode.New(cfg.FFmpegPath, rawBaseURL)
	subtitler := subtitle.New(cfg.FFmpegPath, rawBaseURL)

	tmdbClient := tmdb.New(cfg.MetadataAPIKey)

	worker := &metadataworker.Worker{
		Store:      metaStore,
		Aggregates: aggStore,
		TMDB:       tmdbClient,
		Prober:     prober,
		Remote:     remoteClient,
		Activity:   tracker,
		DataDir:    cfg.DataDir,
	}

	loop := syncloop.New(remoteClient, metaStore, aggStore, worker, tracker, cfg.DataDir)

	checker := health.NewChecker(
		health.Check{Name: "remote", Func: func() error {
			if !remoteClient.Ready() {
				return fmt.Errorf("remote client not ready")
			}
			return nil
		}},
		health.Check{Name: "metadata_store", Func: func() error {
			_, err := metaStore.AllFileIDs()
			return err
		}},
		health.SyncFreshness("sync_loop", syncFreshnessFactor*7*time.Minute, loop.LastPass),
	)

	server := &httpapi.Server{
		Remote:     remoteClient,
		Activity:   tracker,
		MetaStore:  metaStore,
		Aggregates: aggStore,
		Prober:     prober,
		Transcode:  transcoder,
		Subtitle:   subtitler,
		SyncLoop:   loop,
		Health:     checker,
	}
	server.Range = &rangeserver.Server{Store: chunks, Resolve: server.Resolver()}

	handler := server.Routes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	publicSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	internalSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.InternalPort), Handler: handler}

	go func() {
		log.Printf("streamvaultd: public listener on %s", publicSrv.Addr)
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("streamvaultd: public server: %v", err)
		}
	}()
	go func() {
		log.Printf("streamvaultd: internal listener on %s", internalSrv.Addr)
		if err := internalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("streamvaultd: internal server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("streamvaultd: shutting down")

	cancel()
	transcoder.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = internalSrv.Shutdown(shutdownCtx)
}
