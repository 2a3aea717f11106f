/*
Copyright 2015-2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command audioserver runs the secure audio streaming API: identity
// and device binding, chunked upload assembly, chapter encryption and
// range-based DRM streaming, all behind a single HTTP listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/MOhammedRiaad/secure-audio/lib/auth"
	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/backend/memory"
	"github.com/MOhammedRiaad/secure-audio/lib/backend/pgbk"
	"github.com/MOhammedRiaad/secure-audio/lib/chapters"
	"github.com/MOhammedRiaad/secure-audio/lib/config"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/streaming"
	"github.com/MOhammedRiaad/secure-audio/lib/tokens"
	"github.com/MOhammedRiaad/secure-audio/lib/upload"
	"github.com/MOhammedRiaad/secure-audio/lib/web"
)

var log = logrus.WithField(trace.Component, "audioserver")

func main() {
	app := kingpin.New("audioserver", "Secure, chunked, chapter-encrypted audio streaming service.")
	bindAddr := app.Flag("bind", "address the HTTP API listens on").String()
	dbURL := app.Flag("db-url", "Postgres connection string; empty uses the in-process backend").String()
	storageRoot := app.Flag("storage-root", "directory chapter ciphertext and upload workspaces live under").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%v", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration.")
	}
	if *bindAddr != "" {
		cfg.BindAddress = *bindAddr
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *storageRoot != "" {
		cfg.ChapterStorageRoot = *storageRoot
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server exited with error.")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	bk, err := newBackend(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	users := services.NewUserService(bk, clock)
	devices := services.NewDeviceService(bk)
	sessions := services.NewSessionService(bk, clock)
	files := services.NewFileService(bk)
	fileAccess := services.NewFileAccessService(bk)
	checkpoints := services.NewCheckpointService(bk)
	chapterRecords := services.NewChapterService(bk)
	uploads := services.NewUploadService(bk)

	authServer, err := auth.NewServer(auth.Config{
		Users:    users,
		Devices:  devices,
		Sessions: sessions,
		Clock:    clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	cryptor, err := chapters.NewCryptor(cfg.RootKey, chapterRecords, files, cfg.ChapterStorageRoot, clock)
	if err != nil {
		return trace.Wrap(err)
	}

	assembler, err := upload.NewAssembler(upload.Config{
		Uploads:       uploads,
		Files:         files,
		WorkspaceRoot: cfg.ChapterStorageRoot + "/uploads",
		FileStoreRoot: cfg.ChapterStorageRoot + "/originals",
		MaxChunkBytes: cfg.MaxChunkBytes,
		Clock:         clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sweeper, err := upload.NewSweeper(upload.SweeperConfig{
		Assembler: assembler,
		TTL:       cfg.UploadTTL,
		Clock:     clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go func() {
		if err := sweeper.Serve(ctx); err != nil {
			log.WithError(err).Warn("Upload sweeper exited.")
		}
	}()

	minter, err := tokens.NewMinter(cfg.TokenSigningKey, cfg.TokenTTL, clock)
	if err != nil {
		return trace.Wrap(err)
	}

	engine := streaming.NewEngine(cryptor)

	handler, err := web.NewHandler(web.Config{
		Auth:        authServer,
		Users:       users,
		Sessions:    sessions,
		Files:       files,
		FileAccess:  fileAccess,
		Checkpoints: checkpoints,
		Cryptor:     cryptor,
		Assembler:   assembler,
		Minter:      minter,
		Engine:      engine,
		Clock:       clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	srv := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.BindAddress).Info("Starting audio server.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-sigCh:
		log.Info("Shutting down.")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return trace.Wrap(srv.Shutdown(shutdownCtx))
}

func newBackend(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	if cfg.DatabaseURL == "" {
		log.Info("No DB_URL configured; using the in-process backend.")
		bk, err := memory.New(memory.Config{})
		return bk, trace.Wrap(err)
	}
	bk, err := pgbk.New(ctx, pgbk.Config{ConnString: cfg.DatabaseURL})
	return bk, trace.Wrap(err)
}
