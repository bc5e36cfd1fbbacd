package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-cart/internal/couponstub"
)

func main() {
	var (
		addr     string
		dataDir  string
		minFiles int
		codes    string
		verbose  bool
	)

	flag.StringVar(&addr, "addr", "0.0.0.0:8081", "listen address")
	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzipped code lists (*.gz)")
	flag.IntVar(&minFiles, "min-files", 2, "number of lists a code must appear in")
	flag.StringVar(&codes, "codes", "", "comma-separated codes to serve instead of loading lists")
	flag.BoolVar(&verbose, "v", false, "log every lookup")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	lg := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, addr, dataDir, minFiles, codes); err != nil {
		lg.Error("coupon stub failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *slog.Logger, addr, dataDir string, minFiles int, codes string) error {
	var catalog *couponstub.Catalog
	if codes != "" {
		catalog = couponstub.NewCatalog(strings.Split(codes, ",")...)
	} else {
		files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
		if err != nil {
			return errors.Wrap(err, "list code files")
		}
		if minFiles > len(files) {
			minFiles = len(files)
		}
		if catalog, err = couponstub.Load(ctx, files, couponstub.LoadOptions{
			MinFiles: minFiles,
			Logger:   lg,
		}); err != nil {
			return errors.Wrap(err, "load code lists")
		}
	}
	lg.Info("catalog ready", slog.Int("codes", catalog.Len()))

	server := &http.Server{
		Addr:              addr,
		Handler:           couponstub.NewHandler(catalog, lg),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	lg.Info("coupon stub listening", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}
