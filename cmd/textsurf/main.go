// Command textsurf serves plain text documents, or excerpts thereof
// addressed by unicode character or line offsets, over HTTP. Texts live in
// a base directory on the local filesystem or in an S3-compatible bucket
// and are indexed lazily on first access.
//
// Usage:
//
//	textsurf [-bind 127.0.0.1:8080] [-basedir DIR] [-writable] ...
//	textsurf -s3-bucket BUCKET [-s3-endpoint URL] [-s3-region REGION] ...
//
// S3 credentials come from the default AWS configuration chain, or from
// the TEXTSURF_S3_ACCESS_KEY and TEXTSURF_S3_SECRET_KEY environment
// variables when both are set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/afero"

	"github.com/knaw-huc/textsurf/internal/httpapi"
	"github.com/knaw-huc/textsurf/internal/version"
	"github.com/knaw-huc/textsurf/storage"
	s3store "github.com/knaw-huc/textsurf/storage/s3"
	"github.com/knaw-huc/textsurf/textpool"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "textsurf:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		bind         = flag.String("bind", "127.0.0.1:8080", "host and port to bind to")
		basedir      = flag.String("basedir", ".", "base directory to serve texts from")
		extension    = flag.String("extension", "txt", "file extension for plain text files; empty serves extensions verbatim")
		unloadTime   = flag.Int("unload-time", 600, "seconds before unused texts are unloaded again (0 keeps them loaded)")
		writable     = flag.Bool("writable", false, "allow uploading and deleting texts, otherwise everything is read-only")
		token        = flag.String("token", "", "bearer token required for uploads and deletes (with -writable)")
		noLines      = flag.Bool("no-lines", false, "no line index; disables addressing by line and makes for smaller indexes")
		noIndexFiles = flag.Bool("no-index-files", false, "do not read or write sidecar index files")
		debug        = flag.Bool("debug", false, "log incoming requests and pool activity")
		showVersion  = flag.Bool("version", false, "print version and exit")

		s3Bucket   = flag.String("s3-bucket", "", "serve from this S3 bucket instead of the local filesystem")
		s3Prefix   = flag.String("s3-prefix", "", "key prefix inside the S3 bucket")
		s3Endpoint = flag.String("s3-endpoint", "", "custom S3 endpoint URL, for MinIO or LocalStack")
		s3Region   = flag.String("s3-region", "", "S3 region; defaults to the AWS configuration chain")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Server)
		return nil
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, location, err := openBackend(ctx, *s3Bucket, *s3Prefix, *s3Endpoint, *s3Region, *basedir)
	if err != nil {
		return err
	}

	opts := []textpool.Option{
		textpool.WithExtension(*extension),
		textpool.WithUnloadAfter(time.Duration(*unloadTime) * time.Second),
		textpool.WithLogger(log),
	}
	if *writable {
		opts = append(opts, textpool.WithWritable())
	}
	if *token != "" {
		opts = append(opts, textpool.WithCredential(*token))
	}
	if *noLines {
		opts = append(opts, textpool.WithoutLines())
	}
	if *noIndexFiles {
		opts = append(opts, textpool.WithoutIndexFiles())
	}

	pool, err := textpool.New(backend, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              *bind,
		Handler:           httpapi.NewHandler(pool, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Info("listening", "addr", *bind, "backend", location, "writable", *writable, "version", version.Version)

	select {
	case err := <-errc:
		pool.Close()
		return err
	case <-ctx.Done():
	}
	stop()

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	return nil
}

// openBackend selects the storage backend from the flags: an S3 bucket when
// one is named, the local filesystem under basedir otherwise. The returned
// string describes the location for the startup log line.
func openBackend(ctx context.Context, bucket, prefix, endpoint, region, basedir string) (storage.Backend, string, error) {
	if bucket == "" {
		backend, err := storage.NewFS(afero.NewOsFs(), basedir)
		if err != nil {
			return nil, "", err
		}
		return backend, "dir " + basedir, nil
	}

	var creds aws.CredentialsProvider
	if key, secret := os.Getenv("TEXTSURF_S3_ACCESS_KEY"), os.Getenv("TEXTSURF_S3_SECRET_KEY"); key != "" && secret != "" {
		creds = credentials.NewStaticCredentialsProvider(key, secret, "")
	}
	client, err := s3store.NewClient(ctx, s3store.ClientConfig{
		Region:       region,
		Endpoint:     endpoint,
		UsePathStyle: endpoint != "",
		Credentials:  creds,
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 configuration: %w", err)
	}
	backend, err := s3store.New(client, s3store.Config{Bucket: bucket, Prefix: prefix})
	if err != nil {
		return nil, "", err
	}
	return backend, "s3://" + bucket + "/" + prefix, nil
}
