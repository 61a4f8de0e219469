// Command walctl is the administrative tool for walstore logs: inspect a
// manifest, scrub a log end to end, run garbage collection, fork a log, or
// destroy one. It only speaks the public LogReader/LogWriter surface.
//
// Configuration comes from flags, an optional config file, and WALSTORE_*
// environment variables, in that order of precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"

	"github.com/hupe1980/walstore/blobstore"
	miniostore "github.com/hupe1980/walstore/blobstore/minio"
	s3store "github.com/hupe1980/walstore/blobstore/s3"
	"github.com/hupe1980/walstore/core"
	"github.com/hupe1980/walstore/wal"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("walctl failed", "error", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `usage: walctl <command> [flags]

commands:
  inspect   print a log's manifest
  scrub     verify a log end to end against its checksums
  gc        garbage-collect below the minimum cursor position
  copy      fork a log into a new prefix without re-uploading fragments
  destroy   remove a log and everything under its prefix

common flags:
  -config   config file (yaml/toml/json)
  -backend  storage backend: local, s3, minio
  -bucket   bucket name (s3, minio)
  -root     root directory (local)
  -endpoint endpoint host:port (minio)
  -prefix   log prefix`)
	return errors.New("missing command")
}

func run(args []string) error {
	if len(args) == 0 {
		return usage()
	}
	command, args := args[0], args[1:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configFile := fs.String("config", "", "config file")
	fs.String("backend", "local", "storage backend: local, s3, minio")
	fs.String("bucket", "", "bucket name")
	fs.String("root", ".", "root directory for the local backend")
	fs.String("endpoint", "", "endpoint for the minio backend")
	fs.String("access-key", "", "access key for the minio backend")
	fs.String("secret-key", "", "secret key for the minio backend")
	fs.Bool("secure", true, "use TLS for the minio backend")
	fs.String("prefix", "", "log prefix")
	mode := fs.String("mode", "delete", "gc disposal mode: delete, deferred")
	dst := fs.String("dst", "", "destination prefix for copy")
	from := fs.Uint64("from", 0, "start position for copy")
	if err := fs.Parse(args); err != nil {
		return err
	}

	viper.SetEnvPrefix("walstore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"backend", "bucket", "root", "endpoint", "access-key", "secret-key", "secure", "prefix"} {
		if f := fs.Lookup(name); f != nil {
			viper.SetDefault(name, f.Value.String())
			if changed(fs, name) {
				viper.Set(name, f.Value.String())
			}
		}
	}
	if *configFile != "" {
		viper.SetConfigFile(*configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	prefix := viper.GetString("prefix")
	if prefix == "" {
		return errors.New("a log prefix is required")
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	switch command {
	case "inspect":
		return inspect(ctx, store, prefix)
	case "scrub":
		return scrub(ctx, store, prefix)
	case "gc":
		return gc(ctx, store, prefix, *mode)
	case "copy":
		if *dst == "" {
			return errors.New("copy requires -dst")
		}
		return copyLog(ctx, store, prefix, *dst, core.LogPosition(*from))
	case "destroy":
		return wal.Destroy(ctx, store, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return usage()
	}
}

func changed(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openStore(ctx context.Context) (blobstore.Store, error) {
	switch backend := viper.GetString("backend"); backend {
	case "local":
		return blobstore.NewLocalStore(viper.GetString("root")), nil

	case "s3":
		bucket := viper.GetString("bucket")
		if bucket == "" {
			return nil, errors.New("the s3 backend requires a bucket")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return s3store.NewStore(awss3.NewFromConfig(cfg), bucket, ""), nil

	case "minio":
		bucket := viper.GetString("bucket")
		endpoint := viper.GetString("endpoint")
		if bucket == "" || endpoint == "" {
			return nil, errors.New("the minio backend requires a bucket and endpoint")
		}
		client, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("access-key"), viper.GetString("secret-key"), ""),
			Secure: viper.GetBool("secure"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return miniostore.NewStore(client, bucket, ""), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func inspect(ctx context.Context, store blobstore.Store, prefix string) error {
	r, err := wal.OpenReader(ctx, store, prefix)
	if err != nil {
		return err
	}
	m, err := r.Manifest(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Printf("positions: [%d, %d)  next seq_no: %d  fragments: %d  snapshots: %d\n",
		m.MinPosition().Offset(), m.MaxPosition().Offset(),
		uint64(m.NextFragmentSeqNo()), len(m.Fragments), len(m.Snapshots))
	return nil
}

func scrub(ctx context.Context, store blobstore.Store, prefix string) error {
	r, err := wal.OpenReader(ctx, store, prefix)
	if err != nil {
		return err
	}
	report, err := r.Scrub(ctx, wal.DefaultLimits())
	if err != nil {
		return err
	}
	fmt.Printf("calculated setsum: %s\nbytes read: %d\nshort read: %v\n",
		report.CalculatedSetsum.Hexdigest(), report.BytesRead, report.ShortRead)
	if !report.Ok() {
		for _, findErr := range report.Errors {
			fmt.Printf("finding: %v\n", findErr)
		}
		return fmt.Errorf("scrub found %d problem(s)", len(report.Errors))
	}
	fmt.Println("ok")
	return nil
}

func gc(ctx context.Context, store blobstore.Store, prefix, mode string) error {
	opts := wal.GCOptions{}
	switch mode {
	case "delete":
		opts.Mode = wal.GCModeDelete
	case "deferred":
		opts.Mode = wal.GCModeDeferred
	default:
		return fmt.Errorf("unknown gc mode %q", mode)
	}

	w, err := wal.Open(ctx, store, prefix, wal.WithWriterName("walctl"))
	if err != nil {
		return err
	}
	defer w.Close()
	return w.GarbageCollect(ctx, opts)
}

func copyLog(ctx context.Context, store blobstore.Store, prefix, dst string, from core.LogPosition) error {
	r, err := wal.OpenReader(ctx, store, prefix)
	if err != nil {
		return err
	}
	return wal.Copy(ctx, r, dst, from, wal.WithWriterName("walctl"))
}
