// Command segtool inspects and maintains segidx indexes.
//
//	segtool --dir ./data segments
//	segtool --s3-bucket my-bucket --s3-prefix products/ commits
//	segtool --config segidx.yaml check
//	segtool --dir ./data merge --max-segments 1
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/segidx/config"
	"github.com/hupe1980/segidx/store"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "segtool:", err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "segtool",
		Usage:     "inspect and maintain segment indexes",
		Writer:    stdout,
		ErrWriter: stderr,
		// Errors are printed by main so tests can inspect them.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"SEGIDX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "local index directory",
			},
			&cli.StringFlag{
				Name:  "bolt",
				Usage: "bbolt database file holding the index",
			},
			&cli.StringFlag{
				Name:    "s3-bucket",
				Usage:   "S3 bucket holding the index",
				EnvVars: []string{"SEGIDX_S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:  "s3-prefix",
				Usage: "key prefix of the index inside the bucket",
			},
			&cli.StringFlag{
				Name:    "s3-region",
				Usage:   "AWS region",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "s3-endpoint",
				Usage:   "override the S3 endpoint for compatible services",
				EnvVars: []string{"S3_ENDPOINT_URL"},
			},
			&cli.StringFlag{
				Name:  "commit-table",
				Usage: "DynamoDB table publishing commits of an S3 index",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			segmentsCommand(),
			commitsCommand(),
			checkCommand(),
			mergeCommand(),
			statsCommand(),
		},
	}
}

// loadConfig resolves the configuration file and lets storage flags override it.
func loadConfig(c *cli.Context) (*config.File, error) {
	f := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	switch {
	case c.IsSet("dir"):
		f.Storage = config.StorageConfig{Backend: config.BackendLocal, Path: c.String("dir")}
	case c.IsSet("bolt"):
		f.Storage = config.StorageConfig{Backend: config.BackendBolt, Path: c.String("bolt")}
	case c.IsSet("s3-bucket"):
		f.Storage = config.StorageConfig{
			Backend:     config.BackendS3,
			Bucket:      c.String("s3-bucket"),
			Prefix:      c.String("s3-prefix"),
			Region:      c.String("s3-region"),
			Endpoint:    c.String("s3-endpoint"),
			CommitTable: c.String("commit-table"),
		}
	}
	if c.IsSet("log-level") {
		f.LogLevel = c.String("log-level")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// withDirectory runs fn with the configured directory open.
func withDirectory(fn func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		f, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		dir, err := f.Open(ctx, f.Logger(c.App.ErrWriter))
		if err != nil {
			return err
		}
		defer dir.Close()
		return fn(ctx, c, f, dir)
	}
}
