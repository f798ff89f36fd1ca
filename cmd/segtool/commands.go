package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/segidx/config"
	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/model"
	"github.com/hupe1980/segidx/store"
)

// exitCorrupt is the exit status of check when problems were found.
const exitCorrupt = 2

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func segmentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "segments",
		Usage: "list the segments of the current commit",
		Action: withDirectory(func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error {
			commits, err := index.ListCommits(ctx, dir, f.IndexOptions()...)
			if err != nil {
				return err
			}
			if len(commits) == 0 {
				return index.ErrNoCommit
			}
			cp := commits[len(commits)-1]

			tw := table(c.App.Writer)
			fmt.Fprintf(tw, "generation %d\n", cp.Generation)
			fmt.Fprintln(tw, "SEGMENT\tCODEC\tMAXDOC\tDELETED\tDELGEN\tSIZE\tSOURCE")
			for _, sci := range cp.Segments {
				size, err := segmentBytes(ctx, dir, sci.Files())
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					sci.Info.Name, sci.Info.Codec, sci.Info.MaxDoc, sci.DelCount, sci.DelGen, size,
					sci.Info.Diagnostics[model.DiagSource])
			}
			return tw.Flush()
		}),
	}
}

func commitsCommand() *cli.Command {
	return &cli.Command{
		Name:  "commits",
		Usage: "list the kept commits and their user data",
		Action: withDirectory(func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error {
			commits, err := index.ListCommits(ctx, dir, f.IndexOptions()...)
			if err != nil {
				return err
			}
			tw := table(c.App.Writer)
			fmt.Fprintln(tw, "GENERATION\tSEGMENTS\tDOCS\tUSERDATA")
			for _, cp := range commits {
				docs := 0
				for _, sci := range cp.Segments {
					docs += sci.NumDocs()
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", cp.Generation, len(cp.Segments), docs, formatUserData(cp.UserData))
			}
			return tw.Flush()
		}),
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "verify checksums and structures of the current commit",
		Action: withDirectory(func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error {
			status, err := index.CheckIndex(ctx, dir, f.IndexOptions()...)
			if err != nil {
				return err
			}
			tw := table(c.App.Writer)
			fmt.Fprintf(tw, "generation %d: %d docs, %d max doc, checked in %s\n",
				status.Generation, status.NumDocs, status.MaxDoc, status.Duration)
			fmt.Fprintln(tw, "SEGMENT\tCODEC\tDOCS\tFIELDS\tTERMS\tPOSTINGS\tSTATUS")
			for _, s := range status.Segments {
				result := "OK"
				if s.Err != nil {
					result = "FAILED: " + s.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
					s.Name, s.Codec, s.NumDocs, s.MaxDoc, s.Fields, s.Terms, s.Postings, result)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if status.Err != nil {
				return cli.Exit(fmt.Sprintf("commit unreadable: %v", status.Err), exitCorrupt)
			}
			if bad := status.Corrupt(); len(bad) > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d segments corrupt", len(bad), len(status.Segments)), exitCorrupt)
			}
			fmt.Fprintln(c.App.Writer, "no problems found")
			return nil
		}),
	}
}

func mergeCommand() *cli.Command {
	return &cli.Command{
		Name:  "merge",
		Usage: "force merge the committed index",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "max-segments",
				Value: 1,
				Usage: "merge until at most this many segments remain",
			},
			&cli.BoolFlag{
				Name:  "deletes",
				Usage: "only rewrite segments with deletions",
			},
		},
		Action: withDirectory(func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error {
			logger := f.Logger(c.App.ErrWriter)
			w, err := index.OpenWriter(ctx, dir, f.IndexOptions(
				index.WithOpenMode(index.OpenModeAppend),
				index.WithAutoMerge(false),
				index.WithLogger(logger),
			)...)
			if err != nil {
				return err
			}

			before := len(w.LastCommit().Segments)
			if c.Bool("deletes") {
				err = w.ForceMergeDeletes(ctx)
			} else {
				err = w.ForceMerge(ctx, c.Int("max-segments"))
			}
			cp := w.LastCommit()
			if cerr := w.Close(ctx); cerr != nil && err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "generation %d: %d -> %d segments\n", cp.Generation, before, len(cp.Segments))
			return nil
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "summarize the current commit",
		Action: withDirectory(func(ctx context.Context, c *cli.Context, f *config.File, dir *store.Directory) error {
			r, err := index.OpenReader(ctx, dir, f.IndexOptions()...)
			if err != nil {
				return err
			}
			defer r.Close(ctx)

			var (
				bytes  int64
				codecs = map[string]int{}
			)
			for _, leaf := range r.Leaves() {
				n, err := segmentBytes(ctx, dir, leaf.Info().Files())
				if err != nil {
					return err
				}
				bytes += n
				codecs[leaf.Info().Info.Codec]++
			}

			deleted := r.MaxDoc() - r.NumDocs()
			pct := 0.0
			if r.MaxDoc() > 0 {
				pct = 100 * float64(deleted) / float64(r.MaxDoc())
			}

			tw := table(c.App.Writer)
			fmt.Fprintf(tw, "generation\t%d\n", r.Commit().Generation)
			fmt.Fprintf(tw, "segments\t%d\n", len(r.Leaves()))
			fmt.Fprintf(tw, "docs\t%d\n", r.NumDocs())
			fmt.Fprintf(tw, "max doc\t%d\n", r.MaxDoc())
			fmt.Fprintf(tw, "deleted\t%d (%.1f%%)\n", deleted, pct)
			fmt.Fprintf(tw, "bytes\t%d\n", bytes)
			fmt.Fprintf(tw, "codecs\t%s\n", formatCounts(codecs))
			return tw.Flush()
		}),
	}
}

func segmentBytes(ctx context.Context, dir *store.Directory, files []string) (int64, error) {
	var total int64
	for _, name := range files {
		n, err := dir.FileLength(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, fmt.Errorf("segment file %s missing: %w", name, err)
			}
			return 0, err
		}
		total += n
	}
	return total, nil
}

func formatUserData(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ",")
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ",")
}
