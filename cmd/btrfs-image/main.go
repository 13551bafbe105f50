// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-image dumps a filesystem's metadata to a compact
// stream, and restores such a stream onto a device.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsimage"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var restoreFlag bool
	var compressFlag int
	var sanitizeFlag string
	var dumpDataFlag bool

	argparser := &cobra.Command{
		Use:   "btrfs-image [flags] SOURCE TARGET",
		Short: "Dump filesystem metadata to a stream, or restore a stream to a device",
		Long: `Dump mode (the default) reads the filesystem on SOURCE and writes the
stream to TARGET ("-" for stdout). Restore mode (-r) reads a stream
from SOURCE ("-" for stdin) and writes the filesystem to TARGET.`,

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().BoolVarP(&restoreFlag, "restore", "r", false, "restore a dump stream onto a device")
	argparser.Flags().IntVarP(&compressFlag, "compress", "c", 0, "zlib compression `level` for the dump payload (0 disables)")
	argparser.Flags().StringVarP(&sanitizeFlag, "sanitize", "s", "", "sanitise directory-entry names in the dump: `mode` is \"random\" or \"collide\"")
	argparser.Flags().BoolVarP(&dumpDataFlag, "data", "d", false, "also dump data extents (v1 format)")

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			if restoreFlag {
				return runRestore(ctx, args[0], args[1])
			}
			return runDump(ctx, args[0], args[1], compressFlag, sanitizeFlag, dumpDataFlag)
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func runDump(ctx context.Context, srcPath, dstPath string, compress int, sanitize string, dumpData bool) (err error) {
	var policy btrfsimage.SanitizePolicy
	switch sanitize {
	case "":
		policy = btrfsimage.SanitizeNone
	case "random":
		policy = btrfsimage.SanitizeRandom
	case "collide":
		policy = btrfsimage.SanitizeCollide
	default:
		return fmt.Errorf("unknown sanitize mode %q (want \"random\" or \"collide\")", sanitize)
	}

	maybeSetErr := func(_err error) {
		if _err != nil && err == nil {
			err = _err
		}
	}

	fs, err := btrfsutil.Open(ctx, []string{srcPath}, btrfsutil.OpenOptions{})
	if err != nil {
		return err
	}
	defer func() {
		maybeSetErr(fs.Close())
	}()

	var out io.Writer = os.Stdout
	if dstPath != "-" {
		f, err := os.Create(dstPath)
		if err != nil {
			return err
		}
		defer func() {
			maybeSetErr(f.Close())
		}()
		out = f
	}

	return btrfsimage.Dump(ctx, &fs.Volume, fs.Superblock, out, btrfsimage.DumpOptions{
		Version:       btrfsimage.V1,
		CompressLevel: compress,
		Sanitize:      policy,
		DumpData:      dumpData,
	})
}

func runRestore(ctx context.Context, srcPath, dstPath string) error {
	var in io.Reader = os.Stdin
	if srcPath != "-" {
		f, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	dev, err := btrfsutil.OpenDevice(dstPath, "")
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := btrfsimage.Restore(ctx, in, dev); err != nil {
		return err
	}
	dlog.Infof(ctx, "restored metadata dump onto %q", dstPath)
	return nil
}
