// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-receive materialises a send stream into a subvolume of
// a filesystem image.
package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/receive"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/sendstream"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/textui"
)

// Exit codes per the documented convention: 0 success, 1 usage error,
// 2 completed with warnings, 3 operation failed, 4 user-cancelled.
const (
	exitUsage    = 1
	exitWarnings = 2
	exitFailed   = 3
	exitCancel   = 4
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var pvsFlag []string
	var fileFlag string
	var maxErrorsFlag int
	var allowUUIDFallbackFlag bool

	argparser := &cobra.Command{
		Use:   "btrfs-receive [flags]",
		Short: "Apply a send stream to a filesystem image",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().StringArrayVar(&pvsFlag, "pv", nil, "open the file `physical_volume` as part of the destination filesystem")
	if err := argparser.MarkFlagFilename("pv"); err != nil {
		panic(err)
	}
	if err := argparser.MarkFlagRequired("pv"); err != nil {
		panic(err)
	}
	argparser.Flags().StringVarP(&fileFlag, "file", "f", "", "read the stream from `file` instead of stdin")
	if err := argparser.MarkFlagFilename("file"); err != nil {
		panic(err)
	}
	argparser.Flags().IntVarP(&maxErrorsFlag, "max-errors", "E", 1, "abort after this many command failures (0 keeps the default of 1)")
	argparser.Flags().BoolVar(&allowUUIDFallbackFlag, "allow-uuid-fallback", false,
		"permit resolving a snapshot/clone parent by plain subvolume UUID when the received-UUID lookup misses (hazardous; off by default)")

	var warnings int
	var ranMain bool
	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ranMain = true
		ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			var stream io.Reader = os.Stdin
			if fileFlag != "" {
				f, err := os.Open(fileFlag)
				if err != nil {
					return err
				}
				defer f.Close()
				stream = f
			}
			rd, err := sendstream.NewReader(stream)
			if err != nil {
				return err
			}

			fs, err := btrfsutil.Open(ctx, pvsFlag, btrfsutil.OpenOptions{})
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Close())
			}()

			w, err := fs.StartWrite(ctx)
			if err != nil {
				return err
			}

			rcv := &receive.Receiver{
				Forest: w.Forest,
				Lookup: fs,
				Opts: receive.Options{
					MaxErrors:         maxErrorsFlag,
					AllowUUIDFallback: allowUUIDFallbackFlag,
				},
			}
			res, err := rcv.Apply(ctx, rd)
			dlog.Infof(ctx, "applied %d command(s), %d error(s)", res.CommandsApplied, res.Errors)
			if err != nil {
				w.Abort()
				return err
			}
			warnings = res.Errors
			return w.Commit(ctx)
		})
		return grp.Wait()
	}

	err := argparser.ExecuteContext(context.Background())
	switch {
	case err == nil && warnings > 0:
		os.Exit(exitWarnings)
	case err == nil:
	case !ranMain:
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(exitUsage)
	case errors.Is(err, context.Canceled) || btrfsio.Is(err, btrfsio.KindCancelled):
		textui.Fprintf(os.Stderr, "%v: cancelled: %v\n", argparser.CommandPath(), err)
		os.Exit(exitCancel)
	default:
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(exitFailed)
	}
}
