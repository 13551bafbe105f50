// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-convert converts an ext2/3/4 filesystem in place into a
// btrfs filesystem (and, with --rollback, back again).
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/convert"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/diskio"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/textui"
)

// Exit codes per the documented convention: 0 success, 1 usage error,
// 3 operation failed, 4 user-cancelled.
const (
	exitUsage     = 1
	exitFailed    = 3
	exitCancelled = 4
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var rollbackFlag, noDatasumFlag bool
	var labelFlag string

	argparser := &cobra.Command{
		Use:   "btrfs-convert [flags] DEVICE",
		Short: "Convert an ext2/3/4 filesystem to btrfs in place",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().BoolVarP(&rollbackFlag, "rollback", "r", false, "roll a converted filesystem back to the original foreign filesystem")
	argparser.Flags().BoolVar(&noDatasumFlag, "no-datasum", false, "mark converted data NODATASUM (skip data checksums)")
	argparser.Flags().StringVarP(&labelFlag, "label", "L", "", "set the new filesystem's `label` (default: keep the foreign label)")

	var ranMain bool
	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ranMain = true
		ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			dev, err := btrfsutil.OpenDevice(args[0], "")
			if err != nil {
				return err
			}
			defer dev.Close()

			if rollbackFlag {
				if err := convert.Rollback(ctx, dev); err != nil {
					return err
				}
				dlog.Infof(ctx, "rolled %q back to the original filesystem", args[0])
				return nil
			}

			foreign, err := convert.OpenExt2(ctx, asInt64Reader{dev})
			if err != nil {
				return err
			}
			label := labelFlag
			if label == "" {
				label = foreign.Label()
			}
			var fsuuid btrfsprim.UUID
			if _, err := rand.Read(fsuuid[:]); err != nil {
				return err
			}
			sb, err := convert.Convert(ctx, dev, foreign, convert.Options{
				Label:     label,
				FSUUID:    fsuuid,
				NoDataSum: noDatasumFlag,
			})
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "converted %q to filesystem %v; previous contents preserved in %s/%s",
				args[0], sb.FSUUID, convert.ImageSubvolName, convert.ImageFileName)
			return nil
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		switch {
		case !ranMain:
			os.Exit(exitUsage)
		case errors.Is(err, context.Canceled) || btrfsio.Is(err, btrfsio.KindCancelled):
			os.Exit(exitCancelled)
		default:
			os.Exit(exitFailed)
		}
	}
}

// asInt64Reader narrows the physically-addressed device to the plain
// int64-offset reader OpenExt2 takes (the foreign filesystem knows
// nothing of this module's address types).
type asInt64Reader struct {
	dev diskio.File[btrfsvol.PhysicalAddr]
}

func (f asInt64Reader) ReadAt(p []byte, off int64) (int, error) {
	return f.dev.ReadAt(p, btrfsvol.PhysicalAddr(off))
}
