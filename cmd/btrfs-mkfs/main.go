// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-mkfs formats one or more block devices as a brand-new
// filesystem.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfssum"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsvol"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/mkfs"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var labelFlag string
	var nodesizeFlag, sectorsizeFlag uint32
	var csumFlag string

	argparser := &cobra.Command{
		Use:   "btrfs-mkfs [flags] DEVICE...",
		Short: "Format devices as a new btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().StringVarP(&labelFlag, "label", "L", "", "set the filesystem `label`")
	argparser.Flags().Uint32Var(&nodesizeFlag, "nodesize", 0, "tree block size in `bytes` (default 16384)")
	argparser.Flags().Uint32Var(&sectorsizeFlag, "sectorsize", 0, "data block size in `bytes` (default 4096)")
	argparser.Flags().StringVar(&csumFlag, "csum", "crc32c", "checksum `algorithm` (crc32c, xxhash64, sha256, blake2)")

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			csumType, err := parseCSumType(csumFlag)
			if err != nil {
				return err
			}

			var devices []mkfs.Device
			for i, path := range args {
				dev, err := btrfsutil.OpenDevice(path, "")
				if err != nil {
					return err
				}
				defer dev.Close()
				devices = append(devices, mkfs.Device{
					ID:   btrfsvol.DeviceID(i + 1),
					File: dev,
					Size: int64(dev.Size()),
				})
			}

			sb, err := mkfs.Format(ctx, devices, mkfs.Options{
				Label:        labelFlag,
				NodeSize:     nodesizeFlag,
				SectorSize:   sectorsizeFlag,
				ChecksumType: csumType,
			})
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "filesystem %v created on %d device(s), label %q",
				sb.FSUUID, sb.NumDevices, labelFlag)
			return nil
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func parseCSumType(name string) (btrfssum.CSumType, error) {
	switch name {
	case "crc32c", "":
		return btrfssum.TYPE_CRC32, nil
	case "xxhash64", "xxhash":
		return btrfssum.TYPE_XXHASH, nil
	case "sha256":
		return btrfssum.TYPE_SHA256, nil
	case "blake2":
		return btrfssum.TYPE_BLAKE2, nil
	default:
		return 0, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}
