// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-check walks every tree of a filesystem image and
// reports blocks that fail checksum or header-identity verification.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfsprim"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfs/btrfstree"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/btrfsutil"
	"github.com/btrfsprogs-go/btrfsprogs-go/internal/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var pvsFlag []string
	var spewFlag bool

	argparser := &cobra.Command{
		Use:   "btrfs-check [flags]",
		Short: "Check a filesystem image for corrupt tree blocks",

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
	argparser.Flags().StringArrayVar(&pvsFlag, "pv", nil, "open the file `physical_volume` as part of the filesystem")
	if err := argparser.MarkFlagFilename("pv"); err != nil {
		panic(err)
	}
	if err := argparser.MarkFlagRequired("pv"); err != nil {
		panic(err)
	}
	argparser.Flags().BoolVar(&spewFlag, "spew-items", false, "dump every visited item to stdout with go-spew")

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
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
			fs, err := btrfsutil.Open(ctx, pvsFlag, btrfsutil.OpenOptions{})
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Close())
			}()

			spewer := spew.ConfigState{DisablePointerAddresses: true, Indent: "  "}
			var items, bad int
			walkErr := fs.Walk(ctx,
				func(treeID btrfsprim.ObjID, item btrfstree.Item) {
					items++
					if spewFlag {
						textui.Fprintf(os.Stdout, "tree %v key %v\n", treeID, item.Key)
						spewer.Dump(item.Body)
					}
				},
				func(treeID btrfsprim.ObjID, path btrfstree.Path, err error) {
					bad++
					if addr, _, ok := path.NodeExpectations(ctx, true); ok {
						dlog.Errorf(ctx, "tree %v: bad node at bytenr %v: %v", treeID, addr, err)
					} else {
						dlog.Errorf(ctx, "tree %v: %v", treeID, err)
					}
				})
			if walkErr != nil {
				return walkErr
			}
			dlog.Infof(ctx, "checked %v items, %v bad node(s)", textui.Humanized(items), bad)
			if bad > 0 {
				return fmt.Errorf("found %d corrupt tree block(s)", bad)
			}
			return nil
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
