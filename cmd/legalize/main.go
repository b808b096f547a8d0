// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// legalize reads a graph description (TOML, see package graphfile), legalizes its nodes one at a time and
// prints the resulting sequence of engine primitives.
//
// Usage:
//
//	legalize [flags] graph.toml
//	legalize kernels --device=gen3
//
// The legalization configuration is taken, in order of precedence, from the --config flag, the "config"
// entry of the graph file, the --config_file flag and the LEGALIZER_CONFIG environment variable.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts runOpts
	root := &cobra.Command{
		Use:          "legalize [flags] graph.toml",
		Short:        "Legalizes a graph into TPC, MME and DMA primitives",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.graphPath = args[0]
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.config, "config", "", "Comma-separated legalization options, e.g. \"!conv_packing,dont_care_propagation=bfs\".")
	flags.StringVar(&opts.configFile, "config_file", "", "TOML file with the legalization configuration.")
	flags.StringSliceVar(&opts.catalogs, "kernels", nil, "TOML kernel catalogs registered on top of the default kernels.")
	flags.BoolVar(&opts.complexGUIDs, "complex_guids", true, "Expand composite kernels (e.g. softmax_fwd) into primitives.")
	flags.StringVar(&opts.dotPath, "dot", "", "Write the legalized sequence as a Graphviz DOT file.")
	flags.StringVar(&opts.svgPath, "svg", "", "Render the legalized sequence to an SVG file.")
	flags.BoolVar(&opts.progress, "progress", true, "Display a progress bar while adding nodes.")
	flags.BoolVar(&opts.keepGoing, "keep_going", true, "Report unsupported user nodes and continue, instead of failing.")

	root.PersistentFlags().AddGoFlagSet(goflag.CommandLine)

	root.AddCommand(newKernelsCmd())
	return root
}
