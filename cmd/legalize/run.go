// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/legalizer/pkg/graphfile"
	"github.com/gomlx/legalizer/pkg/legalize"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/gomlx/legalizer/pkg/render"
	"github.com/gomlx/legalizer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

type runOpts struct {
	graphPath    string
	config       string
	configFile   string
	catalogs     []string
	complexGUIDs bool
	dotPath      string
	svgPath      string
	progress     bool
	keepGoing    bool
}

// loadConfig resolves the legalization configuration, see the package documentation for the precedence.
func loadConfig(opts runOpts, graphConfig string) (legalize.Config, error) {
	var (
		config legalize.Config
		err    error
	)
	if opts.configFile != "" {
		config, err = legalize.LoadConfigFile(opts.configFile)
	} else {
		config, err = legalize.ConfigFromEnv()
	}
	if err != nil {
		return config, err
	}
	if err = config.Apply(graphConfig); err != nil {
		return config, errors.WithMessage(err, "config of the graph file")
	}
	if err = config.Apply(opts.config); err != nil {
		return config, errors.WithMessage(err, "--config")
	}
	return config, nil
}

func loadCatalogs(db *registry.KernelDB, paths []string) error {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "failed to open kernel catalog")
		}
		err = db.LoadCatalog(f)
		_ = f.Close()
		if err != nil {
			return errors.WithMessagef(err, "kernel catalog %q", path)
		}
	}
	return nil
}

// expandPaths replaces the "~" prefixes of the paths in opts.
func (opts *runOpts) expandPaths() error {
	for _, path := range []*string{&opts.graphPath, &opts.configFile, &opts.dotPath, &opts.svgPath} {
		expanded, err := fsutil.ExpandHome(*path)
		if err != nil {
			return err
		}
		*path = expanded
	}
	for i, path := range opts.catalogs {
		expanded, err := fsutil.ExpandHome(path)
		if err != nil {
			return err
		}
		opts.catalogs[i] = expanded
	}
	return nil
}

// run legalizes the graph in opts.graphPath and prints the resulting sequence to w.
func run(ctx context.Context, w io.Writer, opts runOpts) error {
	if err := opts.expandPaths(); err != nil {
		return err
	}
	g, err := graphfile.Load(opts.graphPath)
	if err != nil {
		return err
	}
	config, err := loadConfig(opts, g.Config)
	if err != nil {
		return err
	}
	db := registry.NewDefaultKernelDB(g.Capabilities())
	if err = loadCatalogs(db, opts.catalogs); err != nil {
		return err
	}
	options := []legalize.Option{legalize.WithConfig(config)}
	if opts.complexGUIDs {
		lib := registry.NewExpanderLibrary().Register("softmax_fwd", registry.ExpandSoftmax)
		options = append(options, legalize.WithComplexGUIDLibrary(lib))
	}
	engine := legalize.New(g.Graph, db, options...)

	var bar *progressbar.ProgressBar
	if opts.progress {
		bar = progressbar.NewOptions(len(g.Nodes),
			progressbar.OptionSetDescription("Legalizing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("nodes"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
	}
	var unsupported []render.Stat
	for _, n := range g.Nodes {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = engine.AddNode(n, true); err != nil {
			if !legalize.IsUnsupported(err) || !opts.keepGoing {
				return errors.WithMessagef(err, "legalization of %q", n.Name())
			}
			unsupported = append(unsupported, render.Stat{Key: n.Name(), Value: err.Error()})
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err = engine.Finalize(); err != nil {
		return err
	}

	seq := engine.Sequence()
	stats := engine.Stats()
	var written int64
	for _, n := range seq {
		if n.IsLogical() {
			continue
		}
		for _, t := range n.Outputs() {
			if t != nil && !t.ShapeOnly {
				written += t.Bytes()
			}
		}
	}
	summary := []render.Stat{
		{Key: "graph", Value: g.Graph.String()},
		{Key: "device", Value: g.DeviceKind()},
		{Key: "user nodes", Value: stats.UserNodes},
		{Key: "unsupported nodes", Value: len(unsupported)},
		{Key: "rewrites", Value: stats.Rewritten},
		{Key: "pipeline steps", Value: stats.Steps},
		{Key: "legalized nodes", Value: stats.Accepted},
		{Key: "bytes written", Value: humanize.IBytes(uint64(written))},
	}
	summary = append(summary, render.EngineCounts(seq)...)

	fmt.Fprintln(w, render.TitleStyle.Render("Summary"))
	fmt.Fprintln(w, render.StatsTable(summary))
	if len(unsupported) > 0 {
		fmt.Fprintln(w, render.TitleStyle.Render("Unsupported"))
		fmt.Fprintln(w, render.StatsTable(unsupported))
	}
	fmt.Fprintln(w, render.TitleStyle.Render("Sequence"))
	fmt.Fprintln(w, render.SequenceTable(seq))

	if opts.dotPath == "" && opts.svgPath == "" {
		return nil
	}
	dot := render.ToDOT(g.Graph, seq)
	if opts.dotPath != "" {
		if err = fsutil.WriteFileAtomic(opts.dotPath, []byte(dot), 0o644); err != nil {
			return err
		}
		klog.V(1).Infof("DOT diagram written to %q", opts.dotPath)
	}
	if opts.svgPath != "" {
		svg, err := render.RenderSVG(ctx, dot)
		if err != nil {
			return err
		}
		if err = fsutil.WriteFileAtomic(opts.svgPath, svg, 0o644); err != nil {
			return err
		}
		klog.V(1).Infof("SVG diagram written to %q", opts.svgPath)
	}
	return nil
}
