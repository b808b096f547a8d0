// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/gomlx/legalizer/pkg/render"
	"github.com/spf13/cobra"
)

func newKernelsCmd() *cobra.Command {
	var (
		device   string
		catalogs []string
	)
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "Lists the vector-compute kernels available for a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listKernels(cmd.OutOrStdout(), device, catalogs)
		},
	}
	cmd.Flags().StringVar(&device, "device", graph.DeviceGen2.String(), "Device generation: gen2 or gen3.")
	cmd.Flags().StringSliceVar(&catalogs, "kernels", nil, "TOML kernel catalogs registered on top of the default kernels.")
	return cmd
}

func listKernels(w io.Writer, deviceName string, catalogs []string) error {
	device, err := graph.ParseDeviceKind(deviceName)
	if err != nil {
		return err
	}
	caps, err := graph.CapabilitiesFor(device)
	if err != nil {
		return err
	}
	db := registry.NewDefaultKernelDB(caps)
	if err = loadCatalogs(db, catalogs); err != nil {
		return err
	}
	var stats []render.Stat
	for _, guid := range db.GUIDs() {
		if !db.KernelExists(guid, device) {
			continue
		}
		layouts := "any"
		if inputs, outputs, found := db.SupportedLayouts(guid); found && (len(inputs) > 0 || len(outputs) > 0) {
			layouts = fmt.Sprintf("%v -> %v", inputs, outputs)
		}
		stats = append(stats, render.Stat{Key: guid, Value: layouts})
	}
	fmt.Fprintln(w, render.TitleStyle.Render(fmt.Sprintf("Kernels for %s", device)))
	fmt.Fprintln(w, render.StatsTable(stats))
	return nil
}
