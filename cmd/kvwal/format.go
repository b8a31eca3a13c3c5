package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/kvwal/wal"
	"github.com/spf13/cobra"
)

func newFormatCmd(g *globalFlags) *cobra.Command {
	var (
		sizeMB int
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Write a fresh superblock and empty zone buffers to the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.options()
			if err != nil {
				return err
			}
			if _, err := os.Stat(g.devicePath); err == nil && !force {
				return fmt.Errorf("%s exists, pass --force to overwrite it", g.devicePath)
			}
			if sizeMB == 0 {
				sizeMB = wal.DataOffsetMB + opts.ZoneCount*opts.ZoneSizeMB
			}
			dev, err := createDevice(g.devicePath, int64(sizeMB)<<20)
			if err != nil {
				return err
			}
			defer dev.Close()

			sb, err := wal.Format(dev, opts)
			if err != nil {
				return err
			}
			hdrs, err := readHeaders(dev, sb)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), layoutTree(g.devicePath, sb, hdrs).String())
			return nil
		},
	}
	cmd.Flags().IntVar(&sizeMB, "size-mb", 0, "Device size in MiB (default fits the configured zones)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing device file")
	return cmd
}
