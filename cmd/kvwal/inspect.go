package main

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/kvwal/device"
	"github.com/colorfulnotion/kvwal/wal"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func newInspectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the superblock and buffer headers of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := openDevice(g.devicePath)
			if err != nil {
				return err
			}
			defer dev.Close()

			sb, err := wal.ReadSuperblock(dev)
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
}

func readHeaders(dev device.Device, sb *wal.Superblock) ([][2]wal.BufferHeader, error) {
	out := make([][2]wal.BufferHeader, 0, len(sb.Zones))
	for i, zs := range sb.Zones {
		h, err := wal.ReadBufferHeaders(dev, sb, zs)
		if err != nil {
			return nil, fmt.Errorf("zone %d: %w", i, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func layoutTree(name string, sb *wal.Superblock, hdrs [][2]wal.BufferHeader) treeprint.Tree {
	tree := treeprint.NewWithRoot(name)
	tree.AddBranch("superblock").
		AddNode(fmt.Sprintf("version %d", sb.Version)).
		AddNode(fmt.Sprintf("status %s", sb.Status)).
		AddNode(fmt.Sprintf("initialized %s", sb.InitTime.UTC().Format(time.RFC3339))).
		AddNode(fmt.Sprintf("alignment %d", sb.Alignment)).
		AddNode(fmt.Sprintf("data offset %d MiB", sb.DataOffsetMB))

	for i, zs := range sb.Zones {
		zone := tree.AddMetaBranch(fmt.Sprintf("zone %d", i), fmt.Sprintf("%d MiB at %d MiB", zs.SizeMB, zs.AddrMB))
		if i >= len(hdrs) {
			continue
		}
		for b, h := range hdrs[i] {
			buf := zone.AddMetaBranch(h.Role.String(), fmt.Sprintf("buffer %d", b))
			buf.AddNode(fmt.Sprintf("range [%d, %d)", h.StartAddr, h.EndAddr))
			buf.AddNode(fmt.Sprintf("curr_pos %d (%d bytes used)", h.CurrPos, h.CurrPos-h.StartAddr-int64(sb.Alignment)))
			buf.AddNode(fmt.Sprintf("medium %s", h.Medium))
			buf.AddNode(fmt.Sprintf("sequence %d", h.Sequence))
			buf.AddNode(fmt.Sprintf("dump %s at %d (%d blocks)", h.Dump.Flags, h.Dump.Addr, h.Dump.BlockCount))
		}
	}
	return tree
}
