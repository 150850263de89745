package dridxcli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"driveindex/internal/dridxd"
)

func newStartCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start [root]",
		Short: "Start (or resume) indexing a volume",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "/"
			if len(args) == 1 {
				root = args[0]
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return err
			}

			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.IndexStart(root)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexing %s\nvolume %s\n", res.Root, res.VolumeID)
			return nil
		},
	}
}

func newStopCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <volume-id>",
		Short: "Stop indexing; the database is kept for resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.IndexStop(args[0])
		},
	}
}

func newClearCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <volume-id>",
		Short: "Stop indexing and delete the volume's database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.IndexClear(args[0])
		},
	}
}

func newStatusCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <volume-id>",
		Short: "Show index status for a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.IndexStatus(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "volume:       %s\n", st.VolumeID)
			fmt.Fprintf(out, "root:         %s\n", st.Root)
			fmt.Fprintf(out, "initialized:  %v\n", st.Initialized)
			fmt.Fprintf(out, "scanning:     %v\n", st.Scanning)
			if st.Scanning {
				fmt.Fprintf(out, "progress:     %s entries, %s dirs\n",
					humanize.Comma(st.EntriesScanned), humanize.Comma(st.DirsFound))
			}
			if st.Index.ScanCompletedAt > 0 {
				fmt.Fprintf(out, "last scan:    %s (%s)\n",
					time.Unix(st.Index.ScanCompletedAt, 0).Format(time.RFC3339),
					time.Duration(st.Index.ScanDurationMS)*time.Millisecond)
				fmt.Fprintf(out, "entries:      %s\n", humanize.Comma(st.Index.TotalEntries))
			}
			fmt.Fprintf(out, "db size:      %s\n", humanize.IBytes(uint64(st.Index.DBSizeBytes)))
			fmt.Fprintf(out, "watermark:    %d\n", st.Index.LastEventID)
			return nil
		},
	}
}

func newEnrichCommand(addr *string) *cobra.Command {
	var volumeID string
	cmd := &cobra.Command{
		Use:   "enrich <path>...",
		Short: "Look up recursive stats for directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.Enrich(volumeID, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, st := range stats {
				if st == nil {
					fmt.Fprintf(out, "%s\t(not indexed)\n", args[i])
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%d files\t%d dirs\n",
					args[i], humanize.IBytes(uint64(st.RecursiveSize)), st.FileCount, st.DirCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&volumeID, "volume", "", "volume id")
	_ = cmd.MarkFlagRequired("volume")
	return cmd
}

func newPrioritizeCommand(addr *string) *cobra.Command {
	var volumeID, priority string
	cmd := &cobra.Command{
		Use:   "prioritize <path>",
		Short: "Request an early scan of one directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Prioritize(volumeID, args[0], priority)
		},
	}
	cmd.Flags().StringVar(&volumeID, "volume", "", "volume id")
	cmd.Flags().StringVar(&priority, "priority", "current-dir", "current-dir or user-selected")
	_ = cmd.MarkFlagRequired("volume")
	return cmd
}

func newCancelNavCommand(addr *string) *cobra.Command {
	var volumeID string
	cmd := &cobra.Command{
		Use:   "cancel-nav <path>",
		Short: "Cancel navigation-priority scans under a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.CancelNav(volumeID, args[0])
		},
	}
	cmd.Flags().StringVar(&volumeID, "volume", "", "volume id")
	_ = cmd.MarkFlagRequired("volume")
	return cmd
}

func newWatchCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream index events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(*addr)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			return c.Subscribe(func(ev dridxd.Event) {
				switch ev.Kind {
				case "scan-progress":
					fmt.Fprintf(out, "%s %s: %s entries, %s dirs\n",
						ev.Kind, ev.VolumeID, humanize.Comma(ev.EntriesScanned), humanize.Comma(ev.DirsFound))
				case "dir-updated":
					fmt.Fprintf(out, "%s %s: %d dirs\n", ev.Kind, ev.VolumeID, len(ev.Paths))
				default:
					fmt.Fprintf(out, "%s %s\n", ev.Kind, ev.VolumeID)
				}
			})
		},
	}
}
