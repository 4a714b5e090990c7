package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/beam-cloud/gvfs/pkg/mount"
	"github.com/spf13/cobra"
)

const listStatusTimeout = 2 * time.Second

type listEntry struct {
	Root        string `json:"root"`
	MountStatus string `json:"mountStatus"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enlistments mounted on this machine",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	record, err := mount.LoadInstallRecord(home)
	if err != nil {
		return err
	}

	entries := make([]listEntry, 0, len(record.Enlistments))
	for _, root := range record.Enlistments {
		entries = append(entries, listEntry{Root: root, MountStatus: mountStatusOf(cmd.Context(), root)})
	}

	if PrintJSON(entries) {
		return nil
	}
	if len(entries) == 0 {
		PrintInfo("No enlistments have been mounted")
		return nil
	}

	fmt.Fprintln(stdout)
	table := NewTable("ENLISTMENT", "STATUS")
	for _, e := range entries {
		table.AddRow(e.Root, mountStatusStyle(e.MountStatus).Render(e.MountStatus))
	}
	table.Print()
	fmt.Fprintln(stdout)
	return nil
}

// mountStatusOf reports the mount status of root, or "NotMounted".
func mountStatusOf(ctx context.Context, root string) string {
	ctx, cancel := context.WithTimeout(ctx, listStatusTimeout)
	defer cancel()

	enl, cfg, err := loadEnlistment(root)
	if err != nil {
		return "Unknown"
	}
	st, err := queryStatus(ctx, enl, socketDir(cfg))
	if err != nil {
		return "NotMounted"
	}
	return st.MountStatus
}
