package cli

import (
	"fmt"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [enlistment]",
	Short: "Show mount status",
	Long:  `Show the status reported by the enlistment's mount process.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir := enlistmentDir
	if len(args) == 1 {
		dir = args[0]
	}
	enl, cfg, err := loadEnlistment(dir)
	if err != nil {
		return err
	}

	st, err := queryStatus(cmd.Context(), enl, socketDir(cfg))
	if err != nil {
		return err
	}

	if PrintJSON(st) {
		return nil
	}
	printStatus(st)
	return nil
}

func printStatus(st types.Status) {
	fmt.Fprintln(stdout)
	PrintKeyValueStyled("Status", st.MountStatus, mountStatusStyle(st.MountStatus))
	PrintKeyValue("Enlistment", st.EnlistmentRoot)
	if st.RepoURL != "" {
		PrintKeyValue("Repository", st.RepoURL)
	}
	if st.ObjectsURL != "" {
		PrintKeyValue("Objects", st.ObjectsURL)
	}
	PrintKeyValue("Lock", st.LockStatus)
	if st.DiskLayoutVersion != "" {
		PrintKeyValue("Disk layout", st.DiskLayoutVersion)
	}
	if st.BackgroundOperationCount != nil {
		PrintKeyValue("Background ops", fmt.Sprintf("%d", *st.BackgroundOperationCount))
	}
	fmt.Fprintln(stdout)
}
