package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var unmountTimeout time.Duration

var unmountCmd = &cobra.Command{
	Use:   "unmount [enlistment]",
	Short: "Unmount an enlistment",
	Long:  `Ask the mount process to shut down and wait until it has finished.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUnmount,
}

func init() {
	unmountCmd.Flags().DurationVar(&unmountTimeout, "timeout", 2*time.Minute, "How long to wait for the unmount to complete")
}

func runUnmount(cmd *cobra.Command, args []string) error {
	dir := enlistmentDir
	if len(args) == 1 {
		dir = args[0]
	}
	enl, cfg, err := loadEnlistment(dir)
	if err != nil {
		return err
	}

	c, err := Connect(cmd.Context(), enl, socketDir(cfg))
	if err != nil {
		return err
	}

	err = c.Unmount(unmountTimeout, func() {
		if !IsJSONOutput() {
			PrintInfo("Unmounting...")
		}
	})
	if err != nil {
		return err
	}

	if !PrintJSON(map[string]string{"enlistmentRoot": enl.Root, "result": "unmounted"}) {
		PrintSuccess("Unmounted")
	}
	return nil
}
