package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var downloadTimeout time.Duration

var downloadCmd = &cobra.Command{
	Use:   "download <sha>",
	Short: "Download a loose object into the enlistment",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	downloadCmd.Flags().DurationVar(&downloadTimeout, "timeout", 5*time.Minute, "How long to wait for the download")
}

func runDownload(cmd *cobra.Command, args []string) error {
	enl, cfg, err := loadEnlistment(enlistmentDir)
	if err != nil {
		return err
	}

	c, err := Connect(cmd.Context(), enl, socketDir(cfg))
	if err != nil {
		return err
	}

	sha := args[0]
	if err := c.DownloadObject(sha, downloadTimeout); err != nil {
		return err
	}

	if !PrintJSON(map[string]string{"sha": sha, "result": "downloaded"}) {
		PrintSuccess("Downloaded " + codeStyle.Render(sha))
	}
	return nil
}
