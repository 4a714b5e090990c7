package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beam-cloud/gvfs/pkg/common"
	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/spf13/cobra"
)

// Build information (injected at compile time via ldflags)
var Version = "dev"

var (
	enlistmentDir string
	socketDirFlag string
	jsonOutput    bool
)

// Custom help template with styled output
var helpTemplate = `{{with .Long}}{{. | trim}}

{{end}}{{if .HasAvailableSubCommands}}` + `{{.CommandPath}}` + ` ` + `<command>` + `

{{end}}{{if .HasAvailableSubCommands}}Commands:
{{range .Commands}}{{if .IsAvailableCommand}}  {{rpad .Name .NamePadding }}  {{.Short}}
{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}
`

var rootCmd = &cobra.Command{
	Use:   "gvfs",
	Short: "Virtualized git enlistments",
	Long: brandStyle.Render("gvfs") + ` - Virtualized git enlistments

Mount an enlistment, inspect a running mount, and coordinate git
commands with the mount process.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		SetJSONOutput(jsonOutput)
	},
}

func init() {
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetVersionTemplate(fmt.Sprintf("  %s version %s\n", brandStyle.Render("gvfs"), Version))

	rootCmd.PersistentFlags().StringVarP(&enlistmentDir, "enlistment", "C", getEnv("GVFS_ENLISTMENT", "."), "Enlistment root, or any directory inside it")
	rootCmd.PersistentFlags().StringVar(&socketDirFlag, "socket-dir", getEnv("GVFS_SOCKET_DIR", ""), "Directory holding mount sockets")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(listCmd)
}

// Execute runs the CLI
func Execute() error {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		PrintFormattedError(cmd.CommandPath()+" failed", err)
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadEnlistment resolves the enlistment containing dir and loads its config.
func loadEnlistment(dir string) (*types.Enlistment, types.AppConfig, error) {
	root, err := types.FindEnlistmentRoot(dir)
	if err != nil {
		return nil, types.AppConfig{}, err
	}

	cm, err := common.NewConfigManager[types.AppConfig](
		common.WithConfigFile(filepath.Join(root, types.DotGVFS, "gvfs.yaml")),
	)
	if err != nil {
		return nil, types.AppConfig{}, err
	}
	cfg := cm.GetConfig()

	enl, err := types.NewEnlistment(root, cfg.Enlistment.RepoURL)
	if err != nil {
		return nil, types.AppConfig{}, err
	}
	return enl, cfg, nil
}

func socketDir(cfg types.AppConfig) string {
	if socketDirFlag != "" {
		return socketDirFlag
	}
	if cfg.IPC.SocketDir != "" {
		return cfg.IPC.SocketDir
	}
	return ipc.DefaultSocketDir()
}
