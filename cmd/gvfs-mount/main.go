package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/beam-cloud/gvfs/internal/init"

	"github.com/beam-cloud/gvfs/pkg/common"
	"github.com/beam-cloud/gvfs/pkg/mount"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var socketDir string

func main() {
	root := &cobra.Command{
		Use:           "gvfs-mount <enlistment>",
		Short:         "Run the mount process for an enlistment",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(int(run(args[0])))
			return nil
		},
	}
	root.Flags().StringVar(&socketDir, "socket-dir", "", "Directory for the IPC socket and instance mutex")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(types.GenericError))
	}
}

func run(dir string) types.ReturnCode {
	rootDir, err := types.FindEnlistmentRoot(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return types.GenericError
	}

	configManager, err := common.NewConfigManager[types.AppConfig](
		common.WithConfigFile(filepath.Join(rootDir, types.DotGVFS, "gvfs.yaml")),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return types.GenericError
	}
	config := configManager.GetConfig()
	if socketDir != "" {
		config.IPC.SocketDir = socketDir
	}

	enl, err := types.NewEnlistment(rootDir, config.Enlistment.RepoURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return types.GenericError
	}

	logFile, err := setupLogging(config, enl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return types.GenericError
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := mount.DefaultDeps()
	// Only an interactive terminal can acknowledge a paused failure.
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		deps.Stdin = nil
	}

	log.Info().Str("enlistment", enl.Root).Strs("config", configManager.Sources()).Msg("starting mount")
	code := mount.NewSupervisor(enl, config, deps).Run(ctx)
	log.Info().Int("code", int(code)).Msg("mount process exiting")
	return code
}

// setupLogging writes JSON logs to the enlistment's mount log, plus a console
// writer on stderr when pretty logs are enabled.
func setupLogging(config types.AppConfig, enl *types.Enlistment) (io.Closer, error) {
	if err := os.MkdirAll(enl.LogsRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(enl.LogsRoot(), "mount.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mount log: %w", err)
	}

	writers := []io.Writer{f}
	if config.PrettyLogs {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	if config.DebugMode || config.PrettyLogs {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return f, nil
}
