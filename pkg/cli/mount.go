package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/beam-cloud/gvfs/pkg/common"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/spf13/cobra"
)

const mountExecutableName = "gvfs-mount"

var errMountFailed = errors.New("mount failed")

var (
	mountTimeout time.Duration
	mountExe     string
	pollInterval = 250 * time.Millisecond
)

var mountCmd = &cobra.Command{
	Use:   "mount [enlistment]",
	Short: "Mount an enlistment in the background",
	Long:  `Start the mount process for an enlistment and wait until it is ready.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().DurationVar(&mountTimeout, "timeout", 2*time.Minute, "How long to wait for the mount to become ready")
	mountCmd.Flags().StringVar(&mountExe, "mount-exe", getEnv("GVFS_MOUNT_EXE", ""), "Path to the gvfs-mount executable")
}

func runMount(cmd *cobra.Command, args []string) error {
	dir := enlistmentDir
	if len(args) == 1 {
		dir = args[0]
	}
	enl, cfg, err := loadEnlistment(dir)
	if err != nil {
		return err
	}
	sockDir := socketDir(cfg)
	ctx := cmd.Context()

	// Already running?
	if st, err := queryStatus(ctx, enl, sockDir); err == nil {
		if !PrintJSON(st) {
			PrintWarning("Already mounted")
			PrintHint(fmt.Sprintf("%s is %s. Use 'gvfs unmount' to stop it.", enl.Root, st.MountStatus))
		}
		return nil
	}

	exe, err := mountExecutable()
	if err != nil {
		return err
	}

	proc, err := spawnMount(exe, enl.Root, sockDir)
	if err != nil {
		return fmt.Errorf("start %s: %w", exe, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	if !IsJSONOutput() {
		PrintInfof("Mounting %s", enl.Root)
	}

	st, err := waitForMount(ctx, enl, sockDir, mountTimeout, exited)
	if err != nil {
		return err
	}

	if PrintJSON(st) {
		return nil
	}
	PrintSuccess("Mounted")
	PrintKeyValue("Enlistment", st.EnlistmentRoot)
	PrintKeyValue("PID", fmt.Sprintf("%d", proc.Process.Pid))
	PrintKeyValue("Working dir", enl.WorkingDirRoot())
	return nil
}

func mountExecutable() (string, error) {
	if mountExe != "" {
		return mountExe, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(common.ResolveSymlinks(self)), mountExecutableName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath(mountExecutableName)
}

// spawnMount starts the mount process detached from this terminal.
func spawnMount(exe, root, sockDir string) (*exec.Cmd, error) {
	args := []string{root}
	if sockDir != "" {
		args = append(args, "--socket-dir", sockDir)
	}

	proc := exec.Command(exe, args...)
	proc.Dir = "/"
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := proc.Start(); err != nil {
		return nil, err
	}
	return proc, nil
}

// waitForMount polls the mount's status until it is ready, it fails, the
// process exits or the timeout elapses.
func waitForMount(ctx context.Context, enl *types.Enlistment, sockDir string, timeout time.Duration, exited <-chan error) (types.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if st, err := queryStatus(ctx, enl, sockDir); err == nil {
			switch st.MountStatus {
			case types.MountStatusReady:
				return st, nil
			case types.MountStatusMountFailed:
				return st, fmt.Errorf("%w: see %s", errMountFailed, filepath.Join(enl.LogsRoot(), "mount.log"))
			}
		}

		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited before becoming ready")
			}
			return types.Status{}, fmt.Errorf("%w: mount process: %v", errMountFailed, err)
		case <-ctx.Done():
			return types.Status{}, fmt.Errorf("wait for mount: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func queryStatus(ctx context.Context, enl *types.Enlistment, sockDir string) (types.Status, error) {
	c, err := Connect(ctx, enl, sockDir)
	if err != nil {
		return types.Status{}, err
	}
	return c.Status()
}
