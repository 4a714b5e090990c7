package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
)

var ErrLockHeld = errors.New("the working directory lock is held")

var lockRetryInterval = 500 * time.Millisecond

var (
	lockCommand string
	lockPID     int
	lockWait    bool
	lockTimeout time.Duration
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Take or release the working directory lock",
	Long: `Coordinate a git command with the mount process.

These commands are run by the enlistment's git hooks. The requester defaults
to the parent process, which is git when invoked from a hook.`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire the lock for a git command",
	Args:  cobra.NoArgs,
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the lock held by a git command",
	Args:  cobra.NoArgs,
	RunE:  runLockRelease,
}

func init() {
	lockCmd.PersistentFlags().IntVar(&lockPID, "pid", 0, "Requesting process (defaults to the parent process)")

	lockAcquireCmd.Flags().StringVar(&lockCommand, "command", "", "Command line the lock is taken for")
	lockAcquireCmd.Flags().BoolVar(&lockWait, "wait", false, "Wait while another git command holds the lock")
	lockAcquireCmd.Flags().DurationVar(&lockTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")

	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
}

func requesterPID() int {
	if lockPID > 0 {
		return lockPID
	}
	return os.Getppid()
}

// processName resolves the executable name of pid, or "unknown".
func processName(ctx context.Context, pid int) string {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "unknown"
	}
	name, err := p.NameWithContext(ctx)
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	enl, cfg, err := loadEnlistment(enlistmentDir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), lockTimeout)
	defer cancel()

	c, err := Connect(ctx, enl, socketDir(cfg))
	if err != nil {
		return err
	}

	pid := requesterPID()
	requester := types.LockHolder{
		PID:         pid,
		ProcessName: processName(ctx, pid),
		Command:     lockCommand,
	}
	return acquireLock(ctx, c, requester, lockWait)
}

// acquireLock retries while the mount is busy with its own background work.
// A git holder is only waited out when wait is set.
func acquireLock(ctx context.Context, c *Client, requester types.LockHolder, wait bool) error {
	var announced string
	announce := func(msg string) {
		if msg != "" && msg != announced && !IsJSONOutput() {
			PrintInfo(msg)
			announced = msg
		}
	}

	for {
		header, lr, err := c.AcquireLock(requester)
		if err != nil {
			return err
		}

		switch header {
		case ipc.LockAccept:
			return nil
		case ipc.LockDenyGVFS:
			announce(lr.Message)
		case ipc.LockDenyGit:
			holder := "another process"
			if lr.Holder != nil {
				holder = lr.Holder.String()
			}
			if !wait {
				return fmt.Errorf("%w by %s", ErrLockHeld, holder)
			}
			announce("Waiting for " + holder)
		case ipc.MountNotReady:
			return ErrMountNotReady
		default:
			return fmt.Errorf("%w: %q", ErrUnexpectedResponse, header)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	enl, cfg, err := loadEnlistment(enlistmentDir)
	if err != nil {
		return err
	}

	c, err := Connect(cmd.Context(), enl, socketDir(cfg))
	if err != nil {
		return err
	}

	released, err := c.ReleaseLock(requesterPID())
	if err != nil {
		return err
	}
	// A command that never held the lock has nothing to release.
	if !released && !IsJSONOutput() {
		PrintWarning("Lock was not held by this process")
	}
	PrintJSON(map[string]bool{"released": released})
	return nil
}
