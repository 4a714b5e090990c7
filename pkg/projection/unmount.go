package projection

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

const forceUnmountTimeout = 2 * time.Second

// forceUnmountCommands are tried in order until one succeeds.
func forceUnmountCommands(path string) [][]string {
	if runtime.GOOS == "darwin" {
		return [][]string{
			{"diskutil", "unmount", "force", path},
			{"umount", "-f", path},
		}
	}
	return [][]string{
		{"fusermount3", "-u", "-z", path},
		{"fusermount", "-u", "-z", path},
		{"umount", "-l", path},
	}
}

// forceUnmount detaches a mount whose server no longer answers the kernel.
func forceUnmount(path string) bool {
	for _, args := range forceUnmountCommands(path) {
		ctx, cancel := context.WithTimeout(context.Background(), forceUnmountTimeout)
		err := exec.CommandContext(ctx, args[0], args[1:]...).Run()
		cancel()
		if err == nil {
			log.Info().Str("mount", path).Str("cmd", args[0]).Msg("forced unmount")
			return true
		}
	}
	return false
}
