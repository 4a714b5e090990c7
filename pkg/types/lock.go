package types

import "fmt"

// LockHolder identifies who holds the working-directory lock.
type LockHolder struct {
	PID         int    `json:"pid"`
	ProcessName string `json:"processName"`
	// Command is the opaque reason supplied by the requester, usually the git command line.
	Command string `json:"command"`
}

// Same reports whether h and other identify the same requesting process.
// The command is the reason for the request, not part of the identity.
func (h LockHolder) Same(other LockHolder) bool {
	return h.PID == other.PID && h.ProcessName == other.ProcessName
}

func (h LockHolder) String() string {
	if h.Command != "" {
		return fmt.Sprintf("%s (pid %d): %s", h.ProcessName, h.PID, h.Command)
	}
	return fmt.Sprintf("%s (pid %d)", h.ProcessName, h.PID)
}
