package mount

import "github.com/beam-cloud/gvfs/pkg/types"

// State is the mount lifecycle state. Transitions only move forward:
// Mounting -> Ready | MountFailed -> Unmounting.
type State int

const (
	Invalid State = iota
	Mounting
	Ready
	Unmounting
	MountFailed
)

func (s State) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Ready:
		return "ready"
	case Unmounting:
		return "unmounting"
	case MountFailed:
		return "mount-failed"
	default:
		return "invalid"
	}
}

// MountStatus is the status string reported to clients.
func (s State) MountStatus() string {
	switch s {
	case Mounting:
		return types.MountStatusMounting
	case Ready:
		return types.MountStatusReady
	case Unmounting:
		return types.MountStatusUnmounting
	case MountFailed:
		return types.MountStatusMountFailed
	default:
		return types.MountStatusUnknown
	}
}

var allowedTransitions = map[State][]State{
	Invalid:     {Mounting},
	Mounting:    {Ready, MountFailed},
	Ready:       {Unmounting},
	MountFailed: {Unmounting},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
