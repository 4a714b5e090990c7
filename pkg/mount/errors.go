package mount

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyMounted     = errors.New("enlistment is already mounted")
	ErrChannelNameTooLong = errors.New("ipc channel name is too long")
	ErrNotEnlistment      = errors.New("not a gvfs enlistment")
	ErrFolderLocked       = errors.New("folder is locked by another process")
)

// Mount steps, used to tag startup failures.
const (
	StepChdir       = "chdir"
	StepIPC         = "ipc"
	StepMutex       = "mutex"
	StepValidate    = "validate"
	StepHooks       = "hooks"
	StepCredentials = "credentials"
	StepEngine      = "engine"
	StepLayout      = "layout-version"
	StepFolderLock  = "folder-lock"
)

// MountError is a fatal startup failure.
type MountError struct {
	Step string
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount failed at %s: %v", e.Step, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

func stepError(step string, err error) error {
	return &MountError{Step: step, Err: err}
}
