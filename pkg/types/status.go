package types

import "fmt"

// Status is the snapshot returned for a GetStatus request.
type Status struct {
	EnlistmentRoot    string `json:"enlistmentRoot"`
	RepoURL           string `json:"repoURL"`
	ObjectsURL        string `json:"objectsURL"`
	LockStatus        string `json:"lockStatus"`
	DiskLayoutVersion string `json:"diskLayoutVersion"`
	MountStatus       string `json:"mountStatus"`
	// BackgroundOperationCount is only reported while the mount is ready.
	BackgroundOperationCount *int `json:"backgroundOperationCount,omitempty"`
}

// Mount status strings reported in Status.MountStatus.
const (
	MountStatusMounting    = "Mounting"
	MountStatusReady       = "Ready"
	MountStatusUnmounting  = "Unmounting"
	MountStatusMountFailed = "MountFailed"
	MountStatusUnknown     = "Unknown"
)

// LockStatusUnavailable is reported before the lock subsystem exists.
const LockStatusUnavailable = "Unavailable"

// LayoutVersion tags the on-disk metadata format.
type LayoutVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CurrentLayoutVersion is the layout written by this build.
var CurrentLayoutVersion = LayoutVersion{Major: 19, Minor: 0}

func (v LayoutVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ReturnCode is the process exit code of the mount process.
type ReturnCode int

const (
	Success      ReturnCode = 0
	GenericError ReturnCode = 3
)
