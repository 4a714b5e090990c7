package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DotGVFS is the metadata directory at the root of every enlistment.
	DotGVFS = ".gvfs"
	// WorkingDirectory is the projected working tree below the enlistment root.
	WorkingDirectory = "src"

	channelPrefix = "GVFS_"
)

// Enlistment describes the on-disk layout of one mounted virtual repository.
type Enlistment struct {
	Root    string
	RepoURL string
}

// NewEnlistment resolves root to an absolute, cleaned path.
func NewEnlistment(root, repoURL string) (*Enlistment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve enlistment root: %w", err)
	}
	return &Enlistment{Root: filepath.Clean(abs), RepoURL: repoURL}, nil
}

// FindEnlistmentRoot walks up from dir until it finds a directory containing .gvfs.
func FindEnlistmentRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for cur := abs; ; {
		if fi, err := os.Stat(filepath.Join(cur, DotGVFS)); err == nil && fi.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("%s is not inside a gvfs enlistment", abs)
		}
		cur = parent
	}
}

func (e *Enlistment) WorkingDirRoot() string { return filepath.Join(e.Root, WorkingDirectory) }
func (e *Enlistment) DotGVFSRoot() string    { return filepath.Join(e.Root, DotGVFS) }
func (e *Enlistment) LowerRoot() string      { return filepath.Join(e.DotGVFSRoot(), "lower") }
func (e *Enlistment) DatabasesRoot() string  { return filepath.Join(e.DotGVFSRoot(), "databases") }
func (e *Enlistment) ObjectsRoot() string    { return filepath.Join(e.DotGVFSRoot(), "objects") }
func (e *Enlistment) LogsRoot() string       { return filepath.Join(e.DotGVFSRoot(), "logs") }
func (e *Enlistment) ConfigPath() string     { return filepath.Join(e.DotGVFSRoot(), "gvfs.yaml") }
func (e *Enlistment) HooksRoot() string {
	return filepath.Join(e.LowerRoot(), ".git", "hooks")
}

// ChannelName is the name of the enlistment's IPC channel. It is derived from the
// enlistment root so that every client can compute it independently.
func (e *Enlistment) ChannelName() string {
	return ChannelName(e.Root)
}

// ChannelName derives the IPC channel name for an enlistment root.
func ChannelName(root string) string {
	return channelPrefix + strings.ToUpper(filepath.Clean(root))
}

// ChannelKey is a fixed-length, filesystem-safe key for a channel name.
func ChannelKey(channelName string) string {
	sum := sha256.Sum256([]byte(channelName))
	return "gvfs-" + hex.EncodeToString(sum[:])[:16]
}
