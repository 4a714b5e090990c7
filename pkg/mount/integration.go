package mount

import (
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/beam-cloud/gvfs/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	installDir  = ".gvfs"
	installFile = "install.yaml"
)

// InstallRecord tells external tools where gvfs is installed and which
// enlistments have been mounted on this machine.
type InstallRecord struct {
	MountExecutable string    `yaml:"mountExecutable"`
	Enlistments     []string  `yaml:"enlistments"`
	UpdatedAt       time.Time `yaml:"updatedAt"`
}

func installRecordPath(home string) string {
	return filepath.Join(home, installDir, installFile)
}

// IntegrateEnvironment records this installation in ~/.gvfs/install.yaml.
func IntegrateEnvironment(enl *types.Enlistment) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return recordInstall(home, exe, enl.Root)
}

func recordInstall(home, exe, root string) error {
	path := installRecordPath(home)

	var rec InstallRecord
	if data, err := os.ReadFile(path); err == nil {
		// a corrupt record is rewritten from scratch
		_ = yaml.Unmarshal(data, &rec)
	}

	rec.MountExecutable = exe
	if !slices.Contains(rec.Enlistments, root) {
		rec.Enlistments = append(rec.Enlistments, root)
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadInstallRecord reads the install record under home.
func LoadInstallRecord(home string) (InstallRecord, error) {
	var rec InstallRecord
	data, err := os.ReadFile(installRecordPath(home))
	if err != nil {
		return rec, err
	}
	err = yaml.Unmarshal(data, &rec)
	return rec, err
}
