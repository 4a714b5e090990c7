package mount

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/beam-cloud/gvfs/pkg/common"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	HooksExecutable = "gvfs-hooks"
	// DefaultHooksSource is the binary installed as the hooks executable when
	// hooks.source is not configured. It is looked up next to the mount binary.
	DefaultHooksSource = "gvfs"
)

// hookScripts are the git command hooks. They call back into the installed
// hooks executable, which takes the working directory lock around git commands.
var hookScripts = map[string]string{
	"pre-command":  "#!/bin/sh\nexec \"$(dirname \"$0\")/" + HooksExecutable + "\" lock acquire --command \"git $*\"\n",
	"post-command": "#!/bin/sh\nexec \"$(dirname \"$0\")/" + HooksExecutable + "\" lock release\n",
}

// hooksSource resolves the installed hooks executable.
func hooksSource(cfg types.HooksConfig) (string, error) {
	if cfg.Source != "" {
		return cfg.Source, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(common.ResolveSymlinks(exe)), DefaultHooksSource), nil
}

// InstallHooks makes the enlistment's hooks match the installed ones. The hooks
// executable is replaced when its content version differs from the source.
func InstallHooks(enl *types.Enlistment, cfg types.AppConfig) error {
	src, err := hooksSource(cfg.Hooks)
	if err != nil {
		return fmt.Errorf("resolve hooks source: %w", err)
	}

	hooksDir := enl.HooksRoot()
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}

	updated, err := syncHookFile(src, filepath.Join(hooksDir, HooksExecutable))
	if err != nil {
		return err
	}
	if updated {
		log.Info().Str("source", src).Str("hooks", hooksDir).Msg("updated hooks executable")
	}

	for name, script := range hookScripts {
		if err := writeIfChanged(filepath.Join(hooksDir, name), []byte(script), 0o755); err != nil {
			return fmt.Errorf("install %s hook: %w", name, err)
		}
	}
	return nil
}

// fileVersion is the content version of a file.
func fileVersion(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// syncHookFile copies src over dst when dst is missing or its version differs.
func syncHookFile(src, dst string) (bool, error) {
	want, err := fileVersion(src)
	if err != nil {
		return false, fmt.Errorf("read installed hooks %s: %w", src, err)
	}

	have, err := fileVersion(dst)
	switch {
	case err == nil && have == want:
		return false, nil
	case err != nil && !os.IsNotExist(err):
		return false, fmt.Errorf("read enlistment hooks %s: %w", dst, err)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return false, fmt.Errorf("read installed hooks %s: %w", src, err)
	}
	if err := atomicWrite(dst, data, 0o755); err != nil {
		return false, fmt.Errorf("copy hooks to %s: %w", dst, err)
	}
	return true, nil
}

func writeIfChanged(path string, data []byte, perm os.FileMode) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	return atomicWrite(path, data, perm)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.%s", path, uuid.New().String()[:6])
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
