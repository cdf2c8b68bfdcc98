package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SQLite locking is unreliable on these.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, detectFilesystemType)
}

func checkLocalFilesystemWith(path string, detect func(string) (string, error)) error {
	probe, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(probe)
	if err != nil {
		// Unknown platforms fall through; the open itself will complain.
		return nil
	}
	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("history database %q is on network filesystem %q; set state.path to a local disk", path, fsType)
	}
	return nil
}

// closestExisting walks up from path to the first ancestor that exists.
func closestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
