package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errDetectUnsupported marks platforms without filesystem detection; the check
// is skipped there.
var errDetectUnsupported = errors.New("filesystem detection unsupported")

// ErrNetworkFilesystem is returned for paths on a network mount.
var ErrNetworkFilesystem = errors.New("storage: path is on a network filesystem")

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocal rejects paths whose nearest existing ancestor sits on a network
// mount. The state database, PID locks and driver sockets all rely on local
// flock(2) and unix socket semantics.
func CheckLocal(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detect(existing)
	switch {
	case errors.Is(err, errDetectUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	case isNetworkFilesystem(fsType):
		return fmt.Errorf("%w: %q is on %q", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// nearestExistingPath walks up from path until something exists, so a state
// directory can be checked before it is created.
func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for candidate := abs; ; candidate = filepath.Dir(candidate) {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		if filepath.Dir(candidate) == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
