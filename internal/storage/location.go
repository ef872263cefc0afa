package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Location is where a results database file would be created.
type Location struct {
	Path       string // absolute database path
	Dir        string // nearest existing directory above Path
	Filesystem string // filesystem name, "unknown" where it cannot be read
	Network    bool
}

// SQLite file locking is unreliable on these.
var networkFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smb2":   true,
	"smbfs":  true,
	"webdav": true,
}

// Locate resolves path and names the filesystem that would hold it.
func Locate(path string) (Location, error) {
	return locate(path, filesystemName)
}

func locate(path string, fsName func(dir string) (string, error)) (Location, error) {
	if strings.TrimSpace(path) == "" {
		return Location{}, errors.New("database path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Location{}, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	dir, err := existingDir(abs)
	if err != nil {
		return Location{}, err
	}
	name, err := fsName(dir)
	if err != nil {
		return Location{}, fmt.Errorf("identify filesystem of %s: %w", dir, err)
	}
	return Location{
		Path:       abs,
		Dir:        dir,
		Filesystem: name,
		Network:    networkFilesystems[strings.ToLower(name)],
	}, nil
}

// CheckPath rejects a database path that SQLite cannot lock reliably or that
// names a directory.
func CheckPath(path string) error {
	loc, err := Locate(path)
	if err != nil {
		return err
	}
	return loc.Check()
}

// Check reports why l cannot host the database, if it cannot.
func (l Location) Check() error {
	if l.Network {
		return fmt.Errorf("database %s would sit on network filesystem %s; point storage.path at local disk", l.Path, l.Filesystem)
	}
	if info, err := os.Stat(l.Path); err == nil && info.IsDir() {
		return fmt.Errorf("database %s is a directory", l.Path)
	}
	return nil
}

// existingDir walks up from the parent of p to the first directory that
// exists. A regular file in the way is an error.
func existingDir(p string) (string, error) {
	dir := filepath.Dir(p)
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("%s is not a directory", dir)
			}
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing directory above %s", p)
		}
		dir = parent
	}
}
