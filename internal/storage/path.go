package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// RemotePrefix marks a pack location that lives in the object store.
const RemotePrefix = "s3:"

var packNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Location is where an example pack is read from or written to: a local file
// path, or an object key when Remote is set.
type Location struct {
	Remote bool
	Path   string
}

func (l Location) String() string {
	if l.Remote {
		return RemotePrefix + l.Path
	}
	return l.Path
}

// ParseLocation accepts "s3:<key>" for objects and anything else as a local
// path.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("location is required")
	}
	if !strings.HasPrefix(raw, RemotePrefix) {
		return Location{Path: raw}, nil
	}
	key := strings.TrimLeft(strings.TrimPrefix(raw, RemotePrefix), "/")
	if key == "" {
		return Location{}, fmt.Errorf("object key is required in %q", raw)
	}
	return Location{Remote: true, Path: key}, nil
}

// BuildPackPath returns the object key for an exported pack, partitioned by
// export date.
func BuildPackPath(name, extension string, exportedAt time.Time) (string, error) {
	if !packNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid pack name: %q", name)
	}
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if extension == "" {
		return "", fmt.Errorf("extension is required")
	}
	ts := exportedAt.UTC()
	return path.Join(
		"packs",
		name,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s-%s.%s", name, ts.Format("150405"), extension),
	), nil
}

// PackPrefix returns the key prefix holding every export of name, or of all
// packs when name is empty.
func PackPrefix(name string) (string, error) {
	if name == "" {
		return "packs/", nil
	}
	if !packNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid pack name: %q", name)
	}
	return "packs/" + name + "/", nil
}
