package storage

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"codeberg.org/mutker/recorderd/internal/errors"
)

// Filesystem magic numbers from statfs(2).
var fsMagic = map[string]int64{
	"fuse":  0x65735546,
	"nfs":   0x6969,
	"cifs":  0xFF534D42,
	"smb2":  0xFE534D42,
	"9p":    0x01021997,
	"ceph":  0x00C36400,
	"ext4":  0xEF53,
	"xfs":   0x58465342,
	"btrfs": 0x9123683E,
	"tmpfs": 0x01021994,
}

// Discriminator selects which remote-mount signals must be present.
// Every enabled signal has to pass.
type Discriminator struct {
	// MarkerFile is a regular file expected directly under the root.
	MarkerFile string
	// FSTypes lists allowed statfs magic numbers.
	FSTypes []int64
	// RequireMountPoint rejects a root on the same device as its parent.
	RequireMountPoint bool
}

// Enabled reports whether at least one signal is configured.
func (d Discriminator) Enabled() bool {
	return d.MarkerFile != "" || len(d.FSTypes) > 0 || d.RequireMountPoint
}

// ParseFSTypes maps filesystem names, or 0x-prefixed magic numbers, to
// statfs magic numbers.
func ParseFSTypes(names []string) ([]int64, error) {
	out := make([]int64, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if magic, ok := fsMagic[name]; ok {
			out = append(out, magic)
			continue
		}
		var magic int64
		if _, err := fmt.Sscanf(name, "0x%x", &magic); err == nil {
			out = append(out, magic)
			continue
		}
		return nil, errors.New().WithData(ErrUnknownFSType, name)
	}

	return out, nil
}

// IsRemoteMount reports whether root carries the configured remote-mount
// signals. When it does not, the second value says which signal failed.
// A root that exists but fails here is a local fallback directory.
func IsRemoteMount(fs Filesystem, root string, d Discriminator) (bool, string) {
	if !d.Enabled() {
		return false, "no remote mount signal configured"
	}

	if d.RequireMountPoint {
		ok, detail := isMountPoint(fs, root)
		if !ok {
			return false, detail
		}
	}

	if len(d.FSTypes) > 0 {
		info, err := fs.Statfs(root)
		if err != nil {
			return false, "statfs: " + err.Error()
		}
		if !slices.Contains(d.FSTypes, info.Type) {
			return false, fmt.Sprintf("filesystem type 0x%x not allowed", info.Type)
		}
	}

	if d.MarkerFile != "" {
		fi, err := fs.Stat(filepath.Join(root, d.MarkerFile))
		if err != nil {
			return false, "marker " + d.MarkerFile + " missing"
		}
		if !fi.Mode().IsRegular() {
			return false, "marker " + d.MarkerFile + " is not a regular file"
		}
	}

	return true, ""
}

func isMountPoint(fs Filesystem, root string) (bool, string) {
	clean := filepath.Clean(root)
	parent := filepath.Dir(clean)
	if parent == clean {
		return false, "root is the filesystem root"
	}

	dev, err := fs.DeviceID(clean)
	if err != nil {
		return false, "stat device: " + err.Error()
	}
	parentDev, err := fs.DeviceID(parent)
	if err != nil {
		return false, "stat parent device: " + err.Error()
	}
	if dev == parentDev {
		return false, "not a mount point"
	}

	return true, ""
}
