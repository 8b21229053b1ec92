package server

import (
	"os"
	"strings"

	"github.com/lanternfs/lantern/protocol"
)

// partSuffix marks an upload still being received. Such files are
// renamed into place only once complete and never appear in listings.
const partSuffix = ".part"

// FileInfo describes one entry of the shared directory.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListSharedFiles enumerates the regular files directly inside dir.
// Subdirectories are not traversed. Names that would corrupt the wire
// listing (containing the separator) and in-flight upload staging files
// are skipped.
func ListSharedFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	res := make([]FileInfo, 0, len(entries))

	for _, e := range entries {
		if strings.HasSuffix(e.Name(), partSuffix) || strings.Contains(e.Name(), protocol.Separator) {
			continue
		}

		fi, err := e.Info()
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}

		res = append(res, FileInfo{Name: e.Name(), Size: fi.Size()})
	}

	return res, nil
}
