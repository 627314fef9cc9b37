package decode

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"
)

func nopClose() error { return nil }

func statRegular(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("open: %s: not a regular file", path)
	}
	return info, nil
}

// openBlob returns the contents of the file at path. Files of at least
// mmapThreshold bytes are mapped in memory instead of read, unless the
// threshold is not positive. The caller must call the returned close func.
func openBlob(path string, mmapThreshold int64) (Blob, func() error, error) {
	info, err := statRegular(path)
	if err != nil {
		return nil, nil, err
	}

	if mmapThreshold > 0 && info.Size() >= mmapThreshold {
		r, err := mmap.Open(path)
		if err == nil {
			return r, r.Close, nil
		}
		// fall through and try a plain read
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	return bytes.NewReader(data), nopClose, nil
}

// fileBlob reads an open file on demand.
type fileBlob struct {
	*os.File
	size int
}

func (f fileBlob) Len() int { return f.size }

// openFile is like openBlob but reads only the parts of the file that are
// asked for. Headers are read this way.
func openFile(path string) (Blob, func() error, error) {
	info, err := statRegular(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	return fileBlob{File: f, size: int(info.Size())}, f.Close, nil
}
