package collection

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/anastasop/imgcache/internal/decode"
)

// Scan returns the files under paths the registry supports, images and
// videos. Directories are walked recursively. Errors are logged and the
// offending path skipped.
func Scan(registry *decode.Registry, log *logrus.Entry, paths ...string) []string {
	if registry == nil {
		registry = decode.DefaultRegistry()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var files []string
	for _, p := range paths {
		files = append(files, filesOfPath(registry, log, p)...)
	}
	return files
}

// filesOfPath adds the file at path, descending it if a directory.
func filesOfPath(registry *decode.Registry, log *logrus.Entry, name string) []string {
	info, err := os.Stat(name)
	if err != nil {
		log.Warnf("scan: cannot stat file: %v", err)
		return nil
	}
	if info.IsDir() {
		return scanDir(registry, log, name)
	}
	if !info.Mode().IsRegular() {
		log.Infof("scan: ignoring special file %s", name)
		return nil
	}
	if !registry.Supports(name) {
		return nil
	}
	return []string{name}
}

// scanDir walks dir and adds the files found.
func scanDir(registry *decode.Registry, log *logrus.Entry, dir string) []string {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// an unreadable directory is skipped, the walk goes on
			log.Warnf("scan: %v", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			log.Infof("scan: ignoring special file %s", path)
			return nil
		}
		if !registry.Supports(path) {
			return nil
		}
		files = append(files, path)
		return nil
	}

	if err := filepath.WalkDir(dir, walkFn); err != nil {
		log.Warnf("scan: %s: %v", dir, err)
	}

	return files
}
