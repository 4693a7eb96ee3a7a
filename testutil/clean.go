package testutil

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// CleanDir removes everything in the directory named by dirname except for
// any directory entries specified by keeps. The directory is created if it
// does not exist.
func CleanDir(fs afero.Fs, dirname string, keeps []string) error {
	fis, err := afero.ReadDir(fs, dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return fs.MkdirAll(dirname, 0755)
		}
		return err
	}

	m := map[string]struct{}{}
	for _, k := range keeps {
		m[k] = struct{}{}
	}

	for _, fi := range fis {
		n := fi.Name()
		if _, found := m[n]; found {
			continue
		}
		err = fs.RemoveAll(filepath.Join(dirname, n))
		if err != nil {
			return err
		}
	}
	return nil
}
