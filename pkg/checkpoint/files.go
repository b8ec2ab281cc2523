package checkpoint

import (
	"os"
	"path/filepath"
)

func renameFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		os.Remove(src)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return writeAtomic(dst, data)
}
