package apfs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/apex/log"
)

// Cat writes the content of the file at path to w
func (v *Volume) Cat(path string, w io.Writer) error {
	f, err := v.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(w)
	if _, err := io.Copy(bw, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return bw.Flush()
}

// Copy copies src out of the volume into the host folder dest. A folder src
// copies the regular files and symlink contents directly inside it.
func (v *Volume) Copy(src, dest string) error {
	fi, err := v.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", src, err)
	}
	if !fi.IsDir() {
		return v.copyFile(src, filepath.Join(dest, path.Base(path.Clean("/"+src))))
	}

	entries, err := v.ListDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		child := path.Join("/", src, e.Name)
		if err := v.copyFile(child, filepath.Join(dest, e.Name)); err != nil {
			if errors.Is(err, ErrNotAFile) {
				log.Debugf("skipping %s: %v", child, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (v *Volume) copyFile(src, dest string) (err error) {
	f, err := v.OpenFile(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fo, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer func() {
		if cerr := fo.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(fo)
	n, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if n != f.Size() {
		log.Errorf("final file size %d did NOT match expected size of %d", n, f.Size())
	}
	log.Infof("Created %s", dest)
	return nil
}
