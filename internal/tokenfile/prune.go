// Package tokenfile manages token shard files: newline-delimited device
// tokens consumed front to back by the delivery binary.
//
// Pruning only ever removes a prefix. A shard file is owned by a single
// writer; nothing here locks.
package tokenfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Prune removes the delivered prefix of a shard. A positive lineno drops
// that many lines; otherwise everything up to and including the first line
// equal to target is dropped.
func Prune(path string, lineno int, target string) error {
	if lineno > 0 {
		return PruneLines(path, lineno)
	}
	return PruneThrough(path, target)
}

// PruneLines drops the first n lines of the file.
func PruneLines(path string, n int) error {
	if n <= 0 {
		return nil
	}
	return rewrite(path, func(r *bufio.Reader) error {
		for i := 0; i < n; i++ {
			if _, err := r.ReadBytes('\n'); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

// PruneThrough drops every line up to and including the first one whose
// trimmed content equals target.
//
// If no line matches, the whole file is consumed and the shard ends up
// empty.
func PruneThrough(path, target string) error {
	target = strings.TrimSpace(target)
	return rewrite(path, func(r *bufio.Reader) error {
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 && string(bytes.TrimSpace(line)) == target {
				return nil
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

// rewrite lets skip consume a prefix of the file, then replaces the file
// with whatever is left.
func rewrite(path string, skip func(*bufio.Reader) error) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	r := bufio.NewReader(src)
	if err = skip(r); err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
