package tokenfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// ShardCount is the number of shards a token set is split into, one per
// hex digit.
const ShardCount = 16

// ShardPath returns the file holding shard i of base, e.g. tokens.txt.a.
func ShardPath(base string, i int) string {
	return fmt.Sprintf("%s.%x", base, i)
}

// ShardPaths returns all shard files of base in bucket order.
func ShardPaths(base string) []string {
	paths := make([]string, ShardCount)
	for i := range paths {
		paths[i] = ShardPath(base, i)
	}
	return paths
}

// EstimateLines guesses the number of tokens left in a shard from its size,
// assuming fixed-length tokens terminated by '\n'.
func EstimateLines(path string, tokenLength int) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size() / int64(tokenLength+1), nil
}

// CountLines returns the number of non-blank lines in a shard.
func CountLines(path string) (n int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		if len(bytes.TrimSpace(s.Bytes())) > 0 {
			n++
		}
	}
	return n, s.Err()
}

// Writer appends tokens to a shard file, one per line.
type Writer struct {
	f     *os.File
	w     *bufio.Writer
	count int
}

// Create truncates or creates the shard file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends a single token.
func (w *Writer) Write(token string) error {
	if _, err := w.w.WriteString(token); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of tokens written so far.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
