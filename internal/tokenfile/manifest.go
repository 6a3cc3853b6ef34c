package tokenfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode"
)

// Manifest maps shard file paths to the number of tokens exported into
// them. It is written next to the shards so a run can resume without
// querying the database again.
type Manifest map[string]int

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Save writes the manifest as a single JSON object.
func (m Manifest) Save(path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Shards returns the shard paths in sorted order.
func (m Manifest) Shards() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Total is the number of tokens across all shards.
func (m Manifest) Total() (n int) {
	for _, c := range m {
		n += c
	}
	return
}

// IsManifest reports whether the file at path looks like a manifest rather
// than a plain token file.
func IsManifest(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		c, _, err := r.ReadRune()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !unicode.IsSpace(c) {
			return c == '{', nil
		}
	}
}
