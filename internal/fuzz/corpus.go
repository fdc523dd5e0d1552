package fuzz

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

// Corpus is the shared in-memory set of interesting inputs. Crashing and
// timing-out inputs are written to CrashesDir.
type Corpus struct {
	mu      sync.Mutex
	entries [][]byte
	seen    map[uint64]struct{}

	Dir        string
	CrashesDir string
}

// NewCorpus returns an empty corpus seeded from dir by Load.
func NewCorpus(dir, crashesDir string) *Corpus {
	return &Corpus{
		seen:       make(map[uint64]struct{}),
		Dir:        dir,
		CrashesDir: crashesDir,
	}
}

// Load adds every regular file in Dir. A missing directory loads nothing.
// When nothing was loaded a single all-zero input is added so mutation has
// somewhere to start.
func (c *Corpus) Load() (int, error) {
	n := 0
	entries, err := os.ReadDir(c.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("read corpus dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.Dir, e.Name()))
		if err != nil {
			return n, fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		if c.Add(data) {
			n++
		}
	}
	if c.Len() == 0 {
		c.Add(make([]byte, MinInputSize))
	}
	return n, nil
}

// Add stores input unless an identical input is already present.
func (c *Corpus) Add(input []byte) bool {
	h := murmur3.Sum64(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[h]; ok {
		return false
	}
	c.seen[h] = struct{}{}
	c.entries = append(c.entries, append([]byte(nil), input...))
	return true
}

// Len returns the number of entries.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns entry i.
func (c *Corpus) Get(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[i]
}

// Random returns a uniformly chosen entry, or nil when empty.
func (c *Corpus) Random(r *rand.Rand) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[r.IntN(len(c.entries))]
}

// SaveCrash writes input to CrashesDir as <kind>-<uuid>. A non-empty
// backtrace is written next to it with a .backtrace suffix.
func (c *Corpus) SaveCrash(kind ExitKind, input []byte, backtrace string) (string, error) {
	if err := os.MkdirAll(c.CrashesDir, 0o755); err != nil {
		return "", fmt.Errorf("create crashes dir: %w", err)
	}
	path := filepath.Join(c.CrashesDir, kind.String()+"-"+uuid.NewString())
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return "", fmt.Errorf("write crash: %w", err)
	}
	if backtrace != "" {
		if err := os.WriteFile(path+".backtrace", []byte(backtrace), 0o644); err != nil {
			return path, fmt.Errorf("write backtrace: %w", err)
		}
	}
	return path, nil
}
