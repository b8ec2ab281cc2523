package dataset

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LedgerFile is the name of the processed-image ledger.
const LedgerFile = "processed.txt"

// Ledger is the append-only list of source images already consumed by the
// extraction stage. It makes reruns skip work that is already done.
type Ledger struct {
	mu   sync.Mutex
	path string
	seen map[string]struct{}
}

// OpenLedger loads the ledger at path, creating it if absent.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	l := &Ledger{path: path, seen: make(map[string]struct{})}
	if err := readLedgerLines(f, l.seen); err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	return l, nil
}

// LoadLedgers reads every processed.txt below root and returns the union of
// their entries.
func LoadLedgers(root string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != LedgerFile {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return readLedgerLines(f, seen)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledgers under %s: %w", root, err)
	}
	return seen, nil
}

func readLedgerLines(r io.Reader, into map[string]struct{}) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			into[line] = struct{}{}
		}
	}
	return scanner.Err()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Len returns the number of distinct entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Contains reports whether source was already processed.
func (l *Ledger) Contains(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[source]
	return ok
}

// Append records sources as processed. Entries already present are not
// written again.
func (l *Ledger) Append(sources ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := l.seen[s]; ok {
			continue
		}
		l.seen[s] = struct{}{}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return nil
	}
	return appendFile(l.path, []byte(b.String()))
}

// AppendFrom copies the entries of another ledger file into this one.
// A missing file is ignored.
func (l *Ledger) AppendFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	defer f.Close()

	entries := make(map[string]struct{})
	var ordered []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, ok := entries[line]; !ok {
			entries[line] = struct{}{}
			ordered = append(ordered, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	return l.Append(ordered...)
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return f.Close()
}
