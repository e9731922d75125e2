package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// GenesisHash is the prev_hash for the first entry of a run.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// validRunID rejects run IDs that could cause path traversal.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// tail is the recovered chain state for one run's file. size is the file
// length this process last observed, used to detect writes by another Log
// on the same directory.
type tail struct {
	seq      int
	prevHash string
	size     int64
}

// Log is an append-only audit store: one JSONL file per run, each line
// SHA-256 hash-chained to the previous and sequence-numbered from 1.
// Sequence assignment is atomic per run, so concurrent runs interleave
// safely while each run's trail stays gap-free and totally ordered.
type Log struct {
	dir   string
	mu    sync.Mutex
	tails map[string]*tail
}

// Open creates (or reuses) the audit directory.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	return &Log{dir: dir, tails: make(map[string]*tail)}, nil
}

// DefaultDir returns the default audit log directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stormguard-audit")
	}
	return filepath.Join(home, ".stormguard", "audit")
}

// Append assigns the next sequence number for the entry's run, chains it to
// the previous line, writes and syncs. Returns the assigned sequence number.
func (l *Log) Append(entry Entry) (int, error) {
	if entry.RunID == "" || !validRunID.MatchString(entry.RunID) {
		return 0, fmt.Errorf("audit: invalid run id %q", entry.RunID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.tailFor(entry.RunID)
	if err != nil {
		return 0, err
	}
	// Another Log on the same directory may have appended since the tail
	// was cached. Re-read it from the file so the chain never forks.
	if info, serr := os.Stat(l.path(entry.RunID)); (serr == nil && info.Size() != t.size) ||
		(serr != nil && t.size != 0) {
		delete(l.tails, entry.RunID)
		if t, err = l.tailFor(entry.RunID); err != nil {
			return 0, err
		}
	}

	entry.Seq = t.seq + 1
	entry.PrevHash = t.prevHash
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal entry: %w", err)
	}

	f, err := os.OpenFile(l.path(entry.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("audit: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("audit: sync: %w", err)
	}

	t.seq = entry.Seq
	t.prevHash = HashLine(line)
	t.size += int64(len(line)) + 1
	return entry.Seq, nil
}

// ReadAll returns the full ordered trail for a run. A missing file is an
// empty trail, not an error.
func (l *Log) ReadAll(runID string) ([]Entry, error) {
	if !validRunID.MatchString(runID) {
		return nil, fmt.Errorf("audit: invalid run id %q", runID)
	}

	f, err := os.Open(l.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: parse line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return entries, nil
}

// Path returns the JSONL file for a run. Exposed for verify tooling.
func (l *Log) Path(runID string) string {
	return l.path(runID)
}

func (l *Log) path(runID string) string {
	return filepath.Join(l.dir, runID+".jsonl")
}

// tailFor recovers the chain tail for a run, reading the existing file once.
func (l *Log) tailFor(runID string) (*tail, error) {
	if t, ok := l.tails[runID]; ok {
		return t, nil
	}

	t := &tail{prevHash: GenesisHash}

	if info, err := os.Stat(l.path(runID)); err == nil && info.Size() > 0 {
		t.size = info.Size()
		f, err := os.Open(l.path(runID))
		if err != nil {
			return nil, fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		var lastLine []byte
		lines := 0
		for scanner.Scan() {
			lines++
			lastLine = make([]byte, len(scanner.Bytes()))
			copy(lastLine, scanner.Bytes())
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			var last Entry
			if err := json.Unmarshal(lastLine, &last); err != nil {
				return nil, fmt.Errorf("audit: corrupt tail: %w", err)
			}
			t.seq = last.Seq
			t.prevHash = HashLine(lastLine)
		}
	}

	l.tails[runID] = t
	return t, nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
