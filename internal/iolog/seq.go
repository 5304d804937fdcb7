package iolog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// SeqFile is the name of the sequence counter inside the base directory.
const SeqFile = "seq"

const (
	seqLen = 6
	seqMax = 36 * 36 * 36 * 36 * 36 * 36 // 36^6
)

// FormatSeq renders n as a six character, upper case base-36 id.
func FormatSeq(n uint64) string {
	s := strings.ToUpper(strconv.FormatUint(n%seqMax, 36))
	if len(s) < seqLen {
		s = strings.Repeat("0", seqLen-len(s)) + s
	}
	return s
}

// ParseSeq parses a base-36 id as written by FormatSeq.
func ParseSeq(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) != seqLen {
		return 0, fmt.Errorf("sequence %q: want %d base-36 digits", s, seqLen)
	}
	n, err := strconv.ParseUint(strings.ToLower(s), 36, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence %q: %w", s, err)
	}
	return n, nil
}

// SplitSeq turns "00002A" into "00/00/2A".
func SplitSeq(id string) string {
	if len(id) != seqLen {
		return id
	}
	return id[0:2] + "/" + id[2:4] + "/" + id[4:6]
}

// NextSeq advances the counter stored in base/seq and returns the new id.
// Concurrent sessions serialize on an advisory lock of the counter file.
// After ZZZZZZ the counter wraps to 000000.
func NextSeq(base string) (string, error) {
	if err := os.MkdirAll(base, 0o750); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(base, SeqFile)

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	var cur uint64
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return "", fmt.Errorf("read %s: %w", path, err)
	case len(strings.TrimSpace(string(data))) > 0:
		if cur, err = ParseSeq(string(data)); err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}

	id := FormatSeq((cur + 1) % seqMax)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}
