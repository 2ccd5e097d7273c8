// Package audit keeps an append-only, hash-chained record of handled
// requests. Each line is a JSON Entry whose Hash covers the entry and the
// previous line's hash, so edits or deletions inside the file are detectable.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrChainBroken = errors.New("audit: chain broken")

const maxLine = 64 * 1024

// Entry never carries passwords, passphrases or ciphertext.
type Entry struct {
	Time    time.Time `json:"time"`
	ConnID  string    `json:"conn_id,omitempty"`
	Remote  string    `json:"remote,omitempty"`
	Action  string    `json:"action"`
	User    string    `json:"user,omitempty"`
	App     string    `json:"app,omitempty"`
	Outcome string    `json:"outcome"`
	Prev    string    `json:"prev"`
	Hash    string    `json:"hash"`
}

func (e Entry) digest() (string, error) {
	e.Hash = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "encode audit entry")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type Log struct {
	mu       sync.Mutex
	f        *os.File
	lastHash string
}

// Open verifies the existing chain at path, if any, and opens it for
// appending.
func Open(path string) (*Log, error) {
	last, _, err := verifyFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log %q", path)
	}
	return &Log{f: f, lastHash: last}, nil
}

// Append links e to the chain and writes it as one line.
func (l *Log) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Prev = l.lastHash
	h, err := e.digest()
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h

	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, errors.Wrap(err, "encode audit entry")
	}
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return Entry{}, errors.Wrap(err, "write audit entry")
	}
	l.lastHash = e.Hash
	return e, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Verify recomputes the chain stored at path and returns the number of
// entries checked.
func Verify(path string) (int, error) {
	_, n, err := verifyFile(path)
	return n, err
}

func verifyFile(path string) (last string, n int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return "", n, errors.Wrapf(ErrChainBroken, "line %d: %v", n+1, err)
		}
		if e.Prev != last {
			return "", n, errors.Wrapf(ErrChainBroken, "line %d: unexpected prev hash", n+1)
		}
		want, err := e.digest()
		if err != nil {
			return "", n, err
		}
		if want != e.Hash {
			return "", n, errors.Wrapf(ErrChainBroken, "line %d: hash mismatch", n+1)
		}
		last = e.Hash
		n++
	}
	if err := sc.Err(); err != nil {
		return "", n, errors.Wrap(err, "read audit log")
	}
	return last, n, nil
}
