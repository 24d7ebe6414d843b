// Package session enforces the one-orchestrator-per-project rule via a
// lock file with a heartbeat
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrActiveSession means another orchestrator holds a fresh lock
var ErrActiveSession = errors.New("another orchestrator session is active")

// LockFileName is the marker file for the active orchestrator run
const LockFileName = "session.json"

// Record is the persisted shape of the session lock
type Record struct {
	SessionID   string `json:"session_id"`
	PID         int    `json:"pid"`
	StartedAt   int64  `json:"started_at"`
	HeartbeatAt int64  `json:"heartbeat_at"`
}

// Lock is an acquired session lock. Release it when the run ends.
type Lock struct {
	ID   string
	path string

	startedAt int64
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// Acquire takes the session lock in dir. A lock whose heartbeat is older
// than staleAfter belongs to a dead orchestrator and is taken over with a
// warning; a fresh lock means a second orchestrator and is refused.
//
// The O_EXCL create is the atomicity point: of two racing orchestrators
// exactly one gets the file, and the loser sees a fresh heartbeat.
func Acquire(dir string, interval, staleAfter time.Duration) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)

	l := &Lock{
		ID:        uuid.NewString(),
		path:      path,
		startedAt: time.Now().UnixMilli(),
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if werr := writeRecord(f, l.record()); werr != nil {
				os.Remove(path)
				return nil, werr
			}
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating session lock: %w", err)
		}

		if existing, rerr := read(path); rerr == nil {
			age := time.Since(time.UnixMilli(existing.HeartbeatAt))
			if age < staleAfter {
				return nil, fmt.Errorf("%w: pid %d, heartbeat %s ago",
					ErrActiveSession, existing.PID, age.Round(time.Second))
			}
			log.Printf("⚠️  Taking over stale session %s (pid %d, heartbeat %s ago)",
				existing.SessionID, existing.PID, age.Round(time.Second))
		} else if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) < staleAfter {
			// Unreadable but recently written, most likely a racing acquirer
			// between its O_EXCL create and its first record write.
			return nil, fmt.Errorf("%w: lock is being written", ErrActiveSession)
		} else if serr != nil {
			continue // lock vanished between create and read, retry
		}

		// Stale or long-dead unreadable lock. Break it and race for the
		// slot again; a concurrent taker-over may win the next create.
		os.Remove(path)
	}

	go l.heartbeatLoop()
	return l, nil
}

// Release stops the heartbeat and removes the lock file
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		os.Remove(l.path)
	})
}

func (l *Lock) heartbeatLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.write(); err != nil {
				log.Printf("⚠️  Session heartbeat failed: %v", err)
			}
		}
	}
}

func (l *Lock) record() Record {
	return Record{
		SessionID:   l.ID,
		PID:         os.Getpid(),
		StartedAt:   l.startedAt,
		HeartbeatAt: time.Now().UnixMilli(),
	}
}

// writeRecord writes through an already-open file handle, used for the
// initial O_EXCL write
func writeRecord(f *os.File, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		f.Close()
		return fmt.Errorf("marshaling session record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	return nil
}

// write refreshes the lock record atomically (temp file then rename), so
// readers never see a torn heartbeat
func (l *Lock) write() error {
	data, err := json.MarshalIndent(l.record(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing session record: %w", err)
	}
	return nil
}

func read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing session record: %w", err)
	}
	return &rec, nil
}
