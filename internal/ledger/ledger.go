// Package ledger implements the agent's tamper-evident audit log: an
// append-only JSONL file where every entry carries a BLAKE3 hash over the
// previous entry's hash and its own canonical content. Mutating or removing
// any entry breaks the chain from that point forward.
package ledger

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// EventType enumerates the audit events the agent writes.
type EventType string

const (
	EventRetrievalAttempt EventType = "RETRIEVAL_ATTEMPT"
	EventRetrievalSuccess EventType = "RETRIEVAL_SUCCESS"
	EventRetrievalFailure EventType = "RETRIEVAL_FAILURE"
	EventRejected         EventType = "REJECTED"
	EventAgentStartup     EventType = "AGENT_STARTUP"
	EventAgentShutdown    EventType = "AGENT_SHUTDOWN"
)

// genesisHash anchors the chain before the first entry.
var genesisHash = strings.Repeat("0", 64)

// Domain separation keys for the two hashing contexts, ASCII padded to the
// 32 bytes BLAKE3 keyed mode requires. Changing them invalidates every
// existing ledger.
var (
	eventDomainKey = []byte("breakglass.ledger.event\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	nodeDomainKey  = []byte("breakglass.ledger.node\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")
)

// Event is one persisted ledger entry.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	Payload  map[string]any `json:"payload"`
	TS       string         `json:"timestamp"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// Checkpoint is a Merkle root over every entry hash at a point in time,
// suitable for external anchoring.
type Checkpoint struct {
	Root  string    `json:"root"`
	Count int       `json:"count"`
	TS    time.Time `json:"timestamp"`
}

// Ledger serializes appends through a mutex and fsyncs each entry; losing an
// audit record on crash is worse than the write latency.
type Ledger struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	hashes   []string
}

// Open creates or opens the ledger file and replays it to recover the chain
// tip. A corrupted chain is an open error, not something to silently accept.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{file: file, lastHash: genesisHash}
	if err := l.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek ledger: %w", err)
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return fmt.Errorf("ledger entry %d is not valid JSON: %w", line, err)
		}
		if ev.PrevHash != l.lastHash {
			return fmt.Errorf("ledger entry %d breaks the chain", line)
		}
		if entryHash(ev) != ev.Hash {
			return fmt.Errorf("ledger entry %d fails hash verification", line)
		}
		l.lastHash = ev.Hash
		l.hashes = append(l.hashes, ev.Hash)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	return nil
}

// Append writes one event and returns it with its chain position filled in.
func (l *Ledger) Append(eventType EventType, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Payload:  payload,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		PrevHash: l.lastHash,
	}
	ev.Hash = entryHash(ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal ledger event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("append ledger event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync ledger: %w", err)
	}

	l.lastHash = ev.Hash
	l.hashes = append(l.hashes, ev.Hash)
	return ev, nil
}

// Count returns the number of entries.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hashes)
}

// Verify rewalks the whole file and reports the first entry (1-based) that
// breaks the chain, or 0 when the ledger is intact.
func (l *Ledger) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("seek ledger: %w", err)
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prev := genesisHash
	line := 0
	for scanner.Scan() {
		line++
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return line, nil
		}
		if ev.PrevHash != prev || entryHash(ev) != ev.Hash {
			return line, nil
		}
		prev = ev.Hash
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read ledger: %w", err)
	}
	return 0, nil
}

// CheckpointNow computes the Merkle root over all entry hashes.
func (l *Ledger) CheckpointNow() Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Checkpoint{
		Root:  merkleRoot(l.hashes),
		Count: len(l.hashes),
		TS:    time.Now().UTC(),
	}
}

// Close releases the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// entryHash computes the keyed BLAKE3 hash over the previous hash and the
// canonical content of the entry. The canonical form is a sorted-key JSON
// object of every field except the hash itself.
func entryHash(ev Event) string {
	canonical, err := json.Marshal(map[string]any{
		"id":        ev.ID,
		"payload":   ev.Payload,
		"prev_hash": ev.PrevHash,
		"timestamp": ev.TS,
		"type":      string(ev.Type),
	})
	if err != nil {
		// map[string]any with JSON-safe values cannot fail to marshal.
		panic(err)
	}
	h, err := blake3.NewKeyed(eventDomainKey)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(ev.PrevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// merkleRoot folds the entry hashes pairwise, duplicating the last node of
// odd levels, until one root remains.
func merkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return genesisHash
	}
	level := make([]string, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h, err := blake3.NewKeyed(nodeDomainKey)
			if err != nil {
				panic(err)
			}
			h.Write([]byte(level[i]))
			h.Write([]byte(level[i+1]))
			next = append(next, hex.EncodeToString(h.Sum(nil)))
		}
		level = next
	}
	return level[0]
}
