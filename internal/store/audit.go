package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// AuditEvent is one line in the append-only audit log. Seq is strictly
// increasing and is the sole authoritative ordering key; timestamps are
// informational only.
type AuditEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Op        string         `json:"op"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
}

// appendAudit writes one audit event with seq = last seq + 1. The log is
// opened O_APPEND so a crashed write never corrupts earlier events.
func (s *Store) appendAudit(runID, op, reason string, details map[string]any) error {
	last, err := s.lastAuditSeq(runID)
	if err != nil {
		return err
	}

	event := AuditEvent{
		Seq:       last + 1,
		Timestamp: s.now(),
		Op:        op,
		Reason:    reason,
		Details:   details,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal audit event: %w", err)
	}

	f, err := os.OpenFile(s.auditPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("store: open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	return nil
}

func (s *Store) lastAuditSeq(runID string) (int64, error) {
	events, err := s.ReadAudit(runID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// ReadAudit returns all audit events for a run in seq order. A truncated
// trailing line (partial write at crash) is skipped, not an error.
func (s *Store) ReadAudit(runID string) ([]AuditEvent, error) {
	f, err := os.Open(s.auditPath(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open audit log: %w", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: scan audit log: %w", err)
	}
	return events, nil
}
