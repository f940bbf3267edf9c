package models

import (
	"fmt"
	"strings"
	"time"
)

const noStatus = "none"

// AuditEntry is one line of a payout's notes:
//
//	2026-10-17T09:30:00Z|approved->processing|actor=admin@chainfund.io|reason=
type AuditEntry struct {
	At     time.Time
	From   PayoutStatus
	To     PayoutStatus
	Actor  string
	Reason string
}

// Format renders the entry as a single newline-terminated line.
func (e AuditEntry) Format() string {
	from := string(e.From)
	if from == "" {
		from = noStatus
	}
	return fmt.Sprintf("%s|%s->%s|actor=%s|reason=%s\n",
		e.At.UTC().Format(time.RFC3339), from, e.To, sanitizeAudit(e.Actor), sanitizeAudit(e.Reason))
}

// ParseAuditLog parses notes written by AuditEntry.Format. Blank lines are skipped.
func ParseAuditLog(notes string) ([]AuditEntry, error) {
	var entries []AuditEntry
	for i, line := range strings.Split(notes, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("audit line %d: expected 4 fields, got %d", i+1, len(parts))
		}
		at, err := time.Parse(time.RFC3339, parts[0])
		if err != nil {
			return nil, fmt.Errorf("audit line %d: %w", i+1, err)
		}
		from, to, ok := strings.Cut(parts[1], "->")
		if !ok {
			return nil, fmt.Errorf("audit line %d: malformed transition %q", i+1, parts[1])
		}
		actor, ok := strings.CutPrefix(parts[2], "actor=")
		if !ok {
			return nil, fmt.Errorf("audit line %d: missing actor", i+1)
		}
		reason, ok := strings.CutPrefix(parts[3], "reason=")
		if !ok {
			return nil, fmt.Errorf("audit line %d: missing reason", i+1)
		}
		if from == noStatus {
			from = ""
		}
		entries = append(entries, AuditEntry{
			At:     at,
			From:   PayoutStatus(from),
			To:     PayoutStatus(to),
			Actor:  actor,
			Reason: reason,
		})
	}
	return entries, nil
}

func sanitizeAudit(s string) string {
	return strings.NewReplacer("|", "/", "\n", " ", "\r", " ").Replace(s)
}
