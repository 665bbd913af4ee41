package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const hashHexLen = 24

// NormalizeLabel lower-cases, trims and collapses whitespace so the
// fingerprint is insensitive to incidental source formatting but still
// sensitive to anything a user would read as a different event.
func NormalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint derives the stable cross-ingest identity of an event from
// its kind, minute-rounded time range and normalized label. It must
// never depend on insertion order or a surrogate counter.
func Fingerprint(kind EventKind, start, end time.Time, label string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteString("|")
	b.WriteString(start.UTC().Truncate(time.Minute).Format(time.RFC3339))
	b.WriteString("|")
	b.WriteString(end.UTC().Truncate(time.Minute).Format(time.RFC3339))
	b.WriteString("|")
	b.WriteString(NormalizeLabel(label))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}

// ContentHash covers everything the projector pushes to the remote
// calendar. Two events with equal content hashes render to an identical
// remote entry, which is what makes the projection pass idempotent.
func ContentHash(e CanonicalEvent) string {
	parts := []string{
		string(e.Kind),
		e.StartTime.UTC().Format(time.RFC3339),
		e.EndTime.UTC().Format(time.RFC3339),
		strconv.FormatBool(e.AllDay),
		CalendarTitle(e),
		CalendarDescription(e),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}
