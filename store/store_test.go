package store

import (
	"errors"
	"testing"
	"time"

	"gammaflow/models"
)

func openQuoteStore(t *testing.T, maxBytes int64) *QuoteStore {
	t.Helper()
	s, err := OpenQuoteStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("open quote store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openRetainedStore(t *testing.T, retention time.Duration) *RetainedStore {
	t.Helper()
	s, err := OpenRetainedStore(t.TempDir(), 0, retention)
	if err != nil {
		t.Fatalf("open retained store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQuotePutGetRoundTrip(t *testing.T) {
	s := openQuoteStore(t, 0)

	ts := time.Date(2025, 4, 25, 14, 30, 0, 0, time.UTC)
	if err := s.Put(".SPY250425C500", models.FieldGamma, 0.05, ts); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, err := s.Get(".SPY250425C500", models.FieldGamma)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Value != 0.05 {
		t.Fatalf("value mismatch: %v", rec.Value)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v", rec.Timestamp)
	}
}

func TestQuoteGetNotFound(t *testing.T) {
	s := openQuoteStore(t, 0)
	if _, err := s.Get(".SPY250425C500", models.FieldGamma); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQuoteStaleWriteIgnored(t *testing.T) {
	s := openQuoteStore(t, 0)

	newer := time.Date(2025, 4, 25, 14, 30, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)

	if err := s.Put(".SPY250425C500", models.FieldLast, 2.50, newer); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(".SPY250425C500", models.FieldLast, 2.40, older); err != nil {
		t.Fatalf("stale put: %v", err)
	}

	rec, err := s.Get(".SPY250425C500", models.FieldLast)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Value != 2.50 || !rec.Timestamp.Equal(newer) {
		t.Fatalf("stale write overwrote newer record: %+v", rec)
	}
}

func TestQuoteScanFiltersBySymbol(t *testing.T) {
	s := openQuoteStore(t, 0)
	ts := time.Now()

	puts := []struct {
		id    string
		field models.Field
	}{
		{".SPY250425C500", models.FieldGamma},
		{".SPY250425P500", models.FieldGamma},
		{".QQQ250425C400", models.FieldGamma},
		{"SPY", models.FieldLast},
	}
	for _, p := range puts {
		if err := s.Put(p.id, p.field, 1, ts); err != nil {
			t.Fatalf("put %s: %v", p.id, err)
		}
	}

	var seen []string
	err := s.Scan("SPY", func(rec models.QuoteRecord) bool {
		seen = append(seen, rec.ContractID)
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 SPY records, got %v", seen)
	}
	for _, id := range seen {
		if models.UnderlyingOf(id) != "SPY" {
			t.Fatalf("non-SPY record in scan: %s", id)
		}
	}
}

func TestQuoteScanEarlyStop(t *testing.T) {
	s := openQuoteStore(t, 0)
	ts := time.Now()
	for _, f := range []models.Field{models.FieldBid, models.FieldAsk, models.FieldLast} {
		if err := s.Put("SPY", f, 1, ts); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	count := 0
	err := s.Scan("SPY", func(models.QuoteRecord) bool {
		count++
		return false
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected early stop after 1 record, got %d", count)
	}
}

func TestQuoteCapacityExceeded(t *testing.T) {
	dir := t.TempDir()

	// Fill a store, flush it to disk, then reopen with a one-byte bound:
	// on-disk size is computed at open, so the next write must be
	// rejected rather than silently dropped.
	s, err := OpenQuoteStore(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if err := s.Put("SPY", models.FieldLast, float64(i), time.Now().Add(time.Duration(i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bounded, err := OpenQuoteStore(dir, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer bounded.Close()

	err = bounded.Put("SPY", models.FieldLast, 1, time.Now())
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestRetainedAppendScan(t *testing.T) {
	s := openRetainedStore(t, time.Hour)

	for i := 0; i < 3; i++ {
		_, err := s.Append(models.RawFeedMessage{
			Source:    "feed",
			Data:      []byte{byte(i)},
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var seqs []uint64
	err := s.Scan(func(rec models.RetainedMessage) bool {
		seqs = append(seqs, rec.Sequence)
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seqs) != 3 {
		t.Fatalf("expected 3 messages, got %v", seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}
}

func TestRetainedCleanupIdempotent(t *testing.T) {
	s := openRetainedStore(t, time.Minute)

	old := time.Now().Add(-time.Hour)
	fresh := time.Now()

	for _, ts := range []time.Time{old, old, fresh} {
		if _, err := s.Append(models.RawFeedMessage{Source: "feed", Data: []byte("m"), Timestamp: ts}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := s.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	removed, err = s.Cleanup()
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("cleanup not idempotent: removed %d on second pass", removed)
	}

	count := 0
	if err := s.Scan(func(models.RetainedMessage) bool { count++; return true }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 surviving message, got %d", count)
	}
}

func TestRetainedExpiredHiddenBeforeCleanup(t *testing.T) {
	s := openRetainedStore(t, time.Minute)

	if _, err := s.Append(models.RawFeedMessage{Source: "feed", Data: []byte("old"), Timestamp: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// No cleanup has run, the expired entry must still be invisible.
	count := 0
	if err := s.Scan(func(models.RetainedMessage) bool { count++; return true }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired message visible to reader: %d", count)
	}
}

func TestRetainedSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenRetainedStore(dir, 0, time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seq1, err := s.Append(models.RawFeedMessage{Source: "feed", Data: []byte("a"), Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenRetainedStore(dir, 0, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	seq2, err := s2.Append(models.RawFeedMessage{Source: "feed", Data: []byte("b"), Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence regressed after reopen: %d then %d", seq1, seq2)
	}
}
