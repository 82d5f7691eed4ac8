package receipts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
)

// maxSkip bounds how many already-issued numbers Reserve steps over before
// giving up.
const maxSkip = 10000

// Counter hands out receipt numbers. Reservations for one school are
// serialized; different schools proceed in parallel.
type Counter struct {
	settings SettingsStore
	ledger   IssuedLedger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCounter(settings SettingsStore, ledger IssuedLedger) *Counter {
	return &Counter{
		settings: settings,
		ledger:   ledger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (c *Counter) lock(schoolID string) func() {
	c.mu.Lock()
	l, ok := c.locks[schoolID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[schoolID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// FormatNumber renders counter n for kind under settings s at time at.
func FormatNumber(s Settings, kind Kind, n int, at time.Time) string {
	prefix := s.prefix(kind)
	switch s.format(kind) {
	case FormatSequential:
		return fmt.Sprintf("%d", n)
	case FormatYear:
		return fmt.Sprintf("%d/%04d", n, at.Year())
	case FormatShortYear:
		return fmt.Sprintf("%d/%02d", n, at.Year()%100)
	case FormatCustom:
		return fmt.Sprintf("%s%d", prefix, n)
	default:
		if prefix == "" {
			prefix = "RCPT"
		}
		return fmt.Sprintf("%s-%04d-%05d", prefix, at.Year(), n)
	}
}

// scan walks forward from the stored counter collecting count numbers that
// were never issued. It returns them and the counter value after the last one.
func (c *Counter) scan(ctx context.Context, schoolID string, kind Kind, s Settings, count int, at time.Time) ([]string, int, error) {
	n := s.counter(kind)
	out := make([]string, 0, count)
	skipped := 0
	for len(out) < count {
		number := FormatNumber(s, kind, n, at)
		n++
		dup, err := c.ledger.Exists(ctx, schoolID, kind, number)
		if err != nil {
			return nil, 0, err
		}
		if dup {
			skipped++
			if skipped > maxSkip {
				return nil, 0, apperrors.New(apperrors.ErrReceiptDuplicate,
					fmt.Sprintf("no free %s receipt number within %d of counter", kind, maxSkip))
			}
			continue
		}
		out = append(out, number)
	}
	if skipped > 0 {
		logging.Warn("Skipped already issued receipt numbers", map[string]interface{}{
			"school_id": schoolID,
			"kind":      kind,
			"skipped":   skipped,
		})
	}
	return out, n, nil
}

// Reserve issues count consecutive unused numbers with one settings read and
// one settings write. Numbers are recorded in the ledger before the counter
// moves, so a failed settings write can leave a gap but never a duplicate.
func (c *Counter) Reserve(ctx context.Context, schoolID string, kind Kind, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown receipt kind "+string(kind))
	}
	unlock := c.lock(schoolID)
	defer unlock()

	start := c.now()
	s, err := c.settings.Get(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	numbers, next, err := c.scan(ctx, schoolID, kind, s, count, start)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.Record(ctx, schoolID, kind, numbers, start); err != nil {
		return nil, err
	}
	s.setCounter(kind, next)
	if err := c.settings.Put(ctx, schoolID, s); err != nil {
		return nil, err
	}

	logging.Info("Reserved receipt numbers", map[string]interface{}{
		"school_id":   schoolID,
		"kind":        kind,
		"count":       count,
		"first":       numbers[0],
		"duration_ms": c.now().Sub(start).Milliseconds(),
	})
	return numbers, nil
}

// Next previews the number Reserve would hand out, without reserving it.
func (c *Counter) Next(ctx context.Context, schoolID string, kind Kind) (string, error) {
	if !kind.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, "unknown receipt kind "+string(kind))
	}
	s, err := c.settings.Get(ctx, schoolID)
	if err != nil {
		return "", err
	}
	numbers, _, err := c.scan(ctx, schoolID, kind, s, 1, c.now())
	if err != nil {
		return "", err
	}
	return numbers[0], nil
}

// IsDuplicate reports whether number was already issued for the school.
func (c *Counter) IsDuplicate(ctx context.Context, schoolID string, kind Kind, number string) (bool, error) {
	return c.ledger.Exists(ctx, schoolID, kind, number)
}

var (
	sequentialPattern = regexp.MustCompile(`^\d+$`)
	yearPattern       = regexp.MustCompile(`^\d+/\d{4}$`)
	shortYearPattern  = regexp.MustCompile(`^\d+/\d{2}$`)
)

// Validate reports whether number has the shape configured for kind.
func Validate(number string, s Settings, kind Kind) bool {
	if number == "" {
		return false
	}
	switch s.format(kind) {
	case FormatSequential:
		return sequentialPattern.MatchString(number)
	case FormatYear:
		return yearPattern.MatchString(number)
	case FormatShortYear:
		return shortYearPattern.MatchString(number)
	case FormatCustom:
		return strings.HasPrefix(number, s.prefix(kind))
	default:
		return true
	}
}
