package plates

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Tutortoise/plate-checkin-service/models"
)

type Mode string

const (
	ModeCheckin  Mode = "checkin"
	ModeCheckout Mode = "checkout"
)

var ErrUnknownMode = errors.New("unknown mode")

// ParseMode normalizes a session mode. An empty mode means check-in.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCheckin, nil
	case ModeCheckin, ModeCheckout:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Matcher compares canonical plates against the plate a session expects.
// It yields a result at most once.
type Matcher struct {
	expected      string
	reservationID int
	mode          Mode

	mu      sync.Mutex
	matched bool
}

func NewMatcher(expected string, reservationID int, mode Mode) *Matcher {
	if mode == "" {
		mode = ModeCheckin
	}
	return &Matcher{
		expected:      strings.ToUpper(strings.TrimSpace(expected)),
		reservationID: reservationID,
		mode:          mode,
	}
}

func (m *Matcher) Expected() string { return m.expected }

// Evaluate reports a match when canonical equals the expected plate,
// ignoring case. ok=false (no plate this cycle) never matches.
func (m *Matcher) Evaluate(canonical string, ok bool) (models.MatchResult, bool) {
	if !ok || canonical == "" || m.expected == "" {
		return models.MatchResult{}, false
	}
	if !strings.EqualFold(canonical, m.expected) {
		return models.MatchResult{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched {
		return models.MatchResult{}, false
	}
	m.matched = true

	return models.MatchResult{
		Matched:       true,
		Mode:          string(m.mode),
		ReservationID: m.reservationID,
	}, true
}
