package price

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Signal holds the unit prices the resource manager currently charges.
// It is only mutated when a negotiation message is received.
type Signal struct {
	Base      float64 // p_b, price per unit of base capacity
	Dynamic   float64 // p_d, price per unit of dynamic capacity
	UpdatedAt time.Time
}

// Wire keys of the negotiation protocol.
const (
	KeyBasePrice       = "p_b"
	KeyDynamicPrice    = "p_d"
	KeyDemand          = "c_i"
	KeyBaseCapacity    = "c_b"
	KeyDynamicCapacity = "c_d"
)

// Price defaults measured for the RUBiS deployment.
const (
	DefaultBasePrice    = 1.42401458191e-06
	DefaultDynamicPrice = 1.99362041467e-06
)

// ErrMalformedToken is returned when a negotiation payload cannot be parsed.
var ErrMalformedToken = errors.New("malformed negotiation token")

// NewSignal creates a price signal with the given initial prices.
func NewSignal(base, dynamic float64, now time.Time) *Signal {
	return &Signal{
		Base:      base,
		Dynamic:   dynamic,
		UpdatedAt: now,
	}
}

// Ratio returns p_b/p_d.
func (s *Signal) Ratio() float64 {
	return s.Base / s.Dynamic
}

// Update is a parsed price message. A nil field means the key was absent.
type Update struct {
	Base    *float64
	Dynamic *float64
}

// Empty reports whether the message carried no recognized price.
func (u Update) Empty() bool {
	return u.Base == nil && u.Dynamic == nil
}

// Apply copies the prices present in u into s. Absent keys keep the
// previous value. Returns whether any price was applied.
func (u Update) Apply(s *Signal, now time.Time) bool {
	if u.Empty() {
		return false
	}
	if u.Base != nil {
		s.Base = *u.Base
	}
	if u.Dynamic != nil {
		s.Dynamic = *u.Dynamic
	}
	s.UpdatedAt = now
	return true
}

// String renders the update for logs.
func (u Update) String() string {
	var parts []string
	if u.Base != nil {
		parts = append(parts, KeyBasePrice+"="+formatValue(*u.Base))
	}
	if u.Dynamic != nil {
		parts = append(parts, KeyDynamicPrice+"="+formatValue(*u.Dynamic))
	}
	return strings.Join(parts, " ")
}

// ParseUpdate decodes a negotiation payload of whitespace separated
// key=value tokens. Values may be quoted. Unknown keys are ignored.
// A token without '=' or a price that is not a positive finite number
// makes the whole message invalid.
func ParseUpdate(payload []byte) (Update, error) {
	tokens, err := shlex.Split(string(payload))
	if err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var u Update
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return Update{}, fmt.Errorf("%w: %q", ErrMalformedToken, tok)
		}

		var dst **float64
		switch key {
		case KeyBasePrice:
			dst = &u.Base
		case KeyDynamicPrice:
			dst = &u.Dynamic
		default:
			continue
		}

		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Update{}, fmt.Errorf("%w: %s: %v", ErrMalformedToken, key, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return Update{}, fmt.Errorf("%w: %s must be a finite non-negative number, got %q", ErrMalformedToken, key, value)
		}
		if key == KeyDynamicPrice && v == 0 {
			return Update{}, fmt.Errorf("%w: %s must be > 0", ErrMalformedToken, key)
		}
		*dst = &v
	}
	return u, nil
}

// FormatDemand encodes a capacity request: "c_i=<value>".
func FormatDemand(c float64) []byte {
	return []byte(KeyDemand + "=" + formatValue(c))
}

// FormatPlan encodes a plan update: "c_b=<value> c_d=<value>".
func FormatPlan(base, dynamic float64) []byte {
	return []byte(KeyBaseCapacity + "=" + formatValue(base) + " " + KeyDynamicCapacity + "=" + formatValue(dynamic))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
