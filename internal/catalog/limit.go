package catalog

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const unlimitedText = "unlimited"

var ErrInvalidLimit = errors.New("invalid_limit")

// Limit is a quota ceiling. Unlimited is a separate state rather than a large number,
// so comparisons never overflow and a ceiling of zero stays meaningful.
type Limit struct {
	value     uint32
	unlimited bool
}

// Unlimited returns a limit that never denies.
func Unlimited() Limit {
	return Limit{unlimited: true}
}

// Cap returns a finite limit of n.
func Cap(n uint32) Limit {
	return Limit{value: n}
}

func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the finite ceiling. It is zero for unlimited limits; check IsUnlimited first.
func (l Limit) Value() uint32 {
	if l.unlimited {
		return 0
	}
	return l.value
}

// Allows reports whether one more unit may be consumed when count units are already used.
func (l Limit) Allows(count uint32) bool {
	return l.unlimited || count < l.value
}

// Remaining returns max(0, limit-count). It is zero for unlimited limits.
func (l Limit) Remaining(count uint32) uint32 {
	if l.unlimited || count >= l.value {
		return 0
	}
	return l.value - count
}

func (l Limit) String() string {
	if l.unlimited {
		return unlimitedText
	}
	return strconv.FormatUint(uint64(l.value), 10)
}

func (l Limit) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Limit) UnmarshalText(text []byte) error {
	parsed, err := ParseLimit(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLimit accepts "unlimited" or a non-negative integer, either as text or as a
// decoded YAML/JSON number.
func ParseLimit(raw any) (Limit, error) {
	switch v := raw.(type) {
	case Limit:
		return v, nil
	case string:
		value := strings.ToLower(strings.TrimSpace(v))
		if value == unlimitedText {
			return Unlimited(), nil
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return Limit{}, fmt.Errorf("%w: %q", ErrInvalidLimit, v)
		}
		return Cap(uint32(n)), nil
	case int:
		return capFromInt64(int64(v))
	case int32:
		return capFromInt64(int64(v))
	case int64:
		return capFromInt64(v)
	case uint:
		return capFromInt64(int64(v))
	case uint32:
		return Cap(v), nil
	case uint64:
		if v > math.MaxUint32 {
			return Limit{}, fmt.Errorf("%w: %d", ErrInvalidLimit, v)
		}
		return Cap(uint32(v)), nil
	case float64:
		if v != math.Trunc(v) {
			return Limit{}, fmt.Errorf("%w: %v", ErrInvalidLimit, v)
		}
		return capFromInt64(int64(v))
	default:
		return Limit{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidLimit, raw)
	}
}

func capFromInt64(v int64) (Limit, error) {
	if v < 0 || v > math.MaxUint32 {
		return Limit{}, fmt.Errorf("%w: %d", ErrInvalidLimit, v)
	}
	return Cap(uint32(v)), nil
}
