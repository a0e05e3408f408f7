package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Amount is an immutable fixed-point integer with 18 implied decimals.
// The zero value is 0. The wrapped big.Int is never exposed or shared.
type Amount struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// NewAmount copies v into a new Amount. A nil v is treated as 0.
func NewAmount(v *big.Int) Amount {
	if v == nil || v.Sign() == 0 {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// AmountFromInt64 builds an amount from raw (already scaled) units.
func AmountFromInt64(raw int64) Amount {
	return NewAmount(big.NewInt(raw))
}

// Units returns n whole units, i.e. n * 10^18.
func Units(n int64) Amount {
	return Amount{v: new(big.Int).Mul(big.NewInt(n), scaleInt)}
}

// ParseAmount parses a base-10 integer string of raw scaled units.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return NewAmount(v), nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(a.int())
}

func (a Amount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

func (a Amount) Cmp(b Amount) int {
	return a.int().Cmp(b.int())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.int(), b.int())}
}

// Sub returns a - b. The result may be negative; callers check bounds first.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.int(), b.int())}
}

// SubFloor returns max(a - b, 0).
func (a Amount) SubFloor(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return Amount{}
	}
	return a.Sub(b)
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func (a Amount) String() string {
	return a.int().String()
}

// MarshalJSON encodes the amount as a decimal string to avoid float truncation.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON integers as well
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Timestamp is a unix time in seconds supplied by the caller.
type Timestamp struct {
	unix int64
}

func NewTimestamp(unixSeconds int64) Timestamp {
	return Timestamp{unix: unixSeconds}
}

func (t Timestamp) Unix() int64 {
	return t.unix
}

func (t Timestamp) Before(other Timestamp) bool {
	return t.unix < other.unix
}

// SecondsSince returns t - earlier in seconds, clamped at zero.
func (t Timestamp) SecondsSince(earlier Timestamp) int64 {
	if t.unix <= earlier.unix {
		return 0
	}
	return t.unix - earlier.unix
}

func (t Timestamp) String() string {
	return strconv.FormatInt(t.unix, 10)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.unix)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &t.unix)
}

// Ratio is a collateralization ratio (or any rate) in basis points.
type Ratio struct {
	bps uint64
}

func NewRatio(bps uint64) Ratio {
	return Ratio{bps: bps}
}

func (r Ratio) Bps() uint64 {
	return r.bps
}

func (r Ratio) Add(other Ratio) Ratio {
	return Ratio{bps: r.bps + other.bps}
}

func (r Ratio) IsZero() bool {
	return r.bps == 0
}

// Float returns the ratio as a fraction (15_000 bps -> 1.5).
func (r Ratio) Float() float64 {
	return float64(r.bps) / BasisPointsDenominator
}

// BigInt returns the bps value as a big.Int.
func (r Ratio) BigInt() *big.Int {
	return new(big.Int).SetUint64(r.bps)
}

func (r Ratio) String() string {
	return fmt.Sprintf("%dbps", r.bps)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.bps)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &r.bps)
}
