// Package pricing computes what an order costs and who receives what.
//
// ComputeCharge is pure: it reads the listing price, the platform fee rate
// and an optional voucher and returns the split. The buyer always pays the
// listed price; the voucher discount comes out of the seller's payout.
package pricing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bazaar/internal/apperror"
)

// VoucherType selects how Value is interpreted.
type VoucherType string

const (
	VoucherPercentage VoucherType = "percentage" // Value is a whole percent, 1-100
	VoucherFixed      VoucherType = "fixed"      // Value is in minor units
)

// Reason codes reported with apperror.KindVoucherInvalid.
const (
	ReasonInactive       = "inactive"
	ReasonNotStarted     = "not_started"
	ReasonExpired        = "expired"
	ReasonExhausted      = "exhausted"
	ReasonMinOrderNotMet = "min_order_not_met"
	ReasonMisconfigured  = "misconfigured"
	ReasonNotFound       = "not_found"
)

// Voucher is a discount rule.
type Voucher struct {
	Code           string      `json:"code" db:"code"`
	Type           VoucherType `json:"type" db:"type"`
	Value          int64       `json:"value" db:"value"`
	MinOrderAmount int64       `json:"minOrderAmount" db:"min_order_amount"`
	MaxDiscount    *int64      `json:"maxDiscount,omitempty" db:"max_discount"`
	UsedCount      int         `json:"usedCount" db:"used_count"`
	MaxUses        *int        `json:"maxUses,omitempty" db:"max_uses"`
	IsActive       bool        `json:"isActive" db:"is_active"`
	ValidFrom      *time.Time  `json:"validFrom,omitempty" db:"valid_from"`
	ValidTo        *time.Time  `json:"validTo,omitempty" db:"valid_to"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time   `json:"updatedAt" db:"updated_at"`
}

// Exhausted reports whether the voucher has no uses left.
func (v *Voucher) Exhausted() bool {
	return v.MaxUses != nil && v.UsedCount >= *v.MaxUses
}

// Check validates the voucher against an order of gross at time now.
func (v *Voucher) Check(gross int64, now time.Time) error {
	switch {
	case v.Type != VoucherPercentage && v.Type != VoucherFixed,
		v.Value <= 0,
		v.Type == VoucherPercentage && v.Value > 100,
		v.MaxDiscount != nil && *v.MaxDiscount < 0:
		return invalid(v.Code, ReasonMisconfigured, "voucher %s is misconfigured")
	case !v.IsActive:
		return invalid(v.Code, ReasonInactive, "voucher %s is not active")
	case v.ValidFrom != nil && now.Before(*v.ValidFrom):
		return invalid(v.Code, ReasonNotStarted, "voucher %s is not valid yet")
	case v.ValidTo != nil && now.After(*v.ValidTo):
		return invalid(v.Code, ReasonExpired, "voucher %s has expired")
	case v.Exhausted():
		return invalid(v.Code, ReasonExhausted, "voucher %s has no uses left")
	case gross < v.MinOrderAmount:
		return invalid(v.Code, ReasonMinOrderNotMet,
			"voucher %s requires an order of at least "+strconv.FormatInt(v.MinOrderAmount, 10))
	}
	return nil
}

// Discount returns the discount for gross, assuming Check passed.
func (v *Voucher) Discount(gross int64) int64 {
	var d int64
	switch v.Type {
	case VoucherPercentage:
		d = mulDiv(gross, v.Value, 100)
		if v.MaxDiscount != nil && d > *v.MaxDiscount {
			d = *v.MaxDiscount
		}
	case VoucherFixed:
		d = v.Value
	}
	if d > gross {
		d = gross
	}
	return d
}

// NotFound is the error for an unknown voucher code.
func NotFound(code string) error {
	return invalid(code, ReasonNotFound, "voucher %s does not exist")
}

func invalid(code, reason, format string) error {
	return apperror.WithReason(apperror.KindVoucherInvalid, "", reason, fmt.Sprintf(format, code))
}

// Rate is a fee rate in basis points: 500 is 5%.
type Rate int64

const maxRate Rate = 10000

// ParseRate parses a percentage such as "5" or "2.5" with at most two
// decimal places.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	if w < 0 || w > 100 {
		return 0, fmt.Errorf("rate %q out of range", s)
	}
	r := Rate(w*100 + f)
	if r > maxRate {
		return 0, fmt.Errorf("rate %q out of range", s)
	}
	return r, nil
}

// MustParseRate is ParseRate for constants.
func MustParseRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String renders the rate as a percentage, e.g. "2.5".
func (r Rate) String() string {
	s := strconv.FormatInt(int64(r)/100, 10)
	if frac := int64(r) % 100; frac != 0 {
		s += "." + strings.TrimRight(fmt.Sprintf("%02d", frac), "0")
	}
	return s
}

// Fee returns gross * r rounded half up.
func (r Rate) Fee(gross int64) int64 {
	return (mulDiv(gross*2, int64(r), 10000) + 1) / 2
}

// Charge is the realized split of one order.
type Charge struct {
	Gross       int64  `json:"grossAmount"`
	Discount    int64  `json:"discountAmount"`
	PlatformFee int64  `json:"platformFeeAmount"`
	NetSeller   int64  `json:"netSellerAmount"`
	VoucherCode string `json:"voucherCode,omitempty"`
}

// ComputeCharge prices one purchase. v may be nil.
func ComputeCharge(price int64, rate Rate, v *Voucher, now time.Time) (Charge, error) {
	if price <= 0 {
		return Charge{}, apperror.New(apperror.KindInvalidAmount, "", "listing price must be positive, got %d", price)
	}
	if rate < 0 || rate > maxRate {
		return Charge{}, apperror.New(apperror.KindInvalidCharge, "", "platform fee rate %d bps out of range", rate)
	}
	if price > math.MaxInt64/(2*int64(maxRate)) {
		return Charge{}, apperror.New(apperror.KindInvalidCharge, "", "listing price %d too large", price)
	}

	c := Charge{Gross: price, PlatformFee: rate.Fee(price)}
	if v != nil {
		if err := v.Check(price, now); err != nil {
			return Charge{}, err
		}
		c.Discount = v.Discount(price)
		c.VoucherCode = v.Code
	}

	c.NetSeller = c.Gross - c.PlatformFee - c.Discount
	if c.NetSeller < 0 {
		return Charge{}, apperror.New(apperror.KindInvalidCharge, "",
			"fee %d plus discount %d exceed price %d", c.PlatformFee, c.Discount, c.Gross)
	}
	return c, nil
}

// mulDiv returns floor(a*b/d) for non-negative inputs small enough not to overflow.
func mulDiv(a, b, d int64) int64 {
	return a * b / d
}
