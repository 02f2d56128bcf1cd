package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/apperror"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func tenPercent() *Voucher {
	return &Voucher{
		Code:           "TENOFF",
		Type:           VoucherPercentage,
		Value:          10,
		MinOrderAmount: 100_000,
		MaxDiscount:    ptr(int64(15_000)),
		IsActive:       true,
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want Rate
	}{
		{"5", 500},
		{"2.5", 250},
		{"2.75", 275},
		{" 10% ", 1000},
		{"0", 0},
		{"100", 10000},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "1.234", "-1", "101", "5.", ".5"} {
		_, err := ParseRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestRate_String(t *testing.T) {
	assert.Equal(t, "5", Rate(500).String())
	assert.Equal(t, "2.5", Rate(250).String())
	assert.Equal(t, "2.75", Rate(275).String())
}

func TestRate_FeeRoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(10_000), Rate(500).Fee(200_000))
	assert.Equal(t, int64(1), Rate(500).Fee(10))  // 0.5 -> 1
	assert.Equal(t, int64(0), Rate(500).Fee(9))   // 0.45 -> 0
	assert.Equal(t, int64(3), Rate(250).Fee(100)) // 2.5 -> 3
}

func TestComputeCharge_NoVoucher(t *testing.T) {
	c, err := ComputeCharge(200_000, MustParseRate("5"), nil, now)
	require.NoError(t, err)
	assert.Equal(t, Charge{Gross: 200_000, PlatformFee: 10_000, NetSeller: 190_000}, c)
}

func TestComputeCharge_PercentageVoucherCapped(t *testing.T) {
	c, err := ComputeCharge(200_000, MustParseRate("5"), tenPercent(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), c.Gross)
	assert.Equal(t, int64(15_000), c.Discount)
	assert.Equal(t, int64(10_000), c.PlatformFee)
	assert.Equal(t, int64(175_000), c.NetSeller)
	assert.Equal(t, "TENOFF", c.VoucherCode)
	assert.Equal(t, c.Gross, c.NetSeller+c.PlatformFee+c.Discount)
}

func TestComputeCharge_PercentageUnderCap(t *testing.T) {
	c, err := ComputeCharge(120_000, MustParseRate("5"), tenPercent(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(12_000), c.Discount)
}

func TestComputeCharge_FixedVoucherClampedToGross(t *testing.T) {
	v := &Voucher{Code: "BIG", Type: VoucherFixed, Value: 50_000, IsActive: true}
	c, err := ComputeCharge(40_000, 0, v, now)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), c.Discount)
	assert.Equal(t, int64(0), c.NetSeller)
}

func TestComputeCharge_NegativeNet(t *testing.T) {
	v := &Voucher{Code: "BIG", Type: VoucherFixed, Value: 40_000, IsActive: true}
	_, err := ComputeCharge(40_000, MustParseRate("5"), v, now)
	assert.ErrorIs(t, err, apperror.ErrInvalidCharge)
}

func TestComputeCharge_InvalidPrice(t *testing.T) {
	_, err := ComputeCharge(0, 500, nil, now)
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
	_, err = ComputeCharge(-1, 500, nil, now)
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)
}

func TestComputeCharge_VoucherReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *Voucher)
		price  int64
		reason string
	}{
		{"inactive", func(v *Voucher) { v.IsActive = false }, 200_000, ReasonInactive},
		{"not started", func(v *Voucher) { v.ValidFrom = ptr(now.Add(time.Hour)) }, 200_000, ReasonNotStarted},
		{"expired", func(v *Voucher) { v.ValidTo = ptr(now.Add(-time.Hour)) }, 200_000, ReasonExpired},
		{"exhausted", func(v *Voucher) { v.UsedCount = 3; v.MaxUses = ptr(3) }, 200_000, ReasonExhausted},
		{"min order", func(v *Voucher) {}, 99_999, ReasonMinOrderNotMet},
		{"zero value", func(v *Voucher) { v.Value = 0 }, 200_000, ReasonMisconfigured},
		{"over 100 percent", func(v *Voucher) { v.Value = 101 }, 200_000, ReasonMisconfigured},
		{"unknown type", func(v *Voucher) { v.Type = "bogo" }, 200_000, ReasonMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tenPercent()
			tt.mutate(v)
			_, err := ComputeCharge(tt.price, 500, v, now)
			require.ErrorIs(t, err, apperror.ErrVoucherInvalid)
			assert.Equal(t, tt.reason, apperror.ReasonOf(err))
		})
	}
}

func TestVoucher_ValidityWindowInclusive(t *testing.T) {
	v := tenPercent()
	v.ValidFrom = ptr(now)
	v.ValidTo = ptr(now)
	assert.NoError(t, v.Check(200_000, now))
}

func TestVoucher_RemainingUses(t *testing.T) {
	v := tenPercent()
	v.MaxUses = ptr(1)
	assert.False(t, v.Exhausted())
	v.UsedCount = 1
	assert.True(t, v.Exhausted())
}

func TestNotFound(t *testing.T) {
	err := NotFound("NOPE")
	assert.ErrorIs(t, err, apperror.ErrVoucherInvalid)
	assert.Equal(t, ReasonNotFound, apperror.ReasonOf(err))
}
