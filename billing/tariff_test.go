package billing_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopdesk/waterbilling/billing"
	"github.com/coopdesk/waterbilling/factory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return billing.MustDecimal(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// assertMoney compares decimals by value, so "90.2" equals "90.20".
func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !dec(want).Equal(got) {
		assert.Fail(t, fmt.Sprintf("want %s, got %s", want, got), msgAndArgs...)
	}
}

// =============================================================================
// TIER RESOLUTION AND PRICING
// =============================================================================

func TestComputeBill_ResidentialBrackets(t *testing.T) {
	settings := factory.DefaultSettings()

	tests := []struct {
		name        string
		consumption string
		tier        string
		base        string
	}{
		{"zero consumption bills the minimum", "0", "0-5", "74.00"},
		{"top of the minimum bracket", "5", "0-5", "74.00"},
		{"fraction inside the minimum bracket", "5.4", "0-5", "74.00"},
		{"first cubic meter over the minimum", "6", "6-10", "90.20"},
		{"top of 6-10", "10", "6-10", "155.00"},
		{"bottom of 11-20", "11", "11-20", "180.20"},
		{"middle of 21-30", "25", "21-30", "458.00"},
		{"first cubic meter of 41+", "41", "41+", "873.20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := billing.ComputeBill(settings, dec(tt.consumption), billing.ClassResidential, false)
			require.NoError(t, err)

			assert.Equal(t, tt.tier, c.Tier.Tier)
			assertMoney(t, tt.base, c.BaseAmount)
			assertMoney(t, "0", c.Discount)
			assertMoney(t, tt.base, c.FinalAmount)
			assert.Empty(t, c.DiscountReason)
		})
	}
}

func TestComputeBill_CommercialBrackets(t *testing.T) {
	settings := factory.DefaultSettings()

	tests := []struct {
		consumption string
		tier        string
		base        string
	}{
		{"15", "0-15", "370.00"},
		{"16", "16-30", "407.00"},
		{"31", "31-50", "1010.00"},
		{"51", "51+", "1954.00"},
	}

	for _, tt := range tests {
		t.Run(tt.consumption, func(t *testing.T) {
			c, err := billing.ComputeBill(settings, dec(tt.consumption), billing.ClassCommercial, false)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, c.Tier.Tier)
			assertMoney(t, tt.base, c.BaseAmount)
		})
	}
}

func TestComputeBill_ExcessMeasuredFromThreshold(t *testing.T) {
	// GIVEN: the defaults without explicit thresholds
	settings := factory.DefaultSettings()
	settings.Tariffs.Thresholds = nil

	// WHEN: pricing 6 m³
	c, err := billing.ComputeBill(settings, dec("6"), billing.ClassResidential, false)

	// THEN: the threshold falls back to the minimum bracket's upper bound
	require.NoError(t, err)
	assertMoney(t, "90.20", c.BaseAmount)
}

func TestComputeBill_NoTariffFound(t *testing.T) {
	settings := factory.DefaultSettings()

	_, err := billing.ComputeBill(settings, dec("1000000"), billing.ClassResidential, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrNoTariffFound))

	var nt *billing.NoTariffFoundError
	require.True(t, errors.As(err, &nt))
	assert.Equal(t, billing.ClassResidential, nt.Classification)
	assertMoney(t, "1000000", nt.Consumption)
}

func TestComputeBill_InactiveTierIsSkipped(t *testing.T) {
	// GIVEN: the 41+ bracket is switched off
	settings := factory.DefaultSettings()
	settings.Tariffs.Residential[5].IsActive = false

	// THEN: 40 still prices, 41 has no bracket
	_, err := billing.ComputeBill(settings, dec("40"), billing.ClassResidential, false)
	require.NoError(t, err)

	_, err = billing.ComputeBill(settings, dec("41"), billing.ClassResidential, false)
	assert.ErrorIs(t, err, billing.ErrNoTariffFound)
}

func TestComputeBill_RejectsBadInput(t *testing.T) {
	settings := factory.DefaultSettings()

	_, err := billing.ComputeBill(settings, dec("-1"), billing.ClassResidential, false)
	assert.ErrorIs(t, err, billing.ErrValidation)

	_, err = billing.ComputeBill(settings, dec("10"), billing.Classification("industrial"), false)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestComputeBill_DoesNotMutateSettings(t *testing.T) {
	settings := factory.DefaultSettings()
	before := settings.Clone()

	_, err := billing.ComputeBill(settings, dec("35"), billing.ClassResidential, true)
	require.NoError(t, err)

	assert.Equal(t, before, settings)
}

// =============================================================================
// SENIOR DISCOUNT GATING
// =============================================================================

func TestComputeBill_SeniorDiscount(t *testing.T) {
	settings := factory.DefaultSettings()

	t.Run("eligible tier gets the discount", func(t *testing.T) {
		c, err := billing.ComputeBill(settings, dec("35"), billing.ClassResidential, true)
		require.NoError(t, err)

		assert.Equal(t, "31-40", c.Tier.Tier)
		assertMoney(t, "695.00", c.BaseAmount)
		assertMoney(t, "34.75", c.Discount)
		assertMoney(t, "660.25", c.FinalAmount)
		assert.Contains(t, c.DiscountReason, "31-40")
	})

	t.Run("top tier rounds to cents", func(t *testing.T) {
		c, err := billing.ComputeBill(settings, dec("41"), billing.ClassResidential, true)
		require.NoError(t, err)

		assertMoney(t, "43.66", c.Discount)
		assertMoney(t, "829.54", c.FinalAmount)
	})

	t.Run("ineligible tier gets nothing", func(t *testing.T) {
		c, err := billing.ComputeBill(settings, dec("25"), billing.ClassResidential, true)
		require.NoError(t, err)

		assert.Equal(t, "21-30", c.Tier.Tier)
		assertMoney(t, "0", c.Discount)
		assertMoney(t, "458.00", c.FinalAmount)
		assert.Contains(t, c.DiscountReason, "not eligible")
	})

	t.Run("non-senior in an eligible tier gets nothing", func(t *testing.T) {
		c, err := billing.ComputeBill(settings, dec("35"), billing.ClassResidential, false)
		require.NoError(t, err)

		assertMoney(t, "0", c.Discount)
		assertMoney(t, "695.00", c.FinalAmount)
		assert.Empty(t, c.DiscountReason)
	})

	t.Run("zero rate", func(t *testing.T) {
		s := settings.Clone()
		s.SeniorDiscount.DiscountRate = decimal.Zero

		c, err := billing.ComputeBill(s, dec("35"), billing.ClassResidential, true)
		require.NoError(t, err)
		assertMoney(t, "0", c.Discount)
	})
}

func TestTariffTier_Covers(t *testing.T) {
	tier := billing.TariffTier{MinConsumption: dec("6"), MaxConsumption: dec("10")}

	assert.False(t, tier.Covers(dec("5.99")))
	assert.True(t, tier.Covers(dec("6")))
	assert.True(t, tier.Covers(dec("10")))
	assert.True(t, tier.Covers(dec("10.99")))
	assert.False(t, tier.Covers(dec("11")))
}
