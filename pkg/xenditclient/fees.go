/**
 * @description
 * Deterministic disbursement fee estimation. Fee amounts feed directly into
 * immutable batch totals, so this must be a pure function of amount and
 * channel: no clock, no network, no provider lookup.
 */
package xenditclient

import (
	"math"
	"strings"
)

// FeeSchedule parameterizes fee computation per channel category. All
// amounts are int64 centavos.
type FeeSchedule struct {
	// Bank transfers are charged a flat per-disbursement fee.
	BankFlatFee int64

	// E-wallet disbursements are charged a percentage of the gross amount,
	// clamped between a floor and a ceiling.
	EWalletPercent float64
	EWalletFloor   int64
	EWalletCeiling int64
}

// DefaultFeeSchedule matches the PH disbursement pricing the payout pipeline
// was built against: a flat PHP 15.00 bank fee, and 2.5% for e-wallets with
// a PHP 5.00 floor and PHP 50.00 ceiling.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BankFlatFee:    1500,
		EWalletPercent: 0.025,
		EWalletFloor:   500,
		EWalletCeiling: 5000,
	}
}

// eWalletChannels are the disbursement channels billed on the percentage
// schedule; everything else is treated as a bank transfer.
var eWalletChannels = map[string]bool{
	"PH_GCASH":     true,
	"PH_PAYMAYA":   true,
	"PH_GRABPAY":   true,
	"PH_SHOPEEPAY": true,
	"PH_COINS":     true,
}

// IsEWalletChannel reports whether channelCode belongs to the e-wallet category.
func IsEWalletChannel(channelCode string) bool {
	return eWalletChannels[strings.ToUpper(strings.TrimSpace(channelCode))]
}

// CalculateFee returns the disbursement fee in centavos for the given gross
// amount and channel. Percentage fees are rounded half-up to the nearest
// centavo, which is equivalent to rounding the currency amount to two
// decimal places. The fee never exceeds the amount itself, so a computed net
// can never go negative.
func (s FeeSchedule) CalculateFee(amount int64, channelCode string) int64 {
	if amount <= 0 {
		return 0
	}

	var fee int64
	if IsEWalletChannel(channelCode) {
		fee = int64(math.Round(float64(amount) * s.EWalletPercent))
		if fee < s.EWalletFloor {
			fee = s.EWalletFloor
		}
		if fee > s.EWalletCeiling {
			fee = s.EWalletCeiling
		}
	} else {
		fee = s.BankFlatFee
	}

	if fee > amount {
		fee = amount
	}
	return fee
}

// ToCurrencyUnits converts centavos to the two-decimal currency units the
// provider API expects on the wire.
func ToCurrencyUnits(centavos int64) float64 {
	return math.Round(float64(centavos)) / 100
}
