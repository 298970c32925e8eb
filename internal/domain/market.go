package domain

import (
	"fmt"
	"regexp"
)

// Markets are QUOTE-BASE codes such as KRW-BTC.
var marketPattern = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]+$`)

func ValidateMarket(market string) error {
	if !marketPattern.MatchString(market) {
		return fmt.Errorf("%w: %q", ErrInvalidMarket, market)
	}
	return nil
}
