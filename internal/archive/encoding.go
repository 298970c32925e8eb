package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xc0d3d00d/candlestream/internal/domain"
	"github.com/shopspring/decimal"
)

// A slot holds the bucket start in unix millis, six decimals and a written
// flag. A decimal is a sign byte, a 128-bit big-endian magnitude and an int32
// exponent.
const (
	coefficientByteSize = 16
	decimalByteSize     = 1 + coefficientByteSize + 4
	candleByteSize      = 8 + 6*decimalByteSize + 1
)

const maxCoefficientBits = coefficientByteSize * 8

var (
	ErrCandleNotWritten = errors.New("candle not written")
	ErrValueOutOfRange  = errors.New("decimal value out of range")
)

func encodeCandle(candle domain.Candle) ([]byte, error) {
	buf := make([]byte, candleByteSize)

	binary.LittleEndian.PutUint64(buf, uint64(candle.BucketStart.UnixMilli()))
	values := []decimal.Decimal{candle.Open, candle.High, candle.Low, candle.Close, candle.Volume, candle.Notional}
	for i, v := range values {
		if err := putDecimal(buf[8+i*decimalByteSize:], v); err != nil {
			return nil, err
		}
	}
	buf[candleByteSize-1] = 1

	return buf, nil
}

func decodeCandle(buf []byte, candle *domain.Candle) error {
	if len(buf) != candleByteSize {
		return errors.New("invalid buffer size")
	}
	if buf[candleByteSize-1] == 0 {
		return ErrCandleNotWritten
	}

	candle.BucketStart = time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[:8]))).UTC()
	values := []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume, &candle.Notional}
	for i, v := range values {
		*v = getDecimal(buf[8+i*decimalByteSize:])
	}

	return nil
}

// fitDecimal drops fractional digits until the coefficient fits a slot.
func fitDecimal(d decimal.Decimal) (decimal.Decimal, error) {
	for places := -d.Exponent() - 1; d.Coefficient().BitLen() > maxCoefficientBits; places-- {
		if places < 0 {
			return d, fmt.Errorf("%w: %s", ErrValueOutOfRange, d)
		}
		d = d.Round(places)
	}
	return d, nil
}

func putDecimal(buf []byte, d decimal.Decimal) error {
	d, err := fitDecimal(d)
	if err != nil {
		return err
	}
	coefficient := d.Coefficient()
	if coefficient.Sign() < 0 {
		buf[0] = 1
	}
	coefficient.Abs(coefficient).FillBytes(buf[1 : 1+coefficientByteSize])
	binary.LittleEndian.PutUint32(buf[1+coefficientByteSize:], uint32(d.Exponent()))
	return nil
}

func getDecimal(buf []byte) decimal.Decimal {
	coefficient := new(big.Int).SetBytes(buf[1 : 1+coefficientByteSize])
	if buf[0] == 1 {
		coefficient.Neg(coefficient)
	}
	exponent := int32(binary.LittleEndian.Uint32(buf[1+coefficientByteSize:]))
	return decimal.NewFromBigInt(coefficient, exponent)
}
