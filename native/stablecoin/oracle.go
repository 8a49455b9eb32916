package stablecoin

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// maxFutureSkew tolerates publishers whose clocks run slightly ahead.
const maxFutureSkew = 5 * time.Second

// RawPrice is the untrusted feed payload: price*10^Expo with a confidence
// interval on the same scale and a unix publish time.
type RawPrice struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime int64
}

// FeedReader exposes raw oracle data. It is consumed only through ReadPrice.
type FeedReader interface {
	ReadFeed(ref string) (RawPrice, error)
}

// FeedReaderFunc adapts ordinary functions to FeedReader.
type FeedReaderFunc func(ref string) (RawPrice, error)

// ReadFeed implements FeedReader.
func (f FeedReaderFunc) ReadFeed(ref string) (RawPrice, error) {
	return f(ref)
}

// ReadPrice reads ref from feed and validates it. It fails with
// ErrInvalidPrice when the feed is unavailable, older than maxAge relative to
// now, published in the future, non-positive, or when confidence/price exceeds
// maxConfidenceBps. The result is normalised to PriceDecimals.
func ReadPrice(feed FeedReader, ref string, maxAge time.Duration, maxConfidenceBps uint64, now time.Time) (PriceReading, error) {
	if feed == nil {
		return PriceReading{}, fmt.Errorf("%w: %v", ErrInvalidPrice, errNilFeed)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return PriceReading{}, fmt.Errorf("%w: feed reference required", ErrInvalidPrice)
	}
	raw, err := feed.ReadFeed(ref)
	if err != nil {
		return PriceReading{}, fmt.Errorf("%w: read feed %s: %v", ErrInvalidPrice, ref, err)
	}
	if raw.Price <= 0 {
		return PriceReading{}, fmt.Errorf("%w: non-positive price %d", ErrInvalidPrice, raw.Price)
	}
	published := time.Unix(raw.PublishTime, 0)
	if published.After(now.Add(maxFutureSkew)) {
		return PriceReading{}, fmt.Errorf("%w: feed %s published in the future", ErrInvalidPrice, ref)
	}
	if maxAge > 0 && now.Sub(published) > maxAge {
		return PriceReading{}, fmt.Errorf("%w: feed %s stale by %s", ErrInvalidPrice, ref, now.Sub(published)-maxAge)
	}
	if maxConfidenceBps > 0 {
		ratio := new(uint256.Int).Mul(uint256.NewInt(raw.Conf), uint256.NewInt(10_000))
		limit := new(uint256.Int).Mul(uint256.NewInt(uint64(raw.Price)), uint256.NewInt(maxConfidenceBps))
		if ratio.Gt(limit) {
			return PriceReading{}, fmt.Errorf("%w: confidence %d too wide for price %d", ErrInvalidPrice, raw.Conf, raw.Price)
		}
	}
	price, ok := normalise(uint64(raw.Price), raw.Expo)
	if !ok || price == 0 {
		return PriceReading{}, fmt.Errorf("%w: price %de%d not representable", ErrInvalidPrice, raw.Price, raw.Expo)
	}
	conf, ok := normalise(raw.Conf, raw.Expo)
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: confidence %de%d not representable", ErrInvalidPrice, raw.Conf, raw.Expo)
	}
	return PriceReading{Price: price, Confidence: conf, PublishTime: published}, nil
}

// normalise rescales value*10^expo to PriceDecimals fixed point.
func normalise(value uint64, expo int32) (uint64, bool) {
	shift := int64(expo) + PriceDecimals
	switch {
	case shift == 0:
		return value, true
	case shift > 0:
		if shift >= int64(len(powersOfTen)) {
			return 0, false
		}
		scaled := new(uint256.Int).Mul(uint256.NewInt(value), pow10(int(shift)))
		if !scaled.IsUint64() {
			return 0, false
		}
		return scaled.Uint64(), true
	default:
		if -shift >= int64(len(powersOfTen)) {
			return 0, true
		}
		scaled := new(uint256.Int).Div(uint256.NewInt(value), pow10(int(-shift)))
		return scaled.Uint64(), true
	}
}

// readPrice validates the configured feed for an operation.
func readPrice(feed FeedReader, cfg *ProtocolConfig, now time.Time) (PriceReading, error) {
	return ReadPrice(feed, cfg.PriceFeed, cfg.MaxPriceAge, cfg.MaxConfidenceBps, now)
}
