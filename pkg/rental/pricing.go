package rental

// Pricer converts the elapsed duration of a rental into a price. It must be
// a pure function of the duration: no store access, no clock access.
type Pricer interface {
	Price(elapsedSeconds int64) AmountCents
}

// PerMinutePricer charges a flat rate per started minute. Partial minutes
// round up and every rental is billed at least one minute.
type PerMinutePricer struct {
	rateCentsPerMinute PositiveAmountCents
}

// NewPerMinutePricer validates the per-minute rate.
func NewPerMinutePricer(rateCentsPerMinute int64) (PerMinutePricer, error) {
	rate, err := NewPositiveAmountCents(rateCentsPerMinute)
	if err != nil {
		return PerMinutePricer{}, err
	}
	return PerMinutePricer{rateCentsPerMinute: rate}, nil
}

// RateCentsPerMinute returns the configured rate.
func (pricer PerMinutePricer) RateCentsPerMinute() PositiveAmountCents {
	return pricer.rateCentsPerMinute
}

// Price bills ceil(elapsed minutes) * rate, never fewer than one minute.
func (pricer PerMinutePricer) Price(elapsedSeconds int64) AmountCents {
	minutes := (elapsedSeconds + secondsPerMinute - 1) / secondsPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return AmountCents(minutes * pricer.rateCentsPerMinute.Int64())
}
