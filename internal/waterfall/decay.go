package waterfall

import (
	"math"
	"time"
)

const (
	defaultHalfLifeDays = 365
	day                 = 24 * time.Hour
)

// Apply halves conf every HalfLifeDays of age. The result never drops below
// Floor, and Floor never lifts a quote that started beneath it.
func (d DecayConfig) Apply(conf float64, age time.Duration) float64 {
	if conf <= 0 {
		return 0
	}
	if age <= 0 {
		return conf
	}
	halfLife := d.HalfLifeDays
	if halfLife <= 0 {
		halfLife = defaultHalfLifeDays
	}
	decayed := conf * math.Exp2(-float64(age)/float64(time.Duration(halfLife)*day))
	return math.Max(decayed, math.Min(d.Floor, conf))
}

// staleAt reports whether data dated asOf has passed the staleAfter window.
// Undated data and a zero window are never stale.
func staleAt(asOf *time.Time, now time.Time, staleAfter time.Duration) bool {
	if asOf == nil || staleAfter <= 0 {
		return false
	}
	return now.Sub(*asOf) > staleAfter
}
