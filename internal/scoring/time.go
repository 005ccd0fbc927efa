package scoring

import (
	"math"
	"time"

	"github.com/moolen/lineagectx/internal/config"
)

// TimeProximity maps the absolute difference between two instants onto the
// configured step function. Beyond the last band the floor applies, so the
// score is never zero.
func TimeProximity(cfg config.ScoringConfig, a, b time.Time) float64 {
	return TimeProximitySeconds(cfg, math.Abs(a.Sub(b).Seconds()))
}

// TimeProximitySeconds is TimeProximity on a precomputed difference.
func TimeProximitySeconds(cfg config.ScoringConfig, diffSeconds float64) float64 {
	diffSeconds = math.Abs(diffSeconds)
	for _, band := range cfg.TimeBands {
		if diffSeconds <= band.MaxSeconds {
			return band.Score
		}
	}
	return cfg.TimeFloor
}
