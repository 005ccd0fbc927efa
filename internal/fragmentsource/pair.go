package fragmentsource

import (
	"context"
	"fmt"
	"time"

	"github.com/moolen/lineagectx/internal/models"
)

// Pairing defaults.
const (
	DefaultPairWindow = time.Hour
	DefaultPairScan   = 5
)

// Pair is the best-matching primary and secondary fragment file.
type Pair struct {
	Primary    Object        `json:"primary"`
	Secondary  Object        `json:"secondary"`
	TimeDiff   time.Duration `json:"time_diff"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
}

// BestPair compares the newest scan files of each list and returns the pair
// whose modification times are closest, provided they are within window.
// Confidence falls linearly from 1 at zero difference to 0 at window. Both
// lists must be sorted newest first.
func BestPair(primary, secondary []Object, window time.Duration, scan int) (Pair, bool) {
	if window <= 0 {
		window = DefaultPairWindow
	}
	if scan <= 0 {
		scan = DefaultPairScan
	}
	var best Pair
	found := false
	for _, p := range head(primary, scan) {
		for _, s := range head(secondary, scan) {
			diff := p.LastModified.Sub(s.LastModified)
			if diff < 0 {
				diff = -diff
			}
			if diff > window {
				continue
			}
			conf := 1 - diff.Seconds()/window.Seconds()
			if found && conf <= best.Confidence {
				continue
			}
			found = true
			best = Pair{
				Primary:    p,
				Secondary:  s,
				TimeDiff:   diff,
				Confidence: conf,
				Reason:     fmt.Sprintf("Time match within %.0f seconds", diff.Seconds()),
			}
		}
	}
	return best, found
}

func head(objs []Object, n int) []Object {
	if len(objs) > n {
		return objs[:n]
	}
	return objs
}

// PairRequest names where the two services write their fragments.
type PairRequest struct {
	PrimarySource   string
	PrimaryPrefix   string
	SecondarySource string
	SecondaryPrefix string
	Window          time.Duration
}

// LoadPair finds the best file pair and loads both fragments keyed by source.
func LoadPair(ctx context.Context, src Source, req PairRequest) (map[string]*models.Fragment, *Pair, error) {
	primary, err := src.List(ctx, req.PrimaryPrefix)
	if err != nil {
		return nil, nil, err
	}
	secondary, err := src.List(ctx, req.SecondaryPrefix)
	if err != nil {
		return nil, nil, err
	}
	if len(primary) == 0 || len(secondary) == 0 {
		return nil, nil, models.NewEngineError(models.KindNotFound, "pair fragments", nil,
			"no lineage files found (%d %s, %d %s)", len(primary), req.PrimarySource, len(secondary), req.SecondarySource)
	}

	pair, ok := BestPair(primary, secondary, req.Window, DefaultPairScan)
	if !ok {
		return nil, nil, models.NewEngineError(models.KindIncompatible, "pair fragments", nil, "no compatible file pairs found")
	}

	pf, err := Load(ctx, src, pair.Primary.Key, req.PrimarySource)
	if err != nil {
		return nil, nil, err
	}
	sf, err := Load(ctx, src, pair.Secondary.Key, req.SecondarySource)
	if err != nil {
		return nil, nil, err
	}
	return map[string]*models.Fragment{req.PrimarySource: pf, req.SecondarySource: sf}, &pair, nil
}
