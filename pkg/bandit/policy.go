package bandit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidPolicy is returned when a policy is constructed with bad parameters.
var ErrInvalidPolicy = errors.New("invalid policy configuration")

// Policy is an online arm-selection strategy. State created by Initialize
// lives for one trial; calling Initialize again starts over.
type Policy interface {
	Name() string
	Initialize(nArms int, src Source)
	Pick() int
	Update(arm int, reward float64)
	// Counts returns the per-arm pull counts (including any seeded offset).
	Counts() []int
	// Values returns the per-arm expected reward estimates.
	Values() []float64
}

// Alpha selects how value estimates are updated: Classic keeps the exact
// running mean, any constant in (0,1) applies exponential smoothing.
type Alpha float64

// Classic is the running-mean sentinel.
const Classic Alpha = 0

// ParseAlpha accepts "classic" (or "") or a float strictly between 0 and 1.
func ParseAlpha(s string) (Alpha, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "classic") {
		return Classic, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown alpha strategy %q", ErrInvalidPolicy, s)
	}
	if f <= 0 || f >= 1 {
		return 0, fmt.Errorf("%w: alpha %v outside (0,1)", ErrInvalidPolicy, f)
	}
	return Alpha(f), nil
}

func (a Alpha) validate() error {
	if a == Classic || (a > 0 && a < 1) {
		return nil
	}
	return fmt.Errorf("%w: unknown alpha strategy %v", ErrInvalidPolicy, float64(a))
}

func (a Alpha) String() string {
	if a == Classic {
		return "classic"
	}
	return strconv.FormatFloat(float64(a), 'g', -1, 64)
}

// apply folds reward into old given the post-increment pull count n.
func (a Alpha) apply(old, reward float64, n int) float64 {
	if a == Classic {
		return runningMean(old, reward, n)
	}
	return smooth(old, reward, float64(a))
}

// runningMean is the exact incremental mean ((n-1)*old + reward) / n.
func runningMean(old, reward float64, n int) float64 {
	fn := float64(n)
	return (old*(fn-1) + reward) / fn
}

func smooth(old, reward, alpha float64) float64 {
	return old - alpha*(old-reward)
}

// argmax returns the first index holding the maximum.
func argmax(xs []float64) int {
	return floats.MaxIdx(xs)
}

// estimates is the bookkeeping every policy carries.
type estimates struct {
	counts []int
	values []float64
}

func (e *estimates) reset(n, count0 int, value0 float64) {
	if n <= 0 {
		panic(fmt.Sprintf("bandit: initialize with %d arms", n))
	}
	e.counts = make([]int, n)
	e.values = make([]float64, n)
	for i := range e.counts {
		e.counts[i] = count0
		e.values[i] = value0
	}
}

func (e *estimates) mustReady() {
	if e.values == nil {
		panic("bandit: policy used before Initialize")
	}
}

func (e *estimates) checkArm(arm int) {
	e.mustReady()
	if arm < 0 || arm >= len(e.values) {
		panic(fmt.Sprintf("bandit: update for arm %d of %d", arm, len(e.values)))
	}
}

// observe increments the pull count and applies the update rule.
func (e *estimates) observe(arm int, reward float64, alpha Alpha) {
	e.checkArm(arm)
	e.counts[arm]++
	e.values[arm] = alpha.apply(e.values[arm], reward, e.counts[arm])
}

func (e *estimates) Counts() []int {
	out := make([]int, len(e.counts))
	copy(out, e.counts)
	return out
}

func (e *estimates) Values() []float64 {
	out := make([]float64, len(e.values))
	copy(out, e.values)
	return out
}
