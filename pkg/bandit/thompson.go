package bandit

import "math"

const (
	// betaRescaleAt is the shape value above which both Beta parameters are
	// scaled down by (a+b)/2, keeping the a:b ratio.
	betaRescaleAt = 10
	// MinBetaShape is the floor applied to Beta parameters after rescaling.
	MinBetaShape = 1e-3
)

// BernoulliTS is Thompson sampling with a Beta(a, b) posterior per arm.
// A reward of at least 1 counts as a success.
type BernoulliTS struct {
	estimates
	a, b []float64
	src  Source
}

// NewBernoulliTS returns a Bernoulli Thompson sampling policy.
func NewBernoulliTS() *BernoulliTS {
	return &BernoulliTS{}
}

func (p *BernoulliTS) Name() string { return "Bernoulli Thompson Sampling" }

func (p *BernoulliTS) Initialize(nArms int, src Source) {
	p.reset(nArms, 0, 0.5)
	p.src = src
	p.a = make([]float64, nArms)
	p.b = make([]float64, nArms)
	for i := range p.a {
		p.a[i], p.b[i] = 1, 1
	}
}

func (p *BernoulliTS) Pick() int {
	p.mustReady()
	samples := make([]float64, len(p.a))
	for i := range p.a {
		samples[i] = p.src.Beta(p.a[i], p.b[i])
	}
	return argmax(samples)
}

func (p *BernoulliTS) Update(arm int, reward float64) {
	p.checkArm(arm)
	if reward >= 1 {
		p.a[arm]++
	} else {
		p.b[arm]++
	}
	p.counts[arm]++
	if p.a[arm] > betaRescaleAt || p.b[arm] > betaRescaleAt {
		half := (p.a[arm] + p.b[arm]) / 2
		p.a[arm] = math.Max(p.a[arm]/half, MinBetaShape)
		p.b[arm] = math.Max(p.b[arm]/half, MinBetaShape)
	}
	p.values[arm] = p.a[arm] / (p.a[arm] + p.b[arm])
}

// Posterior returns the Beta parameters of arm.
func (p *BernoulliTS) Posterior(arm int) (a, b float64) {
	p.checkArm(arm)
	return p.a[arm], p.b[arm]
}

// gaussianPriorStrength is the pseudo-precision added to an arm on every update.
const gaussianPriorStrength = 1

// GaussianTS is Thompson sampling under a Normal reward assumption. The mean
// estimate is shrunk toward zero by the pseudo-precision lambda.
type GaussianTS struct {
	estimates
	sigmas  []float64
	lambdas []float64
	sums    []float64
	// SigmaSpread makes Pick sample with the tracked reward spread instead of lambda.
	SigmaSpread bool
	src         Source
}

// GaussianTSOption configures a GaussianTS.
type GaussianTSOption func(*GaussianTS)

// WithSigmaSpread samples each arm from Normal(mean, sigma) rather than Normal(mean, lambda).
func WithSigmaSpread() GaussianTSOption {
	return func(p *GaussianTS) { p.SigmaSpread = true }
}

// NewGaussianTS returns a Gaussian Thompson sampling policy.
func NewGaussianTS(opts ...GaussianTSOption) *GaussianTS {
	p := &GaussianTS{}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *GaussianTS) Name() string { return "Gaussian Thompson Sampling" }

func (p *GaussianTS) Initialize(nArms int, src Source) {
	p.reset(nArms, 0, 0)
	p.src = src
	p.sigmas = make([]float64, nArms)
	p.lambdas = make([]float64, nArms)
	p.sums = make([]float64, nArms)
	for i := 0; i < nArms; i++ {
		p.sigmas[i] = 1
		p.lambdas[i] = 1
	}
}

func (p *GaussianTS) Pick() int {
	p.mustReady()
	samples := make([]float64, len(p.values))
	for i, mu := range p.values {
		spread := p.lambdas[i]
		if p.SigmaSpread {
			spread = p.sigmas[i]
		}
		samples[i] = p.src.Gaussian(mu, spread)
	}
	return argmax(samples)
}

func (p *GaussianTS) Update(arm int, reward float64) {
	p.checkArm(arm)
	p.counts[arm]++
	p.lambdas[arm] += gaussianPriorStrength
	p.sums[arm] += reward
	oldMean := p.values[arm]
	newMean := p.sums[arm] / (1 + p.lambdas[arm])
	p.values[arm] = newMean
	p.sigmas[arm] = welfordSigma(p.sigmas[arm], reward, oldMean, newMean, p.counts[arm])
}

// welfordSigma is sqrt(s^2 + ((x-old)(x-new) - s^2)/n), clamped at zero when
// the shrunk mean pushes the variance negative.
func welfordSigma(sigma, reward, oldMean, newMean float64, n int) float64 {
	v := sigma * sigma
	v += ((reward-oldMean)*(reward-newMean) - v) / float64(n)
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Sigmas returns the tracked reward spread per arm.
func (p *GaussianTS) Sigmas() []float64 {
	out := make([]float64, len(p.sigmas))
	copy(out, p.sigmas)
	return out
}

// Lambdas returns the pseudo-precision per arm.
func (p *GaussianTS) Lambdas() []float64 {
	out := make([]float64, len(p.lambdas))
	copy(out, p.lambdas)
	return out
}
