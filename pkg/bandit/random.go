package bandit

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Source supplies the random draws consumed by arms and policies.
// Implementations are not safe for concurrent use; one Source serves one trial.
type Source interface {
	// Float64 returns a uniform sample in [0,1).
	Float64() float64
	// Gaussian returns a sample from Normal(mu, sigma).
	Gaussian(mu, sigma float64) float64
	// Exponential returns a sample from an exponential distribution with the given mean.
	Exponential(scale float64) float64
	// Beta returns a sample from Beta(a, b).
	Beta(a, b float64) float64
	// IntN returns a uniform integer in [0,n).
	IntN(n int) int
}

// Rand is the default Source. Every draw, including the gonum distribution
// samplers, advances the same PCG stream, so a seeded Rand replays exactly.
type Rand struct {
	pcg *rand.PCG
	rng *rand.Rand
}

// NewRand returns a Rand seeded with seed.
func NewRand(seed uint64) *Rand {
	return newRand(seed, seed^0x9e3779b97f4a7c15)
}

// NewTrialRand returns the stream for one trial of a seeded run. Trials with
// different indices get independent streams.
func NewTrialRand(seed uint64, trial int) *Rand {
	return newRand(seed, uint64(trial))
}

func newRand(seed1, seed2 uint64) *Rand {
	pcg := rand.NewPCG(seed1, seed2)
	return &Rand{pcg: pcg, rng: rand.New(pcg)}
}

// Seed resets the stream.
func (r *Rand) Seed(seed uint64) {
	r.pcg.Seed(seed, seed^0x9e3779b97f4a7c15)
}

func (r *Rand) Float64() float64 { return r.rng.Float64() }

func (r *Rand) IntN(n int) int { return r.rng.IntN(n) }

func (r *Rand) Gaussian(mu, sigma float64) float64 {
	return distuv.Normal{Mu: mu, Sigma: sigma, Src: r.pcg}.Rand()
}

func (r *Rand) Exponential(scale float64) float64 {
	return distuv.Exponential{Rate: 1 / scale, Src: r.pcg}.Rand()
}

func (r *Rand) Beta(a, b float64) float64 {
	return distuv.Beta{Alpha: a, Beta: b, Src: r.pcg}.Rand()
}
