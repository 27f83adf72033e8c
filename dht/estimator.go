package dht

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mojito/crypto"
	"github.com/opd-ai/mojito/kuid"
)

// EstimatorConfig holds the network size estimator settings.
type EstimatorConfig struct {
	// Number of nearest contacts sampled (normally K)
	SampleSize int
	// Local estimates averaged together
	MaxLocalHistory int
	// Remote estimates kept for blending
	MaxRemoteHistory int
	// Minimum time between two recomputations
	UpdateInterval time.Duration
	// Blend in sizes reported by remote nodes
	UseRemoteEstimates bool
}

// DefaultEstimatorConfig returns the default estimator settings.
func DefaultEstimatorConfig() *EstimatorConfig {
	return &EstimatorConfig{
		SampleSize:         20,
		MaxLocalHistory:    20,
		MaxRemoteHistory:   10,
		UpdateInterval:     60 * time.Second,
		UseRemoteEstimates: true,
	}
}

// idSpace is 2^160, the size of the KUID space.
var idSpace = new(uint256.Int).Lsh(uint256.NewInt(1), kuid.Bits)

// SizeEstimator approximates the number of DHT nodes from the spacing of
// the local node's nearest neighbours.
type SizeEstimator struct {
	mu            sync.Mutex
	config        *EstimatorConfig
	clock         crypto.TimeProvider
	localHistory  []*uint256.Int
	remoteHistory []*uint256.Int
	estimate      *uint256.Int
	updated       time.Time
}

// NewSizeEstimator creates an estimator.
func NewSizeEstimator(config *EstimatorConfig, clock crypto.TimeProvider) *SizeEstimator {
	if config == nil {
		config = DefaultEstimatorConfig()
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &SizeEstimator{
		config:   config,
		clock:    clock,
		estimate: uint256.NewInt(1),
	}
}

// AddRemoteSize records a size reported by a remote node. Non-positive
// reports are ignored.
func (e *SizeEstimator) AddRemoteSize(size uint64) {
	if size == 0 || !e.config.UseRemoteEstimates {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.remoteHistory = append(e.remoteHistory, uint256.NewInt(size))
	if over := len(e.remoteHistory) - e.config.MaxRemoteHistory; over > 0 {
		e.remoteHistory = e.remoteHistory[over:]
	}
}

// Size returns the current estimate, recomputing it from rt when the last
// computation is older than UpdateInterval.
func (e *SizeEstimator) Size(rt RouteTable) int {
	est := e.Estimate(rt)
	if !est.IsUint64() || est.Uint64() > math.MaxInt {
		return math.MaxInt
	}
	return int(est.Uint64())
}

// Estimate is like Size but returns the full-width value.
func (e *SizeEstimator) Estimate(rt RouteTable) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if !e.updated.IsZero() && now.Sub(e.updated) < e.config.UpdateInterval {
		return new(uint256.Int).Set(e.estimate)
	}

	local := rt.LocalNode().ID()
	contacts := rt.Select(local, e.config.SampleSize, true)
	e.estimate = e.blend(LocalSize(local, contacts))
	e.updated = now

	logrus.WithFields(logrus.Fields{
		"function": "SizeEstimator.Estimate",
		"sampled":  len(contacts),
		"remote":   len(e.remoteHistory),
		"estimate": e.estimate.Dec(),
	}).Debug("Recomputed network size estimate")

	return new(uint256.Int).Set(e.estimate)
}

// Reset forgets every local and remote estimate.
func (e *SizeEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.localHistory = nil
	e.remoteHistory = nil
	e.estimate = uint256.NewInt(1)
	e.updated = time.Time{}
}

func (e *SizeEstimator) blend(localSize *uint256.Int) *uint256.Int {
	e.localHistory = append(e.localHistory, localSize)
	if over := len(e.localHistory) - e.config.MaxLocalHistory; over > 0 {
		e.localHistory = e.localHistory[over:]
	}

	sum := new(uint256.Int)
	for _, v := range e.localHistory {
		sum.Add(sum, v)
	}
	avg := sum.Div(sum, uint256.NewInt(uint64(len(e.localHistory))))

	if e.config.UseRemoteEstimates && len(e.remoteHistory) >= 3 {
		sorted := make([]*uint256.Int, len(e.remoteHistory))
		copy(sorted, e.remoteHistory)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lt(sorted[j]) })

		total := new(uint256.Int).Set(avg)
		count := uint64(1)
		for _, v := range sorted[1 : len(sorted)-1] {
			total.Add(total, v)
			count++
		}
		avg = total.Div(total, uint256.NewInt(count))
	}

	if avg.IsZero() {
		return uint256.NewInt(1)
	}
	return avg
}

// LocalSize fits distance(i) = i * Dc over the contacts sorted nearest
// first and returns 2^160 / Dc, which is 2^160 * sum(i^2) / sum(i*Di).
// Fewer than three contacts give 1.
func LocalSize(local kuid.KUID, contacts []*Contact) *uint256.Int {
	if len(contacts) < 3 {
		return uint256.NewInt(1)
	}

	sumDist := new(uint256.Int)
	sumSquares := new(uint256.Int)
	for idx, c := range contacts {
		i := uint256.NewInt(uint64(idx + 1))

		dist := new(uint256.Int).SetBytes(c.ID().Xor(local).Bytes())
		sumDist.Add(sumDist, dist.Mul(dist, i))
		sumSquares.Add(sumSquares, new(uint256.Int).Mul(i, i))
	}

	if sumDist.IsZero() {
		return uint256.NewInt(1)
	}

	size := new(uint256.Int).Mul(idSpace, sumSquares)
	size.Div(size, sumDist)
	if size.IsZero() {
		return uint256.NewInt(1)
	}
	return size
}
