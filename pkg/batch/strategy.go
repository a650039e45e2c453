package batch

import (
	"time"

	"github.com/rs/zerolog"
)

// Plan describes the next batch. Size is the maximum number of units; a
// positive Window additionally stops dispatching once it has elapsed since
// the batch started.
type Plan struct {
	Size   int
	Window time.Duration
}

// Strategy decides the shape of the next batch.
type Strategy interface {
	Name() StrategyName
	// Next is called right before each batch with the number of remaining units.
	Next(remaining int) Plan
}

// NewStrategy builds the strategy selected by cfg. sampler is only used by
// the memory-adaptive strategy; nil means system memory.
func NewStrategy(cfg Config, sampler MemorySampler, logger zerolog.Logger) Strategy {
	switch cfg.Strategy {
	case MemoryAdaptive:
		if sampler == nil {
			sampler = SystemMemory{}
		}
		return &memoryAdaptive{cfg: cfg, size: cfg.DefaultBatchSize, sampler: sampler, logger: logger}
	case TimeBased:
		return timeBased{interval: cfg.TimeInterval, maxSize: cfg.MaxBatchSize}
	default:
		return fixedSize{size: cfg.DefaultBatchSize}
	}
}

type fixedSize struct {
	size int
}

func (s fixedSize) Name() StrategyName { return FixedSize }

func (s fixedSize) Next(remaining int) Plan {
	return Plan{Size: min(s.size, remaining)}
}

// timeBased closes a batch when its interval elapses, when it reaches
// maxSize or when the work runs out. The interval counts from the start of
// the batch, which is the previous batch boundary.
type timeBased struct {
	interval time.Duration
	maxSize  int
}

func (s timeBased) Name() StrategyName { return TimeBased }

func (s timeBased) Next(remaining int) Plan {
	size := remaining
	if s.maxSize > 0 {
		size = min(size, s.maxSize)
	}
	return Plan{Size: size, Window: s.interval}
}

// memoryAdaptive halves the batch size while memory use is above the
// threshold and grows it back toward the default once use drops below
// three quarters of the threshold.
type memoryAdaptive struct {
	cfg     Config
	size    int
	sampler MemorySampler
	logger  zerolog.Logger
}

func (s *memoryAdaptive) Name() StrategyName { return MemoryAdaptive }

func (s *memoryAdaptive) Next(remaining int) Plan {
	used, err := s.sampler.UsedFraction()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Memory sample failed, keeping batch size")
		return Plan{Size: min(s.size, remaining)}
	}

	prev := s.size
	switch {
	case used > s.cfg.MemoryThreshold:
		s.size = max(s.size/2, s.cfg.MinBatchSize)
	case used < s.cfg.MemoryThreshold*0.75 && s.size < s.cfg.DefaultBatchSize:
		s.size = min(s.size*2, s.cfg.DefaultBatchSize)
	}

	if s.size != prev {
		s.logger.Info().
			Float64("memory_used", used).
			Float64("threshold", s.cfg.MemoryThreshold).
			Int("from", prev).
			Int("to", s.size).
			Msg("Adjusted batch size for memory pressure")
	}

	return Plan{Size: min(s.size, remaining)}
}
