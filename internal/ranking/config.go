package ranking

const (
	// RequiredCoverageThreshold is the minimum fraction of required title
	// words a candidate must contain to be scored at all.
	RequiredCoverageThreshold = 0.80

	// MinBaseScore and MinFinalScore form the dual eligibility threshold.
	MinBaseScore  = 50.0
	MinFinalScore = 50.0

	DefaultIndexerPriority = 10
	MinIndexerPriority     = 1
	MaxIndexerPriority     = 25
)

// Config holds the point weights used by the ranker.
type Config struct {
	MaxTitlePoints        float64
	MaxAuthorPoints       float64
	MaxAvailabilityPoints float64
	SeederMultiplier      float64

	// Format points
	ChapteredContainerPoints float64
	ContainerPoints          float64
	SecondaryFormatPoints    float64
	LossyFormatPoints        float64
	UnknownFormatPoints      float64

	CoverageThreshold float64
}

// DefaultConfig returns the standard weights, which sum to a 100 point base.
func DefaultConfig() Config {
	return Config{
		MaxTitlePoints:        45,
		MaxAuthorPoints:       15,
		MaxAvailabilityPoints: 15,
		SeederMultiplier:      6,

		ChapteredContainerPoints: 25,
		ContainerPoints:          22,
		SecondaryFormatPoints:    16,
		LossyFormatPoints:        10,
		UnknownFormatPoints:      3,

		CoverageThreshold: RequiredCoverageThreshold,
	}
}
