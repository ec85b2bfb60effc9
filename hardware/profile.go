package hardware

import "fmt"

// Tier names a device-advertised recording quality level. Devices publish a
// RecordingProfile per tier they support; absent tiers simply have no map
// entry.
type Tier string

const (
	TierLow   Tier = "low"
	Tier480p  Tier = "480p"
	Tier720p  Tier = "720p"
	Tier1080p Tier = "1080p"
	Tier2160p Tier = "2160p"
	TierHigh  Tier = "high"
)

// RecordingProfile is the encoder configuration a device advertises for one
// quality tier.
type RecordingProfile struct {
	Resolution      Size
	FrameRate       int
	VideoBitrate    int
	AudioBitrate    int
	AudioSampleRate int
}

// QualityHint is the caller-facing quality request. It maps onto a starting
// tier; the device's actual tier support decides what is used.
type QualityHint string

const (
	QualityUltra  QualityHint = "ultra"
	QualityHigh   QualityHint = "high"
	QualityMedium QualityHint = "medium"
	QualityLow    QualityHint = "low"
)

// ParseQualityHint converts a user-supplied string into a QualityHint.
func ParseQualityHint(s string) (QualityHint, error) {
	switch QualityHint(s) {
	case QualityUltra, QualityHigh, QualityMedium, QualityLow:
		return QualityHint(s), nil
	}
	return "", fmt.Errorf("unknown quality hint %q", s)
}

// TierForHint maps a quality hint to the tier probed first.
func TierForHint(hint QualityHint) Tier {
	switch hint {
	case QualityUltra:
		return Tier2160p
	case QualityHigh:
		return Tier1080p
	case QualityMedium:
		return Tier720p
	case QualityLow:
		return Tier480p
	default:
		return Tier1080p
	}
}

// fallbackOrder is the fixed descent tried after the hinted tier.
var fallbackOrder = []Tier{TierHigh, Tier1080p, Tier720p, Tier480p, TierLow}

// FallbackChain returns the probe order for a starting tier: the start tier
// first, then high, 1080p, 720p, 480p, low, with duplicates removed.
func FallbackChain(start Tier) []Tier {
	chain := make([]Tier, 0, len(fallbackOrder)+1)
	chain = append(chain, start)
	for _, tier := range fallbackOrder {
		if tier != start {
			chain = append(chain, tier)
		}
	}
	return chain
}
