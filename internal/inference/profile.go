package inference

import "time"

// Mode selects the sampling profile for a request.
type Mode int

const (
	ModeFilter Mode = iota
	ModeAnalysis
	ModeChat
)

func (m Mode) String() string {
	switch m {
	case ModeFilter:
		return "filter"
	case ModeAnalysis:
		return "analysis"
	case ModeChat:
		return "chat"
	}
	return "unknown"
}

// Profile holds the sampling parameters and deadline used for a mode.
type Profile struct {
	Temperature   float64
	TopP          float64
	MaxTokens     int
	Stop          []string
	JSONResponse  bool
	RepeatPenalty float64
	// DryMultiplier enables the server's DRY repetition sampler when > 0.
	DryMultiplier float64
	Timeout       time.Duration
}

// ProfileFor returns the built-in profile for m.
func ProfileFor(m Mode) Profile {
	switch m {
	case ModeFilter:
		return Profile{
			Temperature: 0.1,
			TopP:        0.9,
			MaxTokens:   64,
			Stop:        []string{"\n\n", "</s>", "<|im_end|>"},
			Timeout:     60 * time.Second,
		}
	case ModeAnalysis:
		return Profile{
			Temperature:  0.05,
			TopP:         0.9,
			MaxTokens:    256,
			JSONResponse: true,
			Timeout:      60 * time.Second,
		}
	default:
		return Profile{
			Temperature:   0.7,
			TopP:          0.95,
			MaxTokens:     1024,
			RepeatPenalty: 1.1,
			DryMultiplier: 0.8,
			Timeout:       120 * time.Second,
		}
	}
}

// Params overrides profile fields for a single call. Zero values keep the profile.
// JobID and Index only tag the error events of a failed call.
type Params struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration

	JobID string
	Index int
}

func (p Profile) with(o Params) Profile {
	if o.MaxTokens > 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.Temperature > 0 {
		p.Temperature = o.Temperature
	}
	if o.Timeout > 0 {
		p.Timeout = o.Timeout
	}
	return p
}
