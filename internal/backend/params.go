package backend

import "fmt"

// Parameter bounds accepted by the comparison front-ends
const (
	MinTemperature = 0.1
	MaxTemperature = 2.0
	MinMaxTokens   = 100
	MaxMaxTokens   = 2000
	MinTopP        = 0.1
	MaxTopP        = 1.0
)

// Params holds the sampling parameters sent with every completion request
type Params struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	TopP        float64 `json:"top_p" yaml:"top_p"`
}

// DefaultParams returns the parameters used when none are given
func DefaultParams() Params {
	return Params{
		Temperature: 0.7,
		MaxTokens:   800,
		TopP:        0.9,
	}
}

// Validate checks that every parameter is inside its accepted range
func (p Params) Validate() error {
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [%.1f, %.1f]", p.Temperature, MinTemperature, MaxTemperature)
	}
	if p.MaxTokens < MinMaxTokens || p.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens %d out of range [%d, %d]", p.MaxTokens, MinMaxTokens, MaxMaxTokens)
	}
	if p.TopP < MinTopP || p.TopP > MaxTopP {
		return fmt.Errorf("top_p %.2f out of range [%.1f, %.1f]", p.TopP, MinTopP, MaxTopP)
	}
	return nil
}
