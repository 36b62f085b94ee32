package conversation

import (
	"log/slog"
	"time"

	"github.com/MrWong99/aletheia/internal/observe"
)

// Generation holds the sampling parameters sent with every request.
type Generation struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

// DefaultGeneration returns the fixed parameters used unless configured
// otherwise.
func DefaultGeneration() Generation {
	return Generation{
		Temperature:     0.7,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 1024,
	}
}

// DefaultRequestTimeout bounds a single language-model request.
const DefaultRequestTimeout = 60 * time.Second

// Option configures a Controller.
type Option func(*Controller)

// WithGeneration overrides the sampling parameters.
func WithGeneration(g Generation) Option {
	return func(c *Controller) { c.gen = g }
}

// WithSystemPrompt sets an instruction sent ahead of the history.
func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) { c.systemPrompt = prompt }
}

// WithRequestTimeout bounds each language-model request. Non-positive values
// keep the default.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics records turns and provider requests on m under providerName.
func WithMetrics(m *observe.Metrics, providerName string) Option {
	return func(c *Controller) {
		c.metrics = m
		c.providerName = providerName
	}
}

// WithLogger sets the logger used for controller events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}
