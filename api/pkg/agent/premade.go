package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrNoPremadeResponse = errors.New("no premade response for this prompt")

// premadeResponses are the canned builds offered on the free plan, keyed by
// the lower cased prompt.
var premadeResponses = map[string][]string{
	"make me a landing page": {
		"I'll build you a landing page. ",
		"Setting up a hero section with a gradient background and a clear call to action. ",
		"Adding a features grid underneath with three short highlights. ",
		"Finishing with a footer and responsive spacing so it reads well on mobile. ",
		"Your landing page is ready in the preview.",
	},
	"make me a simple snake game": {
		"Let's build Snake. ",
		"Creating a canvas board and a game loop that ticks every 100ms. ",
		"Wiring the arrow keys to steer and growing the snake when it eats. ",
		"Adding a score counter and a restart button for when you hit a wall. ",
		"The game is live in the preview, have fun.",
	},
	"make me a online store for my bakery": {
		"A bakery storefront coming right up. ",
		"Laying out a product grid with breads, pastries and cakes. ",
		"Adding a cart drawer that keeps a running total. ",
		"Styling it with warm colours and a hero banner for today's specials. ",
		"Your bakery store is ready in the preview.",
	},
}

func premadeKey(prompt string) string {
	return strings.ToLower(strings.TrimSpace(prompt))
}

// HasPremadeResponse reports whether prompt is one of the free plan prompts.
func HasPremadeResponse(prompt string) bool {
	_, ok := premadeResponses[premadeKey(prompt)]
	return ok
}

// PremadeGenerator replays canned responses with a delay between chunks, so
// stop and abort behave the same as for a real generation.
type PremadeGenerator struct {
	delay time.Duration
	clock clockwork.Clock
}

var _ Generator = &PremadeGenerator{}

func NewPremadeGenerator(delay time.Duration, clock clockwork.Clock) *PremadeGenerator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PremadeGenerator{delay: delay, clock: clock}
}

func (g *PremadeGenerator) Generate(ctx context.Context, req *GenerateRequest, emit func(Chunk) error) error {
	chunks, ok := premadeResponses[premadeKey(req.LastUserText())]
	if !ok {
		return ErrNoPremadeResponse
	}

	for i, text := range chunks {
		if i > 0 && g.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.clock.After(g.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(Chunk{Text: text}); err != nil {
			return err
		}
	}
	return nil
}
