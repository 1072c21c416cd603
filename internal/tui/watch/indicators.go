package watch

import (
	"strings"
	"time"
)

// Ticker alternates frames on every poll tick. A frozen frame means the
// monitor itself stalled.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Activity lights up on each request event and fades over ten seconds.
type Activity struct {
	dots int
	last time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = 5
	a.last = at
}

// Decay dims one dot for every two seconds without events.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	a.dots = max(0, 5-int(now.Sub(a.last)/(2*time.Second)))
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) Last() time.Time {
	return a.last
}
