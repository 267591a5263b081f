package hci

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rigado/bthci"
)

// rateLogger drops repeats of a warning category beyond a fixed budget, so
// a misbehaving controller can't flood the log.
type rateLogger struct {
	bthci.Logger
	limit *catrate.Limiter
}

func newRateLogger(l bthci.Logger) *rateLogger {
	return &rateLogger{
		Logger: l,
		limit: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 30,
		}),
	}
}

// Limitf logs at warn level unless category is over its budget.
func (l *rateLogger) Limitf(category string, format string, args ...interface{}) {
	if _, ok := l.limit.Allow(category); ok {
		l.Warnf(format, args...)
	}
}
