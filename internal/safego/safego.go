package safego

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn on a new goroutine and converts a panic into an
// error log instead of a crash.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("goroutine", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Errorln("Goroutine panic recovered")
			}
		}()
		fn()
	}()
}
