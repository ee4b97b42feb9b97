// safego.go — Panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// SafeGo launches fn in a goroutine with deferred panic recovery.
// On panic: logs the value and stack. Does NOT exit — a background panic
// in one tunnel's loop must not take the whole gateway down.
func SafeGo(log logrus.FieldLogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"goroutine": name,
					"stack":     string(debug.Stack()),
				}).Errorf("panic in background goroutine: %v", r)
			}
		}()
		fn()
	}()
}
