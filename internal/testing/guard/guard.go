// Package guard switches the binaries into test mode when imported by a
// test, so calling main does not open stores or listen on ports.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOCKLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("STOCKLEDGER_TEST_MODE", "1")
		}
	})
}
