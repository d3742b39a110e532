// Package guard puts binaries into test mode. Import it for side effects from
// tests that call main.
package guard

import "os"

const testModeEnv = "ODYSSEY_TEST_MODE"

func init() {
	if os.Getenv(testModeEnv) == "" {
		_ = os.Setenv(testModeEnv, "1")
	}
}
