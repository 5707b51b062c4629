package index

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no worker-pool or coordinator goroutines survive past
// a run's completion or cancellation across this package's tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
