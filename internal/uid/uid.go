// Package uid generates process-unique task identifiers.
package uid

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-watchdog/pkg/types"
)

var counter atomic.Uint64

// New returns a fresh UID. The counter starts at 1, so the result never
// equals types.BadUID.
func New() types.UID {
	return types.UID{
		Counter: counter.Add(1),
		Time:    time.Now().UnixNano(),
		PID:     os.Getpid(),
	}
}
