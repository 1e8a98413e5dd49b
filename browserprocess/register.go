// Package browserprocess keeps track of the browser processes flowbridge
// launched, so they can be killed when flowbridge itself has to bail out.
package browserprocess

import (
	"context"
	"os"
	"sync"

	"github.com/clinicflow/flowbridge/log"
)

type processState struct {
	pid     int
	ownerID string
}

var (
	browserProcessRegister   = map[int]*processState{} //nolint:gochecknoglobals
	browserProcessRegisterMu = sync.Mutex{}            //nolint:gochecknoglobals
)

// Register records a launched browser process.
func Register(ctx context.Context, logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:register", "registered BrowserProcess pid %d", pid)

	browserProcessRegister[pid] = &processState{pid: pid, ownerID: GetOwnerID(ctx)}
}

// Unregister forgets a process that exited on its own.
func Unregister(pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	delete(browserProcessRegister, pid)
}

// Registered returns the number of processes registered for the owner in
// ctx, or all of them when ctx carries no owner.
func Registered(ctx context.Context) int {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	oID := GetOwnerID(ctx)
	n := 0
	for _, v := range browserProcessRegister {
		if oID == "" || v.ownerID == oID {
			n++
		}
	}
	return n
}

// ForceProcessShutdown should be called when flowbridge has to shut down due
// to an internal error or a signal. It kills the registered processes of the
// owner in ctx, or every process when ctx carries no owner.
func ForceProcessShutdown(ctx context.Context) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	oID := GetOwnerID(ctx)

	for pid, v := range browserProcessRegister {
		if oID != "" && v.ownerID != oID {
			continue
		}
		delete(browserProcessRegister, pid)

		p, err := os.FindProcess(v.pid)
		if err != nil {
			// optimistically continue and don't kill the process
			continue
		}
		// no need to check the error for waiting the process to release
		// its resources or whether we could kill it as we're already
		// dying.
		_ = p.Kill()
		_ = p.Release()
	}
}
