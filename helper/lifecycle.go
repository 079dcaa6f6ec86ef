package helper

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// idleExitAfter is the minimum idle duration before the helper exits (spec
// §4.8 "Lifecycle": "exits after >=10 minutes idle with no in-flight
// request and no held name ownership").
const idleExitAfter = 10 * time.Minute

// exeWatchInterval bounds how often the helper re-stats its own executable
// to notice it was replaced on disk (spec §4.8: "detected via a watch on
// /proc/self/exe"). inotify would be more immediate, but polling matches
// the teacher's style of favoring simple, portable loops over platform-
// specific watch APIs (see e.g. ssh_exec.go's semaphore-loop concurrency).
const exeWatchInterval = 30 * time.Second

// idleTracker counts in-flight requests and the time of the last one
// finishing, the input runLifecycle's idle-exit check needs.
type idleTracker struct {
	mu        sync.Mutex
	inFlight  int
	lastIdled time.Time
}

func newIdleTracker() *idleTracker {
	return &idleTracker{lastIdled: time.Now()}
}

func (t *idleTracker) beginRequest() {
	t.mu.Lock()
	t.inFlight++
	t.mu.Unlock()
}

func (t *idleTracker) endRequest() {
	t.mu.Lock()
	t.inFlight--
	if t.inFlight <= 0 {
		t.inFlight = 0
		t.lastIdled = time.Now()
	}
	t.mu.Unlock()
}

// idleFor reports how long the tracker has had zero in-flight requests.
// Returns false while a request is in flight.
func (t *idleTracker) idleFor() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight > 0 {
		return 0, false
	}
	return time.Since(t.lastIdled), true
}

// runLifecycle notifies systemd of readiness, pings its watchdog if
// enabled, and closes ln (ending ListenAndServe) once either the idle-exit
// or exe-replacement condition is met (spec §4.8 "Lifecycle").
func (s *Server) runLifecycle(ctx context.Context, ln net.Listener) {
	daemon.SdNotify(false, daemon.SdNotifyReady)
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	exePath, statErr := os.Executable()
	var startIno uint64
	if statErr == nil {
		startIno = inodeOf(exePath)
	}

	watchdogInterval, wdErr := daemon.SdWatchdogEnabled(false)

	idleTicker := time.NewTicker(30 * time.Second)
	defer idleTicker.Stop()

	var watchdogC <-chan time.Time
	if wdErr == nil && watchdogInterval > 0 {
		wt := time.NewTicker(watchdogInterval / 2)
		defer wt.Stop()
		watchdogC = wt.C
	}

	exeTicker := time.NewTicker(exeWatchInterval)
	defer exeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			return
		case <-watchdogC:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case <-idleTicker.C:
			if idle, ok := s.idle.idleFor(); ok && idle >= idleExitAfter {
				s.log.Event("helper.lifecycle", map[string]string{"reason": "idle-exit"})
				ln.Close()
				return
			}
		case <-exeTicker.C:
			if statErr != nil {
				continue
			}
			if inodeOf(exePath) != startIno {
				s.log.Event("helper.lifecycle", map[string]string{"reason": "executable-replaced"})
				ln.Close()
				return
			}
		}
	}
}

// inodeOf returns path's inode number, or 0 if it cannot be stat'd — a
// replaced executable gets a new inode even when the path is unchanged.
func inodeOf(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fileID(info)
}
