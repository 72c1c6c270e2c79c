package executor

import (
	"sync"
	"time"
)

const (
	StatusQueued    = "Queued"
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusFresh     = "Fresh" // outputs were already up to date; nothing ran
	StatusFailed    = "Failed"
	StatusSkipped   = "Skipped" // not run because a dependency failed
)

type ExecutionStatus struct {
	Status    string
	StartTime time.Time
	EndTime   time.Time
}

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFresh, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

type StatusManager interface {
	SetStatus(name, status string)
	WaitForCompletion(name string) string
	MarkAsFailed(name string)
	FailedCount() int
	AppendLog(name, line string)
	Logs(name string) []string
	Snapshot() map[string]ExecutionStatus
}

type statusManager struct {
	statusMap     map[string]*ExecutionStatus
	logs          map[string][]string
	failedTargets []string
	mu            sync.Mutex
	cond          *sync.Cond
}

func NewStatusManager() StatusManager {
	sm := &statusManager{
		statusMap: make(map[string]*ExecutionStatus),
		logs:      make(map[string][]string),
	}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

func (sm *statusManager) SetStatus(name, status string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st, exists := sm.statusMap[name]
	if !exists {
		st = &ExecutionStatus{}
		sm.statusMap[name] = st
	}
	st.Status = status
	switch {
	case status == StatusRunning:
		st.StartTime = time.Now()
	case terminal(status):
		st.EndTime = time.Now()
	}
	sm.cond.Broadcast()
}

// WaitForCompletion blocks until the named step reaches a terminal status and
// returns that status.
func (sm *statusManager) WaitForCompletion(name string) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for {
		if st, ok := sm.statusMap[name]; ok && terminal(st.Status) {
			return st.Status
		}
		sm.cond.Wait()
	}
}

func (sm *statusManager) MarkAsFailed(name string) {
	sm.mu.Lock()
	sm.failedTargets = append(sm.failedTargets, name)
	sm.mu.Unlock()
	sm.SetStatus(name, StatusFailed)
}

func (sm *statusManager) FailedCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.failedTargets)
}

func (sm *statusManager) AppendLog(name, line string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	lines := append(sm.logs[name], line)
	if len(lines) > 200 {
		lines = lines[len(lines)-200:]
	}
	sm.logs[name] = lines
}

func (sm *statusManager) Logs(name string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	lines := sm.logs[name]
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

func (sm *statusManager) Snapshot() map[string]ExecutionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	snap := make(map[string]ExecutionStatus, len(sm.statusMap))
	for name, st := range sm.statusMap {
		snap[name] = *st
	}
	return snap
}
