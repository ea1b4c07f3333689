package ingest

import "sync"

// Build status values reported to clients.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Snapshot is a point-in-time view of an index build, safe to marshal while
// the build keeps running.
type Snapshot struct {
	Processing  bool   `json:"processing"`
	Progress    int    `json:"progress"`
	Total       int    `json:"total"`
	CurrentFile string `json:"current_file"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Progress tracks one build at a time. Writers hold the lock briefly per
// update; readers always get a consistent snapshot.
type Progress struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewProgress() *Progress {
	return &Progress{snap: Snapshot{Status: StatusIdle}}
}

// TryStart flips to running. Returns false if a build is already in flight.
func (p *Progress) TryStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap.Processing {
		return false
	}
	p.snap = Snapshot{Processing: true, Status: StatusRunning}
	return true
}

func (p *Progress) SetTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Total = total
}

func (p *Progress) FileStarted(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.CurrentFile = name
}

func (p *Progress) FileDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Progress++
}

func (p *Progress) Complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Processing = false
	p.snap.Status = StatusCompleted
	p.snap.CurrentFile = ""
}

func (p *Progress) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Processing = false
	p.snap.Status = StatusError
	if err != nil {
		p.snap.Error = err.Error()
	}
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *Progress) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Processing
}
