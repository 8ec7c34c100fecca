// Package status reports the live state of this process instance.
package status

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo/v2"
	"github.com/shirou/gopsutil/v3/process"
)

var logger = loggo.GetLogger("barcodedrop.status")

// Sessions is the part of the session registry the report reads.
type Sessions interface {
	Len() int
	UserCounts() map[string]int
}

// Report is the /status document.
type Report struct {
	ProcessID     uuid.UUID      `json:"processInstanceId"`
	ListenerState string         `json:"listenerState"`
	SessionsOpen  int            `json:"sessionsOpen"`
	SessionsBy    map[string]int `json:"sessionsByUser"`
	StartedAt     time.Time      `json:"startedAt"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	RSSBytes      uint64         `json:"rssBytes,omitempty"`
	Threads       int32          `json:"threads,omitempty"`
	CPUPercent    float64        `json:"cpuPercent,omitempty"`
}

// Reporter assembles a Report on demand.
type Reporter struct {
	processID uuid.UUID
	listener  func() string
	sessions  Sessions
	proc      *process.Process
	started   time.Time
	now       func() time.Time
}

// NewReporter builds a Reporter for the current OS process. listenerState
// may be nil when no listener runs.
func NewReporter(processID uuid.UUID, listenerState func() string, sessions Sessions) *Reporter {
	r := &Reporter{
		processID: processID,
		listener:  listenerState,
		sessions:  sessions,
		started:   time.Now(),
		now:       time.Now,
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warningf("process stats unavailable: %v", err)
		return r
	}
	r.proc = p
	if ms, err := p.CreateTime(); err == nil {
		r.started = time.UnixMilli(ms)
	}
	return r
}

// Report takes a snapshot. Process statistics that cannot be read are left
// zero.
func (r *Reporter) Report() Report {
	rep := Report{
		ProcessID:     r.processID,
		ListenerState: "disabled",
		SessionsOpen:  r.sessions.Len(),
		SessionsBy:    r.sessions.UserCounts(),
		StartedAt:     r.started.UTC(),
		UptimeSeconds: r.now().Sub(r.started).Seconds(),
	}
	if r.listener != nil {
		rep.ListenerState = r.listener()
	}
	if r.proc == nil {
		return rep
	}
	if mem, err := r.proc.MemoryInfo(); err == nil {
		rep.RSSBytes = mem.RSS
	}
	if n, err := r.proc.NumThreads(); err == nil {
		rep.Threads = n
	}
	if pct, err := r.proc.CPUPercent(); err == nil {
		rep.CPUPercent = pct
	}
	return rep
}

// ServeHTTP writes the report as JSON.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.Report()); err != nil {
		logger.Errorf("encoding status: %v", err)
	}
}
