package runner

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
)

type GlobalState int32

const (
	NotStarted GlobalState = iota
	Running
	Stopping
	Stopped
)

func (s GlobalState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("GlobalState(%d)", int32(s))
	}
}

type PodState string

const (
	PodPending   PodState = "pending"
	PodRunning   PodState = "running"
	PodCompleted PodState = "completed"
	PodFailed    PodState = "failed"
)

// PodError is the failure of one pod.
type PodError struct {
	AgentID string
	Err     error
}

func (e *PodError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.AgentID, e.Err)
}

func (e *PodError) Unwrap() error {
	return e.Err
}

// AgentStatus is the live status of a pod. Counters are updated by the pod
// goroutine; readers take a Snapshot.
type AgentStatus struct {
	agentID string

	recordsIn    atomic.Int64
	recordsOut   atomic.Int64
	errors       atomic.Int64
	skipped      atomic.Int64
	deadLettered atomic.Int64

	mu           sync.Mutex
	state        PodState
	err          error
	lastRecordAt time.Time
	startedAt    time.Time
	finishedAt   time.Time
	consumerInfo map[string]any
	producerInfo map[string]any
}

func newAgentStatus(agentID string) *AgentStatus {
	return &AgentStatus{agentID: agentID, state: PodPending}
}

func (s *AgentStatus) AgentID() string { return s.agentID }

func (s *AgentStatus) State() PodState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AgentStatus) started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PodRunning
	s.startedAt = time.Now()
}

func (s *AgentStatus) finished(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAt = time.Now()
	if err != nil {
		s.state = PodFailed
		s.err = err
		return
	}
	s.state = PodCompleted
}

func (s *AgentStatus) recordIn() {
	s.recordsIn.Add(1)
	s.mu.Lock()
	s.lastRecordAt = time.Now()
	s.mu.Unlock()
}

func (s *AgentStatus) setInfo(consumer, producer map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerInfo = consumer
	s.producerInfo = producer
}

// StatusSnapshot is an immutable copy of an AgentStatus.
type StatusSnapshot struct {
	AgentID      string          `json:"agent-id"`
	State        PodState        `json:"state"`
	Error        string          `json:"error,omitempty"`
	RecordsIn    int64           `json:"records-in"`
	RecordsOut   int64           `json:"records-out"`
	Errors       int64           `json:"errors"`
	Skipped      int64           `json:"skipped"`
	DeadLettered int64           `json:"dead-lettered"`
	LastRecordAt strfmt.DateTime `json:"last-record-at"`
	StartedAt    strfmt.DateTime `json:"started-at"`
	FinishedAt   strfmt.DateTime `json:"finished-at"`
	ConsumerInfo map[string]any  `json:"consumer-info,omitempty"`
	ProducerInfo map[string]any  `json:"producer-info,omitempty"`
}

func (s *AgentStatus) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatusSnapshot{
		AgentID:      s.agentID,
		State:        s.state,
		RecordsIn:    s.recordsIn.Load(),
		RecordsOut:   s.recordsOut.Load(),
		Errors:       s.errors.Load(),
		Skipped:      s.skipped.Load(),
		DeadLettered: s.deadLettered.Load(),
		LastRecordAt: strfmt.DateTime(s.lastRecordAt),
		StartedAt:    strfmt.DateTime(s.startedAt),
		FinishedAt:   strfmt.DateTime(s.finishedAt),
		ConsumerInfo: maps.Clone(s.consumerInfo),
		ProducerInfo: maps.Clone(s.producerInfo),
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// AgentRunResult holds the final status of every pod in input order.
type AgentRunResult struct {
	Pods []StatusSnapshot `json:"pods"`
}

// Pod returns the snapshot of agentID.
func (r *AgentRunResult) Pod(agentID string) (StatusSnapshot, bool) {
	for _, p := range r.Pods {
		if p.AgentID == agentID {
			return p, true
		}
	}
	return StatusSnapshot{}, false
}
