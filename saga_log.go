package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepEvent represents an entry in the saga log.
type StepEvent struct {
	SagaID    string        `json:"saga_id"`
	StepIndex int           `json:"step_index"`
	StepName  string        `json:"step_name"`
	Type      StepEventType `json:"type"`
	At        time.Time     `json:"at"`
}

// String implements the fmt.Stringer interface for StepEvent.
func (e StepEvent) String() string {
	return fmt.Sprintf("S%03d %-20s %s", e.StepIndex, e.StepName, e.Type)
}

// StepEventType defines the types of events that can occur for a saga step.
type StepEventType int

const (
	EventStarted StepEventType = iota
	EventSucceeded
	EventFailed
	EventUndoStarted
	EventUndoFinished
	EventUndoFailed
)

// String returns the string representation of the StepEventType.
func (t StepEventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventUndoStarted:
		return "undo_started"
	case EventUndoFinished:
		return "undo_finished"
	case EventUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalJSON implements the json.Marshaler interface for StepEventType.
func (t StepEventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepEventType.
func (t *StepEventType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := EventStarted; candidate <= EventUndoFailed; candidate++ {
		if candidate.String() == name {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown step event type %q", name)
}

// StepStatus is the derived status of one step, folded from its events.
type StepStatus int

const (
	StepNeverStarted StepStatus = iota
	StepStarted
	StepSucceeded
	StepFailed
	StepUndoStarted
	StepUndoFinished
	StepUndoFailed
)

// nextStatus returns the new status for a step after recording the given event.
//
// Besides the forward path, a failed step may start again (resume) and an
// undone step may be undone again when a resumed saga fails a second time.
func (s StepStatus) nextStatus(eventType StepEventType) (StepStatus, error) {
	switch s {
	case StepNeverStarted:
		if eventType == EventStarted {
			return StepStarted, nil
		}
	case StepStarted:
		switch eventType {
		case EventSucceeded:
			return StepSucceeded, nil
		case EventFailed:
			return StepFailed, nil
		}
	case StepFailed:
		if eventType == EventStarted {
			return StepStarted, nil
		}
	case StepSucceeded, StepUndoFinished, StepUndoFailed:
		if eventType == EventUndoStarted {
			return StepUndoStarted, nil
		}
	case StepUndoStarted:
		switch eventType {
		case EventUndoFinished:
			return StepUndoFinished, nil
		case EventUndoFailed:
			return StepUndoFailed, nil
		}
	}

	return StepNeverStarted, fmt.Errorf(
		"illegal event type %s for current step status %s",
		eventType, s,
	)
}

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepNeverStarted:
		return "never_started"
	case StepStarted:
		return "started"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	case StepUndoStarted:
		return "undo_started"
	case StepUndoFinished:
		return "undo_finished"
	case StepUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalJSON implements the json.Marshaler interface for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := StepNeverStarted; candidate <= StepUndoFailed; candidate++ {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", name)
}

// SagaLog represents the step event log for a saga.
type SagaLog struct {
	mu         sync.Mutex
	sagaID     string
	unwinding  bool
	events     []StepEvent
	stepStatus map[int]StepStatus
}

// NewSagaLog creates a new, empty SagaLog.
func NewSagaLog(sagaID string) *SagaLog {
	return &SagaLog{
		sagaID:     sagaID,
		events:     make([]StepEvent, 0),
		stepStatus: make(map[int]StepStatus),
	}
}

// Record adds an event to the SagaLog.
func (l *SagaLog) Record(event StepEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.SagaID != l.sagaID {
		return fmt.Errorf("event for saga %s recorded in log of saga %s", event.SagaID, l.sagaID)
	}

	next, err := l.stepStatus[event.StepIndex].nextStatus(event.Type)
	if err != nil {
		return fmt.Errorf("step %d (%s): %w", event.StepIndex, event.StepName, err)
	}

	switch next {
	case StepFailed, StepUndoStarted, StepUndoFinished, StepUndoFailed:
		l.unwinding = true
	case StepStarted:
		// a resumed saga moves forward again
		l.unwinding = false
	}

	l.stepStatus[event.StepIndex] = next
	l.events = append(l.events, event)
	return nil
}

// Unwinding returns true if the saga is currently unwinding.
func (l *SagaLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwinding
}

// StatusOf returns the folded status of the step at index.
func (l *SagaLog) StatusOf(index int) StepStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stepStatus[index]
}

// Events returns a copy of the events in the SagaLog.
func (l *SagaLog) Events() []StepEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]StepEvent, len(l.events))
	copy(out, l.events)
	return out
}

// String pretty-prints the log.
func (l *SagaLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("SAGA LOG:\n")
	fmt.Fprintf(&sb, "saga id:   %s\n", l.sagaID)
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	fmt.Fprintf(&sb, "direction: %s\n", direction)
	fmt.Fprintf(&sb, "events (%d total):\n\n", len(l.events))
	for i, event := range l.events {
		fmt.Fprintf(&sb, "%03d %s\n", i+1, event.String())
	}
	return sb.String()
}
