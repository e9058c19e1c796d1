package chrono

import (
	"encoding/json"
	"time"
)

// Topic classifies lifecycle events carried by the EventBroker.
type Topic string

const (
	TopicTaskAdded        Topic = "task_added"
	TopicTaskRemoved      Topic = "task_removed"
	TopicScheduleAdded    Topic = "schedule_added"
	TopicScheduleUpdated  Topic = "schedule_updated"
	TopicScheduleRemoved  Topic = "schedule_removed"
	TopicJobAdded         Topic = "job_added"
	TopicJobAcquired      Topic = "job_acquired"
	TopicJobReleased      Topic = "job_released"
	TopicSchedulerStarted Topic = "scheduler_started"
	TopicSchedulerStopped Topic = "scheduler_stopped"
	TopicWorkerStarted    Topic = "worker_started"
	TopicWorkerStopped    Topic = "worker_stopped"
)

// Event is a lifecycle notification. Only the fields relevant to its topic
// are populated.
type Event struct {
	Topic Topic     `json:"topic"`
	At    time.Time `json:"at"`

	SchedulerID string `json:"scheduler_id,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`

	TaskID     string `json:"task_id,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`

	// JobStatus accompanies TopicJobReleased.
	JobStatus JobStatus `json:"job_status,omitempty"`

	// NextFireTime accompanies schedule topics so subscribers can wake for
	// earlier-than-expected work without a datastore round trip.
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
}

// MarshalEvent encodes an event for a networked broker transport.
func MarshalEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

// UnmarshalEvent is the inverse of MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, &SerializationError{Err: err}
	}
	return event, nil
}
