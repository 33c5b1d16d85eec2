package domain

import "time"

// JobStatus is the message job state machine:
//
//	queued → dispatched → sent → {delivered | bounced | complained | deferred}
//	deferred → retry_queued → dispatched ...
//	retry_queued ← transient failures (consumes an attempt unless quota-deferred)
//	dead ← attempt budget exhausted or permanent rejection
//
// Transitions are monotone forward only; a job never returns to queued,
// it always passes through retry_queued.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDispatched  JobStatus = "dispatched"
	JobSent        JobStatus = "sent"
	JobDelivered   JobStatus = "delivered"
	JobBounced     JobStatus = "bounced"
	JobComplained  JobStatus = "complained"
	JobDeferred    JobStatus = "deferred"
	JobRetryQueued JobStatus = "retry_queued"
	JobDead        JobStatus = "dead"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:      {JobDispatched, JobDead},
	JobRetryQueued: {JobDispatched, JobDead},
	JobDispatched:  {JobSent, JobRetryQueued, JobDead},
	JobSent:        {JobDelivered, JobBounced, JobComplained, JobDeferred},
	JobDeferred:    {JobRetryQueued, JobDead},
	// delivered, bounced, complained, dead are terminal
}

// CanTransition reports whether from → to is a legal forward transition.
func CanTransition(from, to JobStatus) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a job in this status will never be worked again.
// Note "sent" is terminal for the send attempt but still awaits feedback.
func Terminal(s JobStatus) bool {
	switch s {
	case JobDelivered, JobBounced, JobComplained, JobDead:
		return true
	}
	return false
}

// MessageJob is one unit of send work. It is owned exclusively by the
// queue/worker pipeline until it reaches a terminal state.
type MessageJob struct {
	ID         JobID
	TenantID   TenantID
	CampaignID CampaignID
	LeadID     LeadID
	StepID     StepID
	SenderID   SenderID // assigned at plan time, may be overridden at dispatch
	TemplateID string
	Address    string

	IdempotencyKey string
	Status         JobStatus
	Attempts       int

	ScheduledAt       time.Time
	LeasedUntil       time.Time // zero when not leased
	ProviderMessageID string    // set once the provider accepts the send
	LastError         string
}
