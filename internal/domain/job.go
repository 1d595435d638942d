// Package domain holds the queue row type and the status machine the
// scheduler and store enforce.
package domain

import "time"

// Operation is the kind of tenant-service mutation a row represents.
// Priority order is Create < Update < Delete: Priority returns the rank
// used by the store's ranked read and by the in-memory fallback ranker.
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Delete Operation = "delete"
)

// Priority returns the operation's rank for (operation, inserted_at)
// ordering; lower values are scheduled first.
func (o Operation) Priority() int {
	switch o {
	case Create:
		return 0
	case Update:
		return 1
	case Delete:
		return 2
	default:
		return 99
	}
}

// Status is one of the eight legal queue row states.
type Status string

const (
	Pending      Status = "pending"
	InProgress   Status = "in_progress"
	Completed    Status = "completed"
	Failed       Status = "failed"
	Canceled     Status = "canceled"
	Skipped      Status = "skipped"
	Retrying     Status = "retrying"
	DeadLettered Status = "dead_lettered"
)

// Transitions enumerates the legal successor states for every status,
// per the scheduler's state machine. A store must reject any write not
// present here.
var Transitions = map[Status][]Status{
	Pending:      {InProgress},
	InProgress:   {Completed, Failed, Canceled, Retrying, Skipped},
	Failed:       {Retrying, DeadLettered},
	Retrying:     {Pending},
	Skipped:      {Pending},
	Completed:    {},
	Canceled:     {},
	DeadLettered: {},
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QueueRow is one unit of queued tenant-service work.
type QueueRow struct {
	ID                  string
	ExecutionInstanceID string
	EventInstanceID     string
	TenantID            string
	ProductSKU          string
	ServiceName         string
	Operation           Operation
	Status              Status
	InsertedAt          time.Time
	RetryCount          int
}
