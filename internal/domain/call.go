package domain

import "time"

// CallStatus enumerates lifecycle stages for an individual call record.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusDialing    CallStatus = "dialing"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether the call has ended.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// Direction of a call as reported by the telephony provider.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// AnsweredBy is the answering-machine detection classification.
type AnsweredBy string

const (
	AnsweredByUnknown AnsweredBy = "unknown"
	AnsweredByHuman   AnsweredBy = "human"
	AnsweredByMachine AnsweredBy = "machine"
	AnsweredByFax     AnsweredBy = "fax"
)

// Call is the durable record of one dispatched call.
type Call struct {
	ID          string
	CampaignID  string
	ContactID   string
	PhoneNumber string
	Status      CallStatus
	AnsweredBy  AnsweredBy
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CallEvent is one lifecycle event appended to a call's history.
type CallEvent struct {
	CallID     string
	Kind       string
	Payload    []byte
	OccurredAt time.Time
}

// CallStats aggregates call outcomes for a campaign.
type CallStats struct {
	Dialed    int64 `db:"dialed"`
	Answered  int64 `db:"answered"`
	Completed int64 `db:"completed"`
	Busy      int64 `db:"busy"`
	NoAnswer  int64 `db:"no_answer"`
	Failed    int64 `db:"failed"`
	Canceled  int64 `db:"canceled"`
	Machine   int64 `db:"machine"`
}
