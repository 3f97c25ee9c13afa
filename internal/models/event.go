package models

import "time"

// EventType names a domain event emitted by the booking workflow.
type EventType string

const (
	EventBookingRequested   EventType = "BookingRequested"
	EventBookingConfirmed   EventType = "BookingConfirmed"
	EventBookingCancelled   EventType = "BookingCancelled"
	EventBookingRescheduled EventType = "BookingRescheduled"
	EventBookingCompleted   EventType = "BookingCompleted"
	EventBookingNoShow      EventType = "BookingNoShow"
)

// DomainEvent is the payload handed to payment and notification
// collaborators. The workflow never calls them directly.
type DomainEvent struct {
	Type      EventType    `json:"type"`
	LessonID  string       `json:"lesson_id"`
	TeacherID string       `json:"teacher_id"`
	StudentID string       `json:"student_id"`
	Interval  TimeInterval `json:"interval"`

	// OldInterval is set on BookingRescheduled.
	OldInterval *TimeInterval `json:"old_interval,omitempty"`
	// Reason is set on BookingCancelled, for payment reversal decisions.
	Reason string `json:"reason,omitempty"`
	// PaymentState is the lesson's payment state at emission time.
	PaymentState PaymentState `json:"payment_state"`

	OccurredAt time.Time `json:"occurred_at"`
}
