package models

import "time"

// LessonStatus is the lifecycle state of a lesson instance.
type LessonStatus string

const (
	LessonPending   LessonStatus = "PENDING"
	LessonConfirmed LessonStatus = "CONFIRMED"
	LessonCancelled LessonStatus = "CANCELLED"
	LessonCompleted LessonStatus = "COMPLETED"
	LessonNoShow    LessonStatus = "NO_SHOW"
)

// PaymentState tracks the payment collaborator's view of a lesson. It moves
// independently of the lifecycle status, including on terminal lessons.
type PaymentState string

const (
	PaymentUnpaid     PaymentState = "UNPAID"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentPaid       PaymentState = "PAID"
	PaymentRefunded   PaymentState = "REFUNDED"
)

// LessonInstance is the atomic booking unit, owned by the booking ledger.
type LessonInstance struct {
	ID        string    `db:"id" json:"id"`
	TeacherID string    `db:"teacher_id" json:"teacher_id"`
	StudentID string    `db:"student_id" json:"student_id"`
	StartTime time.Time `db:"start_time" json:"start_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`

	Status       LessonStatus `db:"status" json:"status"`
	PaymentState PaymentState `db:"payment_state" json:"payment_state"`
	SeriesID     *string      `db:"series_id" json:"series_id,omitempty"`

	// Grandfathered marks a confirmed lesson whose availability window was
	// later deleted; it stays valid under the containment invariant.
	Grandfathered bool    `db:"grandfathered" json:"grandfathered"`
	CancelReason  *string `db:"cancel_reason" json:"cancel_reason,omitempty"`

	// Version is the optimistic-concurrency counter bumped on every mutation.
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Interval returns the lesson's booked span.
func (l LessonInstance) Interval() TimeInterval {
	return TimeInterval{Start: l.StartTime.UTC(), End: l.EndTime.UTC()}
}

// Terminal reports whether the lifecycle status admits no further status
// transitions. PaymentState may still move on terminal lessons.
func (l LessonInstance) Terminal() bool {
	switch l.Status {
	case LessonCancelled, LessonCompleted, LessonNoShow:
		return true
	}
	return false
}

// Blocking reports whether the lesson occupies its slot for conflict checks.
func (l LessonInstance) Blocking() bool {
	return l.Status == LessonPending || l.Status == LessonConfirmed
}

var lessonTransitions = map[LessonStatus][]LessonStatus{
	LessonPending:   {LessonConfirmed, LessonCancelled},
	LessonConfirmed: {LessonCancelled, LessonCompleted, LessonNoShow},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to LessonStatus) bool {
	for _, allowed := range lessonTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var paymentTransitions = map[PaymentState][]PaymentState{
	PaymentUnpaid:     {PaymentAuthorized, PaymentPaid},
	PaymentAuthorized: {PaymentPaid, PaymentRefunded},
	PaymentPaid:       {PaymentRefunded},
}

// CanTransitionPayment reports whether from -> to is a legal payment move.
func CanTransitionPayment(from, to PaymentState) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LessonFilter narrows ledger queries.
type LessonFilter struct {
	TeacherID string
	StudentID string
	From      time.Time
	To        time.Time
	Statuses  []LessonStatus
	Page      int
	PageSize  int
}

// BlockingStatuses are the statuses that participate in overlap checks.
var BlockingStatuses = []LessonStatus{LessonPending, LessonConfirmed}

// DecisionCode classifies the outcome of a conflict evaluation.
type DecisionCode string

const (
	DecisionOK                  DecisionCode = "OK"
	DecisionOutsideAvailability DecisionCode = "OUTSIDE_AVAILABILITY"
	DecisionTeacherConflict     DecisionCode = "TEACHER_CONFLICT"
	DecisionStudentConflict     DecisionCode = "STUDENT_CONFLICT"
)

// Decision is the resolver's verdict on a proposed booking.
type Decision struct {
	Code DecisionCode `json:"code"`
	// Gaps are the uncovered parts of the proposal when outside availability.
	Gaps []TimeInterval `json:"gaps,omitempty"`
	// ConflictingLessonIDs reference the blocking lessons for conflict codes.
	ConflictingLessonIDs []string `json:"conflicting_lesson_ids,omitempty"`
}

// OK reports whether the proposal may proceed.
func (d Decision) OK() bool {
	return d.Code == DecisionOK
}

// LedgerSnapshot is a single consistent read of the blocking lessons relevant
// to one proposal: the teacher's side and the student's side together.
type LedgerSnapshot struct {
	TeacherLessons []LessonInstance
	StudentLessons []LessonInstance
}

// Pagination describes list envelope metadata.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}
