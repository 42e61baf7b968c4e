package workflow

import (
	"time"

	"github.com/shohag/salondesk/internal/intent"
	"github.com/shohag/salondesk/internal/models"
)

type Stage int

const (
	StageIdle Stage = iota
	StageCheckingAvailability
	StageWaitingServiceChoice
	StageWaitingTimeChoice
	StageWaitingName
	StageCreatingAppointment
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageCheckingAvailability:
		return "checking_availability"
	case StageWaitingServiceChoice:
		return "waiting_service_choice"
	case StageWaitingTimeChoice:
		return "waiting_time_choice"
	case StageWaitingName:
		return "waiting_name"
	case StageCreatingAppointment:
		return "creating_appointment"
	case StageCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// State is one conversation's position in the booking flow. Each stage has
// its own type carrying exactly the data that stage needs.
type State interface {
	Stage() Stage
}

type Idle struct{}

// AwaitingService remembers the date and time mentioned before the service
// was known.
type AwaitingService struct {
	Date string
	Time string
}

type CheckingAvailability struct {
	Service       models.Service
	Day           time.Time
	RequestedTime string
}

type AwaitingTime struct {
	Service models.Service
	Day     time.Time
	Slots   []time.Time
}

type AwaitingName struct {
	Service models.Service
	Start   time.Time
}

type CreatingAppointment struct {
	Service models.Service
	Start   time.Time
	Name    string
}

type Completed struct {
	AppointmentID string
	Service       models.Service
	Start         time.Time
}

func (Idle) Stage() Stage                 { return StageIdle }
func (AwaitingService) Stage() Stage      { return StageWaitingServiceChoice }
func (CheckingAvailability) Stage() Stage { return StageCheckingAvailability }
func (AwaitingTime) Stage() Stage         { return StageWaitingTimeChoice }
func (AwaitingName) Stage() Stage         { return StageWaitingName }
func (CreatingAppointment) Stage() Stage  { return StageCreatingAppointment }
func (Completed) Stage() Stage            { return StageCompleted }

// busy reports whether a background step owns the conversation.
func busy(s State) bool {
	switch s.(type) {
	case CheckingAvailability, CreatingAppointment:
		return true
	}
	return false
}

func expectation(s State) intent.Expectation {
	switch s.(type) {
	case AwaitingService:
		return intent.ExpectService
	case AwaitingTime:
		return intent.ExpectTime
	case AwaitingName:
		return intent.ExpectName
	}
	return intent.ExpectNothing
}

// serviceOf returns the service the conversation has settled on, if any.
func serviceOf(s State) (models.Service, bool) {
	switch st := s.(type) {
	case CheckingAvailability:
		return st.Service, true
	case AwaitingTime:
		return st.Service, true
	case AwaitingName:
		return st.Service, true
	case CreatingAppointment:
		return st.Service, true
	case Completed:
		return st.Service, true
	}
	return models.Service{}, false
}
