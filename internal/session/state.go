package session

// State is the lifecycle position of the chat session.
type State int

const (
	StateNoSession State = iota
	StateCreatingSession
	StateEstablishingRoom
	StateQueued
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateCreatingSession:
		return "creating_session"
	case StateEstablishingRoom:
		return "establishing_room"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Survey is the end-of-session feedback step being requested.
type Survey int

const (
	SurveyNone Survey = iota
	// SurveyDemand asks whether the demand was resolved.
	SurveyDemand
	// SurveyStars asks for the 1..5 score.
	SurveyStars
)

func (s Survey) String() string {
	switch s {
	case SurveyDemand:
		return "demand"
	case SurveyStars:
		return "stars"
	default:
		return "none"
	}
}

// Notice is a user-facing notification raised by service events.
type Notice struct {
	Title  string
	Detail string
}
