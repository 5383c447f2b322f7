package sync

// State is a state of the outgoing mutation queue.
type State int

const (
	StateNotInitialized State = iota
	StateStopped
	StateStarting
	StateRequestingEvent
	StateWaitingForEventToProcess
	StateInError
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "notInitialized"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRequestingEvent:
		return "requestingEvent"
	case StateWaitingForEventToProcess:
		return "waitingForEventToProcess"
	case StateInError:
		return "inError"
	}
	return "unknown"
}

// Action drives a transition of the outgoing mutation queue.
type Action int

const (
	ActionInitialized Action = iota
	ActionReceivedStart
	ActionReceivedSubscription
	ActionEnqueuedEvent
	ActionProcessedEvent
	ActionReceivedStop
	ActionErrored
)

func (a Action) String() string {
	switch a {
	case ActionInitialized:
		return "initialized"
	case ActionReceivedStart:
		return "receivedStart"
	case ActionReceivedSubscription:
		return "receivedSubscription"
	case ActionEnqueuedEvent:
		return "enqueuedEvent"
	case ActionProcessedEvent:
		return "processedEvent"
	case ActionReceivedStop:
		return "receivedStop"
	case ActionErrored:
		return "errored"
	}
	return "unknown"
}

// Resolve returns the state reached by applying a in s. The second result
// is false when a is not valid in s, in which case s is returned unchanged.
func Resolve(s State, a Action) (State, bool) {
	if a == ActionErrored {
		return StateInError, true
	}
	switch s {
	case StateNotInitialized:
		if a == ActionInitialized {
			return StateStopped, true
		}
	case StateStopped:
		if a == ActionReceivedStart {
			return StateStarting, true
		}
	case StateStarting:
		switch a {
		case ActionReceivedSubscription:
			return StateRequestingEvent, true
		case ActionReceivedStop:
			return StateStopped, true
		}
	case StateRequestingEvent:
		switch a {
		case ActionEnqueuedEvent:
			return StateWaitingForEventToProcess, true
		case ActionReceivedStop:
			return StateStopped, true
		}
	case StateWaitingForEventToProcess:
		switch a {
		case ActionProcessedEvent:
			return StateRequestingEvent, true
		case ActionReceivedStop:
			return StateStopped, true
		}
	case StateInError:
		switch a {
		case ActionReceivedStart:
			return StateStarting, true
		case ActionReceivedStop:
			return StateStopped, true
		}
	}
	return s, false
}
