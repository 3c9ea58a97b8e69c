package mcmove

import "slices"

// EventType identifies a point in the trial lifecycle.
type EventType int

const (
	// EventTrialInitiated fires after a move is selected, before it proposes.
	EventTrialInitiated EventType = iota
	// EventTrialCompleted fires after the move has been told to accept or reject.
	EventTrialCompleted
	// EventTrialFailed fires when the move could not propose a legal trial.
	EventTrialFailed
)

func (t EventType) String() string {
	switch t {
	case EventTrialInitiated:
		return "initiated"
	case EventTrialCompleted:
		return "completed"
	case EventTrialFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners once per lifecycle point of every trial.
type Event struct {
	Type     EventType
	Move     Move
	Accepted bool
	// Chi is the acceptance weight; zero for failed trials.
	Chi float64
	// Check marks a self-check trial. It is always rejected and is not
	// part of the sampled chain.
	Check bool
}

// Listener observes trial events.
type Listener interface {
	OnMoveEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnMoveEvent(ev Event) { f(ev) }

// EventManager fans events out to listeners in registration order.
type EventManager struct {
	listeners []registration
	nextID    int
}

type registration struct {
	id int
	l  Listener
}

// AddListener appends l. It returns a function that removes it again.
func (em *EventManager) AddListener(l Listener) (remove func()) {
	em.nextID++
	id := em.nextID
	em.listeners = append(em.listeners, registration{id: id, l: l})
	return func() {
		for i, r := range em.listeners {
			if r.id == id {
				// Copy so a delivery in progress keeps its own view.
				em.listeners = slices.Delete(slices.Clone(em.listeners), i, i+1)
				return
			}
		}
	}
}

// Len returns the number of registered listeners.
func (em *EventManager) Len() int { return len(em.listeners) }

func (em *EventManager) fire(ev Event) {
	for _, r := range em.listeners {
		r.l.OnMoveEvent(ev)
	}
}
