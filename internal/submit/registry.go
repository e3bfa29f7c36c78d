package submit

import (
	"errors"
	"fmt"
)

// ErrUnknownEvent marks a submission naming an event id that was never
// registered for the case type.
var ErrUnknownEvent = errors.New("event not configured")

// EventConfig declares how one event type is handled. A Submit function
// selects the explicit flow; otherwise the legacy callback flow applies.
// Registered once at construction time.
type EventConfig struct {
	CaseTypeID string
	ID         string
	Name       string
	// Publish marks committed events of this type for the message bus.
	Publish bool
	// PostStates, when set, limits which states a handler may move the
	// case to.
	PostStates []string

	Submit           SubmitFunc
	AboutToSubmit    AboutToSubmitFunc
	Submitted        SubmittedFunc
	SubmittedRetries int
}

// Registry maps (case type, event id) to its configuration and handler.
type Registry struct {
	events map[string]EventConfig
}

func NewRegistry() *Registry {
	return &Registry{events: map[string]EventConfig{}}
}

func key(caseTypeID, eventID string) string {
	return caseTypeID + "|" + eventID
}

func (r *Registry) Register(cfg EventConfig) error {
	if cfg.CaseTypeID == "" || cfg.ID == "" {
		return fmt.Errorf("event config requires case type and event id")
	}
	k := key(cfg.CaseTypeID, cfg.ID)
	if _, exists := r.events[k]; exists {
		return fmt.Errorf("event %s already registered for case type %s", cfg.ID, cfg.CaseTypeID)
	}
	r.events[k] = cfg
	return nil
}

// RequiredEvent returns the config for an event or an error if unknown.
func (r *Registry) RequiredEvent(caseTypeID, eventID string) (EventConfig, error) {
	cfg, ok := r.events[key(caseTypeID, eventID)]
	if !ok {
		return EventConfig{}, fmt.Errorf("no event %s for case type %s: %w", eventID, caseTypeID, ErrUnknownEvent)
	}
	return cfg, nil
}

// handlerFor picks the submission strategy once per event type.
func handlerFor(cfg EventConfig) Handler {
	if cfg.Submit != nil {
		return explicitHandler{cfg: cfg}
	}
	return legacyHandler{cfg: cfg}
}
