package models

import "github.com/google/uuid"

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
)

// TransformOutcome is the terminal result of a transformation. Exactly one of
// the success or failure shapes applies, selected by Kind.
type TransformOutcome struct {
	Kind             OutcomeKind
	UUID             uuid.UUID
	Location         string
	OriginalFilename string
	URL              string // success only
	Message          string // failure only
}

func Success(id uuid.UUID, location, filename, url string) TransformOutcome {
	return TransformOutcome{
		Kind:             OutcomeSuccess,
		UUID:             id,
		Location:         location,
		OriginalFilename: filename,
		URL:              url,
	}
}

func Failure(id uuid.UUID, location, filename, message string) TransformOutcome {
	return TransformOutcome{
		Kind:             OutcomeFailure,
		UUID:             id,
		Location:         location,
		OriginalFilename: filename,
		Message:          message,
	}
}

// Event is the flat record pushed to subscribers.
type Event struct {
	UUID             string `json:"uuid"`
	Path             string `json:"path"`
	URL              string `json:"url,omitempty"`
	OriginalFilename string `json:"originalFilename"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

func (o TransformOutcome) Flat() Event {
	ev := Event{
		UUID:             o.UUID.String(),
		Path:             o.Location,
		OriginalFilename: o.OriginalFilename,
	}
	if o.Kind == OutcomeFailure {
		ev.Status = "error"
		ev.ErrorMessage = o.Message
		return ev
	}
	ev.Status = "success"
	ev.URL = o.URL
	return ev
}
