package models

import "errors"

var (
	// ErrInvalidMomentSpan is returned when a Moment's end precedes its start.
	ErrInvalidMomentSpan = errors.New("models: moment end precedes start")
	// ErrSpeakerNotPresent is returned when Speakers is not a subset of PresentPersons.
	ErrSpeakerNotPresent = errors.New("models: speaker not present in moment")
)
