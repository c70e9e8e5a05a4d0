package errors

import (
	"encoding/json"
	"errors"
)

// Representation of errors surfaced by the director. These are
// divided into a small number of categories, essentially
// distinguished by whose fault the error is; i.e., is this error:
//  - a transient problem with a collaborator, so worth trying again?
//  - not going to work until the operator changes the manifest or releases?
//  - the result of the operator (or the deploy task) asking us to stop?
type Error struct {
	Type Type
	// a message that can be printed out for the operator
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Cause() error {
	return e.Err
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present (e.g., a job that isn't in the release)
	User Type = "user"
	// The operation was stopped before it finished
	Cancelled Type = "cancelled"
)

func is(err error, t Type) bool {
	var e *Error
	if errors.As(err, &e) && e.Type == t {
		return true
	}
	return false
}

func IsMissing(err error) bool {
	return is(err, Missing)
}

func IsCancelled(err error) bool {
	return is(err, Cancelled)
}

func IsUser(err error) bool {
	return is(err, User)
}

// CancelledError wraps the reason work was abandoned.
func CancelledError(err error) *Error {
	return &Error{
		Type: Cancelled,
		Err:  err,
		Help: `The task was cancelled before it finished:

    ` + err.Error() + `

Compiled packages created before the cancellation are kept and will
be reused by the next attempt.
`,
	}
}

func MissingError(err error) *Error {
	return &Error{
		Type: Missing,
		Err:  err,
		Help: err.Error(),
	}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: User,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.

It would help us remedy this if you log an issue saying what you were
deploying when you saw this, and quoting the message at the top.
`,
	}
}
