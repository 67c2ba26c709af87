package attribution

import (
	"errors"
	"net/http"
)

// RequestError classifies a rejected postback. The HTTP layer maps it
// onto a status code (or a redirect when RedirectURL is set); the gif
// endpoints swallow it entirely.
type RequestError struct {
	Status      int
	Reason      string
	RedirectURL string
}

func (e *RequestError) Error() string {
	return e.Reason
}

func badRequest(reason string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Reason: reason}
}

func notFound(reason string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Reason: reason}
}

// AsRequestError unwraps err into a RequestError, if it is one.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
