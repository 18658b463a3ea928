package client

import "fmt"

// apiErrorFallback is used when a failed response carries no error field.
const apiErrorFallback = "API Error"

// ApiError is returned by a direct call whose response status was not 200.
type ApiError struct {
	Status  int
	Message string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}
