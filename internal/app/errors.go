package app

import "fmt"

// DomainError is an error the branch-lifecycle API maps straight onto an HTTP
// response: rejected preconditions (locked or rebase-disabled branches, busy
// sweeps), unknown jobs, and validation failures all surface as one.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
