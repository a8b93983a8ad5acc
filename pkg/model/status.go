package model

// Code is the outcome of a mutating operation.
type Code uint8

const (
	Success Code = iota
	Failure
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Status is returned instead of an error for expected or recoverable
// conditions. It is a comparable value.
type Status struct {
	Code    Code   `json:"status"`
	Message string `json:"message"`
}

// OK builds a success Status; an empty detail becomes "Ok".
func OK(detail string) Status {
	if detail == "" {
		detail = "Ok"
	}
	return Status{Code: Success, Message: detail}
}

func Failed(detail string) Status {
	return Status{Code: Failure, Message: detail}
}

func (s Status) IsOK() bool {
	return s.Code == Success
}

func (s Status) String() string {
	return s.Code.String() + ": " + s.Message
}
