package mailer

import "fmt"

const (
	StageConnect  = "connect"
	StageStartTLS = "starttls"
	StageAuth     = "auth"
	StageMail     = "mail"
	StageRcpt     = "rcpt"
	StageData     = "data"
	StageClose    = "close"
	StageBuild    = "build"
)

// Error records which protocol step failed, including the server response
// wrapped inside Err.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("smtp %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &Error{Stage: stage, Err: err}
}
