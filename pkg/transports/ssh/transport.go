// Package ssh serves a remote document root over SFTP, for sites whose web
// server runs on a different host than aiready.
package ssh

import "errors"

// Stage names the part of the connection that failed.
type Stage string

const (
	StageDial      Stage = "dial"
	StageAuth      Stage = "auth"
	StageHandshake Stage = "handshake"
	StageSFTP      Stage = "sftp"
	StageClose     Stage = "close"
)

// ConnError is returned by Dial and Close.
type ConnError struct {
	Stage Stage
	Err   error
}

func (e *ConnError) Error() string {
	return "sftp " + string(e.Stage) + ": " + e.Err.Error()
}

func (e *ConnError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the connection could succeed. Bad
// credentials and key material never fix themselves.
func (e *ConnError) Temporary() bool {
	return e.Stage == StageDial || e.Stage == StageHandshake
}

// IsAuthError reports whether err is a credential or host key failure.
func IsAuthError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce) && ce.Stage == StageAuth
}
