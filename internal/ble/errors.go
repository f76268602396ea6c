package ble

import "errors"

// Error kinds surfaced by the discovery and session core. Every public
// operation either succeeds or returns an error matching one of these
// with errors.Is.
var (
	ErrInvalidAddress        = errors.New("invalid address")
	ErrAlreadyRunning        = errors.New("already running")
	ErrAlreadyConnecting     = errors.New("already connecting")
	ErrNotReady              = errors.New("session not ready")
	ErrBusy                  = errors.New("busy")
	ErrConnect               = errors.New("connect failed")
	ErrCapabilityNotFound    = errors.New("capability not found")
	ErrAborted               = errors.New("aborted")
	ErrEncryptionSetupFailed = errors.New("encryption setup failed")
	ErrTimeout               = errors.New("timeout")
	ErrTransport             = errors.New("transport error")
)
