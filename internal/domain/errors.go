package domain

import "errors"

var (
	ErrMediaAccessDenied      = errors.New("media access denied")
	ErrDeviceUnavailable      = errors.New("media device unavailable")
	ErrScreenShareUnsupported = errors.New("screen share unsupported")
	ErrRegistrationFailed     = errors.New("peer registration failed")
	ErrJoinRejected           = errors.New("join rejected")
	ErrSendFailed             = errors.New("chat send failed")
	ErrEmptyMessage           = errors.New("empty chat message")

	ErrMeetingClosed  = errors.New("meeting closed")
	ErrMeetingUnknown = errors.New("meeting not found")
	ErrUnknownPeer    = errors.New("participant not registered")
	ErrNotOwner       = errors.New("only the meeting owner may do this")
	ErrNotActive      = errors.New("no active meeting")
	ErrBusy           = errors.New("another lifecycle operation is in progress")
	ErrRateLimited    = errors.New("rate limited")
)
