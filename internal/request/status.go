package request

import "strconv"

// Status holds the lifecycle state of a request. Values below 200 are
// non-terminal; 200 and above are terminal, including raw 4xx/5xx codes
// recorded verbatim from the origin.
type Status int

const (
	// Non-terminal states.
	StatusPending           Status = 100
	StatusRunning           Status = 192
	StatusPausedByApp       Status = 193
	StatusWaitingToRetry    Status = 194
	StatusWaitingForNetwork Status = 195
	StatusQueuedForWifi     Status = 196
	StatusDeviceNotFound    Status = 199

	StatusSuccess Status = 200

	// Engine-defined terminal errors, kept clear of real HTTP codes.
	StatusCannotResume      Status = 489
	StatusCanceled          Status = 490
	StatusUnknownError      Status = 491
	StatusFileError         Status = 492
	StatusUnhandledHTTPCode Status = 494
	StatusHTTPDataError     Status = 495
	StatusTooManyRedirects  Status = 497
	StatusInsufficientSpace Status = 498
)

// Terminal reports whether no further attempts will be made for this status.
func (s Status) Terminal() bool {
	return s >= 200
}

// Waiting reports whether the request is parked until some condition clears.
func (s Status) Waiting() bool {
	switch s {
	case StatusPausedByApp, StatusWaitingToRetry, StatusWaitingForNetwork,
		StatusQueuedForWifi, StatusDeviceNotFound:
		return true
	case StatusPending, StatusRunning, StatusSuccess,
		StatusCannotResume, StatusCanceled, StatusUnknownError, StatusFileError,
		StatusUnhandledHTTPCode, StatusHTTPDataError, StatusTooManyRedirects,
		StatusInsufficientSpace:
		return false
	}
	// Raw origin codes (4xx/5xx recorded verbatim) are terminal, not waiting.
	return false
}

// Succeeded reports a clean completion.
func (s Status) Succeeded() bool { return s == StatusSuccess }

// Failed reports a terminal state other than success.
func (s Status) Failed() bool { return s.Terminal() && s != StatusSuccess }

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPausedByApp:
		return "paused"
	case StatusWaitingToRetry:
		return "waiting_retry"
	case StatusWaitingForNetwork:
		return "waiting_network"
	case StatusQueuedForWifi:
		return "queued_for_wifi"
	case StatusDeviceNotFound:
		return "device_not_found"
	case StatusSuccess:
		return "success"
	case StatusCannotResume:
		return "cannot_resume"
	case StatusCanceled:
		return "canceled"
	case StatusUnknownError:
		return "unknown_error"
	case StatusFileError:
		return "file_error"
	case StatusUnhandledHTTPCode:
		return "unhandled_http_code"
	case StatusHTTPDataError:
		return "http_data_error"
	case StatusTooManyRedirects:
		return "too_many_redirects"
	case StatusInsufficientSpace:
		return "insufficient_space"
	}
	if s >= 400 && s < 600 {
		return "http_" + strconv.Itoa(int(s))
	}
	return "status_" + strconv.Itoa(int(s))
}
