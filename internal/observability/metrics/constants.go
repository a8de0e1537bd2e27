package metrics

// Label names shared across collectors.
const (
	LabelCamera    = "camera"
	LabelOutcome   = "outcome"
	LabelEvent     = "event"
	LabelOperation = "operation"
	LabelStatus    = "status"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)
