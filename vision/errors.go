package vision

// ExtractionError is any failure to obtain fields from an image: the API
// was unreachable or its reply did not have the expected shape. The operator
// has to resubmit the image.
type ExtractionError struct {
	Reason string
	Cause  error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return "vision: " + e.Reason + ": " + e.Cause.Error()
	}
	return "vision: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Cause }
