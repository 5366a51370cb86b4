package portal

import "fmt"

// DriverError is a failure of the browser session itself. Fatal errors
// (login rejected, portal unreachable) end the whole run; the others only
// fail the current record.
type DriverError struct {
	Op    string
	Cause error
	fatal bool
}

func (e *DriverError) Error() string {
	kind := "driver"
	if e.fatal {
		kind = "driver (fatal)"
	}
	if e.Cause == nil {
		return fmt.Sprintf("portal: %s: %s", kind, e.Op)
	}
	return fmt.Sprintf("portal: %s: %s: %v", kind, e.Op, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// Fatal reports whether the run must stop.
func (e *DriverError) Fatal() bool { return e.fatal }

func fatalErr(op string, cause error) error {
	return &DriverError{Op: op, Cause: cause, fatal: true}
}

func softErr(op string, cause error) error {
	return &DriverError{Op: op, Cause: cause}
}
