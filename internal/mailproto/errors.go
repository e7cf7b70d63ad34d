package mailproto

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"

	"github.com/roach88/idleprobe/internal/model"
)

// Error is a failure at a protocol call site, tagged with a category.
//
// Callers decide what a failure means by switching on Category. The wrapped
// error text is for humans only.
type Error struct {
	// Op is the protocol operation that failed ("login", "search", ...).
	Op string

	// Category classifies the failure.
	Category model.ErrorCategory

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the category of err.
// Returns CatNone for nil and CatProtocol for unclassified errors.
func CategoryOf(err error) model.ErrorCategory {
	if err == nil {
		return model.CatNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return model.CatProtocol
}

// IsTimeout returns true if err is a deadline or network timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Category == model.CatTimeout {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wrapIO tags an I/O error as timeout or connection.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return &Error{Op: op, Category: model.CatTimeout, Err: err}
	}
	return &Error{Op: op, Category: model.CatConnection, Err: err}
}

// wrapSMTP tags an error returned by net/smtp. Reply codes are protocol
// failures (535 is an authentication failure); anything else is I/O.
func wrapSMTP(op string, err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code == 535 || tpErr.Code == 530 {
			return &Error{Op: op, Category: model.CatAuth, Err: err}
		}
		return &Error{Op: op, Category: model.CatProtocol, Err: err}
	}
	return wrapIO(op, err)
}
