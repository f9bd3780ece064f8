package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/patch"
	"github.com/tonieflash/flash-console/internal/transfer"
	"github.com/tonieflash/flash-console/internal/validation"
)

// FailureKind classifies why a step action failed.
type FailureKind string

const (
	FailurePortUnavailable     FailureKind = "PORT_UNAVAILABLE"
	FailureIdentification      FailureKind = "IDENTIFICATION_FAILED"
	FailureTransfer            FailureKind = "TRANSFER_FAILED"
	FailureValidation          FailureKind = "VALIDATION_FAILED"
	FailurePatchService        FailureKind = "PATCH_SERVICE_FAILED"
	FailureUpload              FailureKind = "UPLOAD_FAILED"
	FailureCertificateConflict FailureKind = "CERTIFICATE_EXTRACTION_CONFLICT"
	FailureCancelled           FailureKind = "CANCELLED"
	FailureConfiguration       FailureKind = "CONFIGURATION_ERROR"
	FailureInternal            FailureKind = "INTERNAL"
)

// Failure is the step-scoped error shown to the user.
type Failure struct {
	Kind       FailureKind       `json:"kind"`
	Message    string            `json:"message"`
	Violations validation.Errors `json:"violations,omitempty"`
	Err        error             `json:"-"`
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// errInvalidImage rejects loaded files before any device I/O.
var errInvalidImage = errors.New("invalid image file")

// Classify maps an action error to a Failure with a cause-specific message.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var (
		idErr *models.IdentificationError
		te    *transfer.TransferError
		ve    *patch.ValidationError
		pe    *patch.PatchError
		ue    *patch.UploadError
		f     *Failure
	)

	fail := func(kind FailureKind, msg string) *Failure {
		return &Failure{Kind: kind, Message: msg, Err: err}
	}

	switch {
	case errors.As(err, &f):
		return f
	case errors.Is(err, context.Canceled):
		return fail(FailureCancelled, "Operation cancelled. The box may be in an undefined state; retry the step.")
	case errors.Is(err, device.ErrPortBusy):
		return fail(FailurePortUnavailable, "The serial port is in use by another program. Close it and try again.")
	case errors.Is(err, device.ErrPortNotFound):
		return fail(FailurePortUnavailable, "The serial port was not found. Check the cable and the selected port.")
	case errors.Is(err, device.ErrNoPort):
		return fail(FailurePortUnavailable, "No serial port selected.")
	case errors.As(err, &idErr):
		return fail(FailureIdentification, fmt.Sprintf("The attached box cannot be used: %s.", idErr.Reason))
	case errors.Is(err, device.ErrHandshakeFailed):
		return fail(FailureIdentification, "The box did not answer. Make sure it is in download mode and retry.")
	case errors.Is(err, device.ErrNeedsStub):
		return fail(FailureConfiguration, "Reading the flash needs the flasher stub. Set serial.stub_path in the configuration.")
	case errors.As(err, &te):
		return fail(FailureTransfer, fmt.Sprintf("Flash %s failed at offset 0x%06X: %v. Retry the step.", te.Direction, te.Offset, te.Err))
	case errors.As(err, &ve):
		vf := fail(FailureValidation, "Check the highlighted fields.")
		vf.Violations = ve.Violations
		return vf
	case errors.Is(err, errInvalidImage),
		errors.Is(err, transfer.ErrEmptyImage),
		errors.Is(err, transfer.ErrImageTooLarge),
		errors.Is(err, flashstore.ErrInputExists):
		return fail(FailureValidation, err.Error())
	case errors.As(err, &pe):
		switch pe.Kind {
		case patch.PatchUnreachable:
			return fail(FailurePatchService, "The patch service could not be reached.")
		case patch.PatchRejected:
			return fail(FailurePatchService, fmt.Sprintf("The patch service rejected the parameters: %v", pe.Err))
		default:
			return fail(FailurePatchService, fmt.Sprintf("The patch service failed: %v", pe.Err))
		}
	case errors.As(err, &ue):
		return fail(FailureUpload, fmt.Sprintf("Uploading the image to the server failed: %v. Retry to upload again.", ue.Err))
	case errors.Is(err, patch.ErrCertificateConflict):
		return fail(FailureCertificateConflict, "Certificates for this box already exist. Confirm overwrite to replace them.")
	default:
		return fail(FailureInternal, err.Error())
	}
}

// Retryable reports whether repeating the same action unchanged may succeed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrBusy) || errors.Is(err, ErrActionNotAllowed) {
		return false
	}
	switch Classify(err).Kind {
	case FailureValidation, FailureCertificateConflict, FailureCancelled, FailureConfiguration:
		return false
	case FailureIdentification:
		// A handshake may succeed on the next attempt; a wrong chip or flash size will not.
		var idErr *models.IdentificationError
		return !errors.As(err, &idErr)
	default:
		return true
	}
}
