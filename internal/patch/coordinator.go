// Package patch validates patch parameters and obtains patched flash images from the backend.
// Every call is a single attempt; retrying is left to the caller.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/backend"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/validation"
)

var (
	ErrNoReference         = errors.New("raw image has not been uploaded")
	ErrCertificateConflict = errors.New("certificates already exist")
)

// Backend is the subset of the backend client the coordinator needs.
type Backend interface {
	UploadRawImage(ctx context.Context, filename string, image io.Reader) (string, error)
	PatchFirmware(ctx context.Context, req backend.PatchRequest) ([]byte, error)
	ExtractCertificates(ctx context.Context, reference string, overwrite bool) error
}

// ValidationResult lists every field violation.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Violations validation.Errors `json:"violations,omitempty"`
}

// ValidationError rejects parameters before any network call.
type ValidationError struct {
	Violations validation.Errors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid patch parameters: %v", e.Violations)
}

// PatchErrorKind distinguishes patch service failures.
type PatchErrorKind string

const (
	PatchUnreachable PatchErrorKind = "unreachable"
	PatchRejected    PatchErrorKind = "rejected"
	PatchInternal    PatchErrorKind = "internal"
)

// PatchError is a failed patch request.
type PatchError struct {
	Kind PatchErrorKind
	Err  error
}

func (e *PatchError) Error() string {
	switch e.Kind {
	case PatchUnreachable:
		return fmt.Sprintf("patch service unreachable: %v", e.Err)
	case PatchRejected:
		return fmt.Sprintf("patch service rejected the parameters: %v", e.Err)
	default:
		return fmt.Sprintf("patch service error: %v", e.Err)
	}
}

func (e *PatchError) Unwrap() error { return e.Err }

// UploadError is a failed raw image upload.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Coordinator talks to the patch backend.
type Coordinator struct {
	backend   Backend
	validator *validation.Validator
}

// NewCoordinator creates a coordinator.
func NewCoordinator(b Backend) *Coordinator {
	return &Coordinator{
		backend:   b,
		validator: validation.NewValidator(),
	}
}

// Validate checks params field by field.
func (c *Coordinator) Validate(params models.PatchParameters) ValidationResult {
	errs := c.validator.ValidateAll(params)
	return ValidationResult{Valid: len(errs) == 0, Violations: errs}
}

// Upload sends the raw image and returns its backend reference.
func (c *Coordinator) Upload(ctx context.Context, filename string, image *models.FlashImage) (string, error) {
	ref, err := c.backend.UploadRawImage(ctx, filename, image.Reader())
	if err != nil {
		return "", &UploadError{Err: err}
	}
	return ref, nil
}

// RequestPatch validates params and asks the backend to patch the referenced image.
func (c *Coordinator) RequestPatch(ctx context.Context, reference string, params models.PatchParameters) (*models.FlashImage, error) {
	if res := c.Validate(params); !res.Valid {
		return nil, &ValidationError{Violations: res.Violations}
	}
	if reference == "" {
		return nil, ErrNoReference
	}

	req := backend.PatchRequest{
		Reference: reference,
		Hostname:  params.NewHostname,
	}
	if params.TagPreviousHostname {
		req.HostnameOld = params.PreviousHostname
	}
	if params.HasWifi() {
		req.WifiSSID = params.WifiSSID
		req.WifiPassword = params.WifiPassword
	}

	data, err := c.backend.PatchFirmware(ctx, req)
	if err != nil {
		return nil, &PatchError{Kind: classify(err), Err: err}
	}
	if len(data) == 0 {
		return nil, &PatchError{Kind: PatchInternal, Err: errors.New("empty patched image")}
	}

	log.Info().
		Str("reference", reference).
		Str("hostname", params.NewHostname).
		Bool("wifi", params.HasWifi()).
		Int("bytes", len(data)).
		Msg("Image patched")

	return models.NewFlashImage(data, models.ProvenancePatched), nil
}

// ExtractCertificates extracts the box certificates from the referenced image.
// Without overwrite, existing certificates yield ErrCertificateConflict.
func (c *Coordinator) ExtractCertificates(ctx context.Context, reference string, overwrite bool) error {
	if reference == "" {
		return ErrNoReference
	}

	err := c.backend.ExtractCertificates(ctx, reference, overwrite)
	var se *backend.StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrCertificateConflict, se.Body)
	}
	return err
}

func classify(err error) PatchErrorKind {
	var se *backend.StatusError
	if errors.As(err, &se) {
		if se.Code >= 400 && se.Code < 500 {
			return PatchRejected
		}
		return PatchInternal
	}
	return PatchUnreachable
}
