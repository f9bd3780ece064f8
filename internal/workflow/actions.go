package workflow

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/flashstore"
	"github.com/tonieflash/flash-console/internal/models"
	"github.com/tonieflash/flash-console/internal/patch"
)

const maxImageSize = models.MaxFlashSizeKiB * 1024

// readDevice acquires the raw image from the box and uploads it. When a previous
// attempt read the box but failed to upload, only the upload is repeated.
func (w *Workflow) readDevice(ctx context.Context) (string, error) {
	if input := w.store.Input(); input != nil {
		if ref := w.store.Reference(); ref != "" {
			return fmt.Sprintf("Image already read and uploaded as %s", ref), nil
		}
		ref, err := w.upload(ctx, input)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Image uploaded as %s", ref), nil
	}

	image, session, err := w.readFlash(ctx)
	if err != nil {
		return "", err
	}
	if err := w.store.SetInput(image, session); err != nil {
		return "", err
	}

	ref, err := w.upload(ctx, image)
	w.backup(image, session.MACAddress, ref)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Read %d KiB from %s (MAC %s, flash %s)",
		session.FlashSizeKiB, session.ChipDescription, session.MACAddress, session.FlashID()), nil
}

func (w *Workflow) readFlash(ctx context.Context) (*models.FlashImage, *models.DeviceSession, error) {
	conn, session, err := w.openDevice(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer w.closeDevice(conn)

	w.setMessage(fmt.Sprintf("Reading %d KiB from %s", session.FlashSizeKiB, session.MACAddress))
	image, err := w.pipeline.ReadAll(ctx, conn, session, w.reportProgress)
	if err != nil {
		return nil, nil, err
	}
	return image, session, nil
}

// openDevice opens the port and identifies the box. The connection is closed on failure.
func (w *Workflow) openDevice(ctx context.Context) (device.Conn, *models.DeviceSession, error) {
	if w.programmer == nil {
		return nil, nil, device.ErrNoPort
	}

	conn, err := w.programmer.Open(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := conn.Identify(ctx)
	if err == nil {
		err = session.Validate()
	}
	if err != nil {
		w.closeDevice(conn)
		return nil, nil, err
	}

	log.Info().
		Str("workflow_id", w.id.String()).
		Str("chip", session.ChipDescription).
		Str("mac", session.MACAddress).
		Str("flash_id", session.FlashID()).
		Uint32("flash_kib", session.FlashSizeKiB).
		Msg("Box identified")

	return conn, session, nil
}

func (w *Workflow) closeDevice(conn device.Conn) {
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Str("workflow_id", w.id.String()).Msg("Failed to close device")
	}
}

func (w *Workflow) upload(ctx context.Context, image *models.FlashImage) (string, error) {
	w.setMessage("Uploading image to the server")

	ref, err := w.patcher.Upload(ctx, w.store.RawFilename(), image)
	if err != nil {
		return "", err
	}
	w.store.SetReference(ref)

	log.Info().
		Str("workflow_id", w.id.String()).
		Str("reference", ref).
		Int("bytes", image.Len()).
		Msg("Raw image uploaded")
	return ref, nil
}

// ensureReference uploads the input unless the backend already has it.
func (w *Workflow) ensureReference(ctx context.Context) (string, error) {
	if ref := w.store.Reference(); ref != "" {
		return ref, nil
	}
	input := w.store.Input()
	if input == nil {
		return "", flashstore.ErrNoImage
	}
	return w.upload(ctx, input)
}

// loadFile takes the input image from a file. In normal mode it is uploaded for patching.
func (w *Workflow) loadFile(ctx context.Context, r io.Reader, mode Mode) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: no file given", errInvalidImage)
	}
	if w.store.Input() != nil {
		return "", flashstore.ErrInputExists
	}

	data, err := io.ReadAll(io.LimitReader(r, maxImageSize+1))
	if err != nil {
		return "", fmt.Errorf("read image file: %w", err)
	}
	switch {
	case len(data) == 0:
		return "", fmt.Errorf("%w: file is empty", errInvalidImage)
	case len(data) > maxImageSize:
		return "", fmt.Errorf("%w: file exceeds %d KiB", errInvalidImage, models.MaxFlashSizeKiB)
	}

	image := models.NewFlashImage(data, models.ProvenanceLoadedFromFile)
	if err := w.store.SetInput(image, nil); err != nil {
		return "", err
	}

	var ref string
	if mode == ModeNormal {
		ref, err = w.upload(ctx, image)
	}
	w.backup(image, "", ref)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Loaded %d KiB image (sha256 %.12s)", len(data)/1024, image.SHA256()), nil
}

// patchImage validates params before any network call, then requests the patched image.
func (w *Workflow) patchImage(ctx context.Context, params models.PatchParameters) (string, error) {
	if res := w.patcher.Validate(params); !res.Valid {
		return "", &patch.ValidationError{Violations: res.Violations}
	}

	ref, err := w.ensureReference(ctx)
	if err != nil {
		return "", err
	}

	image, err := w.patcher.RequestPatch(ctx, ref, params)
	if err != nil {
		return "", err
	}
	w.store.SetOutput(image)

	mac := ""
	if src := w.store.Source(); src != nil {
		mac = src.MACAddress
	}
	w.backup(image, mac, ref)

	return fmt.Sprintf("Image patched for %s", params.NewHostname), nil
}

func (w *Workflow) extractCertificates(ctx context.Context, overwrite bool) (string, error) {
	ref, err := w.ensureReference(ctx)
	if err != nil {
		return "", err
	}
	if err := w.patcher.ExtractCertificates(ctx, ref, overwrite); err != nil {
		return "", err
	}
	return "Certificates extracted", nil
}

// writeDevice writes the output image. In normal mode the attached box must be the
// one the image was read from.
func (w *Workflow) writeDevice(ctx context.Context, mode Mode) (string, error) {
	image := w.store.Output()
	if image == nil {
		return "", flashstore.ErrNoImage
	}

	conn, session, err := w.openDevice(ctx)
	if err != nil {
		return "", err
	}
	defer w.closeDevice(conn)

	if mode == ModeNormal {
		if src := w.store.Source(); src != nil && src.MACAddress != session.MACAddress {
			return "", &models.IdentificationError{
				Reason: fmt.Sprintf("different box attached (image read from %s, attached %s)", src.MACAddress, session.MACAddress),
			}
		}
	}

	w.setMessage(fmt.Sprintf("Writing %d KiB to %s", image.Len()/1024, session.MACAddress))
	if err := w.pipeline.WriteAll(ctx, conn, session, image, w.reportProgress); err != nil {
		return "", err
	}

	return "Image written. Unplug the box and start it normally.", nil
}
