package core

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/Galenite-GLNT/galenite-site/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/samber/lo"
)

const (
	MaxImageBytes   = 8 << 20
	MaxPDFBytes     = 20 << 20
	MaxPDFTextChars = 50000

	mimePDF = "application/pdf"
)

var imageMIMEs = []string{"image/png", "image/jpeg", "image/webp"}

var validate = validator.New()

// AttachmentError rejects a single attachment.
type AttachmentError struct {
	Name   string
	Reason string
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", e.Name, e.Reason)
}

// SanitizeAttachments normalizes every attachment, collecting all rejections.
func SanitizeAttachments(in []store.Attachment) ([]store.Attachment, error) {
	out := make([]store.Attachment, 0, len(in))
	var result *multierror.Error
	for _, a := range in {
		clean, err := SanitizeAttachment(a)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, clean)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// SanitizeAttachment validates a to the image and PDF rules and trims it to
// what gets persisted.
func SanitizeAttachment(a store.Attachment) (store.Attachment, error) {
	a.MIME = strings.ToLower(strings.TrimSpace(a.MIME))
	if a.Name == "" {
		a.Name = "attachment"
	}
	if err := validate.Struct(a); err != nil {
		return a, &AttachmentError{Name: a.Name, Reason: err.Error()}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	var payload []byte
	if a.DataURL != "" {
		decoded, err := utils.ParseDataURL(a.DataURL)
		if err != nil {
			return a, &AttachmentError{Name: a.Name, Reason: "invalid data url"}
		}
		payload = decoded.Data
		if a.Size == 0 {
			a.Size = int64(len(payload))
		}
	}

	switch {
	case lo.Contains(imageMIMEs, a.MIME):
		a.Type = store.AttachmentImage
		if payload == nil {
			return a, &AttachmentError{Name: a.Name, Reason: "image must carry an inline data url"}
		}
		if a.Size > MaxImageBytes || len(payload) > MaxImageBytes {
			return a, &AttachmentError{Name: a.Name, Reason: "image exceeds 8 MiB"}
		}
		a.PDFText = ""
		a.PageCount = 0

	case a.MIME == mimePDF:
		a.Type = store.AttachmentPDF
		if a.Size > MaxPDFBytes || len(payload) > MaxPDFBytes {
			return a, &AttachmentError{Name: a.Name, Reason: "pdf exceeds 20 MiB"}
		}
		if a.PageCount == 0 && payload != nil {
			a.PageCount = pdfPageCount(payload)
		}
		text := strings.TrimSpace(a.PDFText)
		switch {
		case text != "":
			a.PDFText = utils.Truncate(text, MaxPDFTextChars, "")
			a.DataURL = ""
		case payload == nil:
			return a, &AttachmentError{Name: a.Name, Reason: "pdf carries neither text nor data"}
		default:
			a.PDFText = ""
		}

	default:
		return a, &AttachmentError{Name: a.Name, Reason: fmt.Sprintf("unsupported type %q", a.MIME)}
	}
	return a, nil
}

// pdfPageCount returns 0 when the document cannot be parsed.
func pdfPageCount(data []byte) int {
	ctx, err := api.ReadContext(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0
	}
	return ctx.PageCount
}
