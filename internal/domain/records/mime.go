package records

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

var allowedMIMETypes = map[string]bool{
	"application/pdf": true,
	"image/heic":      true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
}

// resolveMIME returns the media type of an upload. The declared type wins
// unless it is empty or generic, in which case the bytes are sniffed.
func resolveMIME(declared string, data []byte) (string, error) {
	mt := ""
	if declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(parsed)
		}
	}
	if mt == "" || mt == "application/octet-stream" {
		mt = mimetype.Detect(data).String()
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		if mt == "image/heif" {
			mt = "image/heic"
		}
	}
	if !allowedMIMETypes[mt] {
		return "", fmt.Errorf("%w: %s", apperror.ErrUnsupportedMediaType, mt)
	}
	return mt, nil
}
