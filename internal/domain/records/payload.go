package records

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// Upload is a file received from a client, already decoded.
type Upload struct {
	OriginalName string
	MimeType     string
	Data         []byte
	UploadedBy   string
}

// Base64Upload is the JSON body of the base64 upload route.
type Base64Upload struct {
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Payload      string `json:"payload"`
}

// Base64File is the JSON form of a downloaded file.
type Base64File struct {
	FileRecord
	Payload string `json:"payload"`
}

// DecodePayload decodes standard Base64, with or without padding. A
// data-URL prefix ("data:image/png;base64,") is stripped and its media type
// returned.
func DecodePayload(payload string) ([]byte, string, error) {
	s := strings.TrimSpace(payload)
	mediaType := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", apperror.Validation("malformed data URL")
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", apperror.Validation("data URL is not base64 encoded")
		}
		mediaType = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)

	enc := base64.StdEncoding
	if len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(s)
	if err != nil {
		return nil, "", apperror.Validation("payload is not valid base64: %v", err)
	}
	return data, mediaType, nil
}

func EncodePayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	accents     = strings.NewReplacer(
		"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
		"é", "e", "ê", "e", "è", "e", "í", "i", "ï", "i",
		"ó", "o", "ô", "o", "õ", "o", "ö", "o", "ú", "u", "ü", "u",
		"ç", "c", "ñ", "n",
		"Á", "A", "À", "A", "Â", "A", "Ã", "A", "É", "E", "Ê", "E",
		"Í", "I", "Ó", "O", "Ô", "O", "Õ", "O", "Ú", "U", "Ç", "C",
	)
)

const maxNameLen = 100

// sanitizeName reduces a client file name to a safe path segment.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeChars.ReplaceAllString(accents.Replace(name), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "arquivo"
	}
	if len(name) > maxNameLen {
		name = name[len(name)-maxNameLen:]
	}
	return name
}

// storedName builds {field}_{unixmillis}_{token}_{sanitized name}.
func storedName(field Field, original string, now time.Time) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return string(field) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + token + "_" + sanitizeName(original)
}
