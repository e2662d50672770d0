package httpheader

import (
	"fmt"
	"net/http"
	"strings"
)

// MetadataPrefix marks queue item metadata keys that carry caller-supplied
// forwarding headers.
const MetadataPrefix = "header."

// Headers the forwarder owns. Callers must not override them.
var reservedNames = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
}

// ValidateMap validates caller-supplied HTTP header key/value pairs at
// admission so invalid headers fail fast instead of failing later when the
// item is forwarded to a connector.
func ValidateMap(headers map[string]string) error {
	for rawName, rawValue := range headers {
		name := strings.TrimSpace(rawName)
		if name == "" {
			return fmt.Errorf("header name must not be empty")
		}
		if rawName != name {
			return fmt.Errorf("header %q has leading or trailing whitespace", rawName)
		}
		if !validHeaderFieldName(name) {
			return fmt.Errorf("header %q has invalid field name", name)
		}
		if _, reserved := reservedNames[strings.ToLower(name)]; reserved {
			return fmt.Errorf("header %q is reserved", name)
		}
		if !validHeaderFieldValue(rawValue) {
			return fmt.Errorf("header %q has invalid field value", name)
		}
	}
	return nil
}

// ToMetadata copies validated headers into item metadata under
// MetadataPrefix so they survive queueing and journal round trips.
func ToMetadata(metadata map[string]string, headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]string, len(headers))
	}
	for name, value := range headers {
		metadata[MetadataPrefix+name] = value
	}
	return metadata
}

// FromMetadata extracts MetadataPrefix entries back into an http.Header for
// the outbound connector request.
func FromMetadata(metadata map[string]string) http.Header {
	var header http.Header
	for key, value := range metadata {
		name, ok := strings.CutPrefix(key, MetadataPrefix)
		if !ok || name == "" {
			continue
		}
		if header == nil {
			header = make(http.Header)
		}
		header.Set(name, value)
	}
	return header
}

func validHeaderFieldName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return true
}

func isTokenByte(b byte) bool {
	if b >= '0' && b <= '9' {
		return true
	}
	if b >= 'A' && b <= 'Z' {
		return true
	}
	if b >= 'a' && b <= 'z' {
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	default:
		return false
	}
}

func validHeaderFieldValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b == '\r' || b == '\n' || b == 0x7f {
			return false
		}
		if b < 0x20 && b != '\t' {
			return false
		}
	}
	return true
}
