package toolchain

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// FormatSubject renders name in the slash-separated form openssl accepts
// for -subj and prints in its CA database, most significant RDN first.
func FormatSubject(name pkix.Name) string {
	var sb strings.Builder
	add := func(key string, values []string) {
		for _, v := range values {
			sb.WriteString("/" + key + "=" + escapeSubjectValue(v))
		}
	}
	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	if name.CommonName != "" {
		add("CN", []string{name.CommonName})
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

// ParseSubject parses a slash-separated subject such as
// "/C=NZ/O=Example/CN=host.example.com". A leading slash is optional and
// "\/" escapes a literal slash.
func ParseSubject(s string) (pkix.Name, error) {
	var name pkix.Name
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	if s == "" {
		return name, fmt.Errorf("empty subject")
	}

	for _, rdn := range splitUnescaped(s, '/') {
		key, value, ok := strings.Cut(rdn, "=")
		if !ok || value == "" {
			return name, fmt.Errorf("subject component %q: expected KEY=value", rdn)
		}
		value = strings.ReplaceAll(value, `\/`, "/")
		if strings.ContainsAny(value, "\t\r\n") {
			return name, fmt.Errorf("subject component %q contains control characters", rdn)
		}
		switch strings.ToUpper(key) {
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("subject has more than one CN")
			}
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "C":
			if len(value) != 2 {
				return name, fmt.Errorf("country %q must be a two-letter code", value)
			}
			name.Country = append(name.Country, strings.ToUpper(value))
		default:
			return name, fmt.Errorf("unsupported subject attribute %q", key)
		}
	}
	return name, nil
}

func escapeSubjectValue(v string) string {
	return strings.ReplaceAll(v, "/", `\/`)
}

func splitUnescaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
