package toolchain

import (
	"fmt"
	"net"
	"strings"
)

// Section names used in the generated configuration files.
const (
	caExtSection   = "v3_ca"
	leafExtSection = "v3_leaf"
)

// Profile selects the extended key usage of a leaf certificate.
type Profile string

const (
	ProfileServer Profile = "server"
	ProfileClient Profile = "client"
	ProfileBoth   Profile = "both"
)

// ParseProfile validates a profile name. An empty name selects ProfileBoth.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case "":
		return ProfileBoth, nil
	case ProfileServer, ProfileClient, ProfileBoth:
		return Profile(s), nil
	}
	return "", fmt.Errorf("unknown certificate profile %q", s)
}

func (p Profile) extKeyUsage() string {
	switch p {
	case ProfileServer:
		return "serverAuth"
	case ProfileClient:
		return "clientAuth"
	}
	return "serverAuth, clientAuth"
}

// SubjectAltNames lists the alternative names placed in a leaf certificate.
type SubjectAltNames struct {
	DNS   []string
	IP    []net.IP
	Email []string
}

func (s SubjectAltNames) empty() bool {
	return len(s.DNS) == 0 && len(s.IP) == 0 && len(s.Email) == 0
}

// reqConfig is the configuration for `openssl req`. The subject always
// comes from -subj, so the distinguished name section stays empty.
func reqConfig() string {
	return `[ req ]
distinguished_name = req_dn
prompt = no
string_mask = utf8only
utf8 = yes

[ req_dn ]

[ ` + caExtSection + ` ]
basicConstraints = critical, CA:true
keyUsage = critical, keyCertSign, cRLSign
subjectKeyIdentifier = hash
authorityKeyIdentifier = keyid:always
`
}

// leafExtensions renders the -extfile for a CA-signed leaf certificate.
func leafExtensions(profile Profile, sans SubjectAltNames) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[ %s ]\n", leafExtSection)
	sb.WriteString("basicConstraints = critical, CA:FALSE\n")
	sb.WriteString("keyUsage = critical, digitalSignature, keyEncipherment\n")
	fmt.Fprintf(&sb, "extendedKeyUsage = %s\n", profile.extKeyUsage())
	sb.WriteString("subjectKeyIdentifier = hash\n")
	sb.WriteString("authorityKeyIdentifier = keyid\n")

	if sans.empty() {
		return sb.String(), nil
	}
	sb.WriteString("subjectAltName = @alt_names\n\n[ alt_names ]\n")
	for i, name := range sans.DNS {
		if err := checkConfValue(name); err != nil {
			return "", fmt.Errorf("DNS name: %w", err)
		}
		fmt.Fprintf(&sb, "DNS.%d = %s\n", i+1, name)
	}
	for i, ip := range sans.IP {
		fmt.Fprintf(&sb, "IP.%d = %s\n", i+1, ip.String())
	}
	for i, addr := range sans.Email {
		if err := checkConfValue(addr); err != nil {
			return "", fmt.Errorf("email: %w", err)
		}
		fmt.Fprintf(&sb, "email.%d = %s\n", i+1, addr)
	}
	return sb.String(), nil
}

// crlConfig is the configuration for `openssl ca -gencrl` over the CA
// database in stateDir.
func crlConfig(database, crlNumberFile string, days int) (string, error) {
	for _, p := range []string{database, crlNumberFile} {
		if err := checkConfValue(p); err != nil {
			return "", fmt.Errorf("state path: %w", err)
		}
	}
	return fmt.Sprintf(`[ ca ]
default_ca = tokenca

[ tokenca ]
database = %s
crlnumber = %s
default_md = sha256
default_crl_days = %d
unique_subject = no
crl_extensions = crl_ext

[ crl_ext ]
authorityKeyIdentifier = keyid:always
`, escapeConfValue(database), escapeConfValue(crlNumberFile), days), nil
}

// checkConfValue rejects values that would break out of a config line.
func checkConfValue(v string) error {
	if v == "" {
		return fmt.Errorf("empty value")
	}
	if strings.ContainsAny(v, "\r\n#") {
		return fmt.Errorf("value %q contains a line break or comment character", v)
	}
	return nil
}

// escapeConfValue protects the characters openssl's config parser expands.
func escapeConfValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `$`, `\$`)
	return r.Replace(v)
}
