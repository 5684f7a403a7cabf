package transport

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrSubjectMismatch = errors.New("transport: server certificate subject mismatch")
	ErrBadSubject      = errors.New("transport: malformed host subject")
	ErrUnknownCipher   = errors.New("transport: unknown cipher suite")
)

// TLSOptions mirrors the controller's secure-connection settings.
type TLSOptions struct {
	// ServerName is checked against the certificate unless HostSubject is
	// set.
	ServerName string

	// CAFile is a PEM bundle of trusted roots. Empty uses the system pool.
	CAFile string

	// HostSubject, when set, replaces host name verification with a check
	// that the server certificate's subject carries every listed
	// attribute, e.g. "C=IL, O=Red Hat, CN=my server".
	HostSubject string

	// Ciphers is a comma or colon separated list of Go cipher suite names.
	// It only affects TLS 1.2.
	Ciphers string

	// Insecure skips chain verification. The subject check still applies.
	Insecure bool
}

// ClientTLSConfig builds the config for a secure channel connection.
func ClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: opts.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA file %s holds no certificates", opts.CAFile)
		}
		conf.RootCAs = pool
	}

	if opts.Ciphers != "" {
		suites, err := parseCiphers(opts.Ciphers)
		if err != nil {
			return nil, err
		}
		conf.CipherSuites = suites
	}

	if opts.HostSubject == "" {
		conf.InsecureSkipVerify = opts.Insecure
		return conf, nil
	}

	want, err := parseSubject(opts.HostSubject)
	if err != nil {
		return nil, err
	}
	// Host name verification is replaced, so the chain is verified here.
	conf.InsecureSkipVerify = true
	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("transport: server sent no certificate")
		}
		leaf := cs.PeerCertificates[0]
		if !opts.Insecure {
			inter := x509.NewCertPool()
			for _, c := range cs.PeerCertificates[1:] {
				inter.AddCert(c)
			}
			if _, err := leaf.Verify(x509.VerifyOptions{Roots: conf.RootCAs, Intermediates: inter}); err != nil {
				return err
			}
		}
		return matchSubject(leaf.Subject, want)
	}
	return conf, nil
}

type attr struct{ key, value string }

// parseSubject splits "K=V, K=V". A backslash escapes a comma inside a
// value.
func parseSubject(s string) ([]attr, error) {
	var (
		out []attr
		cur strings.Builder
	)
	flush := func() error {
		part := strings.TrimSpace(cur.String())
		cur.Reset()
		if part == "" {
			return nil
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: %q", ErrBadSubject, part)
		}
		out = append(out, attr{strings.ToUpper(strings.TrimSpace(k)), strings.TrimSpace(v)})
		return nil
	}
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case s[i] == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(s[i])
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadSubject)
	}
	return out, nil
}

func subjectValues(name pkix.Name, key string) []string {
	switch key {
	case "C":
		return name.Country
	case "ST":
		return name.Province
	case "L":
		return name.Locality
	case "O":
		return name.Organization
	case "OU":
		return name.OrganizationalUnit
	case "CN":
		return []string{name.CommonName}
	}
	return nil
}

func matchSubject(name pkix.Name, want []attr) error {
	for _, a := range want {
		found := false
		for _, v := range subjectValues(name, a.key) {
			if v == a.value {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s=%s not in %q", ErrSubjectMismatch, a.key, a.value, name.String())
		}
	}
	return nil
}

func parseCiphers(list string) ([]uint16, error) {
	byName := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ':' }) {
		name = strings.TrimSpace(name)
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
