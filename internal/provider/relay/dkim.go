package relay

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature header to outgoing notices.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// LoadSigner reads a PEM private key from keyFile. It returns nil, nil when
// selector, domain and keyFile are all empty.
func LoadSigner(selector, domain, keyFile string) (*Signer, error) {
	selector = strings.TrimSpace(selector)
	domain = strings.TrimSpace(domain)
	keyFile = strings.TrimSpace(keyFile)

	if selector == "" && domain == "" && keyFile == "" {
		return nil, nil
	}
	if selector == "" {
		return nil, fmt.Errorf("dkim: selector is required when signing is enabled")
	}
	if keyFile == "" {
		return nil, fmt.Errorf("dkim: key file is required when signing is enabled")
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("dkim: read private key: %w", err)
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return NewSigner(selector, domain, key), nil
}

// NewSigner creates a Signer from an already parsed key. An empty domain
// means the domain of the From address is used.
func NewSigner(selector, domain string, key crypto.Signer) *Signer {
	return &Signer{
		domain:   domain,
		selector: selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"subject",
			"date",
			"message-id",
			"content-type",
			"auto-submitted",
		},
	}
}

// Sign returns message with a DKIM signature prepended. A nil Signer
// returns message unchanged.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = domainOf(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

func domainOf(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
