package epay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"strings"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/keystore"
)

type Algorithm string

const (
	SHA1WithRSA   Algorithm = "SHA1-RSA"
	SHA256WithRSA Algorithm = "SHA256-RSA"
)

// ParseAlgorithm defaults to SHA1-RSA, the gateway's historical choice.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(s))); a {
	case "":
		return SHA1WithRSA, nil
	case SHA1WithRSA, SHA256WithRSA:
		return a, nil
	}
	return "", domain.Errorf(domain.CodeService, "unsupported signature algorithm %q", s)
}

func (a Algorithm) digest(data []byte) (crypto.Hash, []byte, error) {
	switch a {
	case SHA1WithRSA:
		sum := sha1.Sum(data)
		return crypto.SHA1, sum[:], nil
	case SHA256WithRSA:
		sum := sha256.Sum256(data)
		return crypto.SHA256, sum[:], nil
	}
	return 0, nil, domain.Errorf(domain.CodeService, "unsupported signature algorithm %q", a)
}

// Signer signs canonical document bytes with the merchant key.
type Signer struct {
	key    crypto.Signer
	certID string
	alg    Algorithm
}

func NewSigner(m *keystore.Material, alg Algorithm) *Signer {
	return &Signer{key: m.SigningKey, certID: keystore.CertID(m.SigningCert), alg: alg}
}

// CertID is the merchant certificate id embedded in outbound documents.
func (s *Signer) CertID() string { return s.certID }

func (s *Signer) Sign(data []byte) ([]byte, error) {
	if _, ok := s.key.Public().(*rsa.PublicKey); !ok {
		return nil, domain.Errorf(domain.CodeService, "signing key is %T, RSA required", s.key.Public())
	}
	hash, digest, err := s.alg.digest(data)
	if err != nil {
		return nil, err
	}
	sig, err := s.key.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, domain.Wrap(domain.CodeService, err, "sign")
	}
	return sig, nil
}

// Verifier checks inbound signatures against the counterparty certificate.
type Verifier struct {
	cert *x509.Certificate
	alg  Algorithm
}

func NewVerifier(cert *x509.Certificate, alg Algorithm) *Verifier {
	return &Verifier{cert: cert, alg: alg}
}

func (v *Verifier) CertID() string { return keystore.CertID(v.cert) }

// Verify returns nil for a good signature, a WRONG_SIGNATURE error for a bad
// one and a SERVICE error when verification could not be carried out.
func (v *Verifier) Verify(data, sig []byte) error {
	pub, ok := v.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return domain.Errorf(domain.CodeService, "counterparty key is %T, RSA required", v.cert.PublicKey)
	}
	hash, digest, err := v.alg.digest(data)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return domain.Wrap(domain.CodeWrongSignature, err, "signature does not match certificate %s", v.CertID())
		}
		return domain.Wrap(domain.CodeService, err, "verify")
	}
	return nil
}
