// Package keystore loads the merchant signing identity and the gateway
// verification certificate.
//
// Two store types are understood. PKCS12 files are decoded with their
// password; entries are looked up by their friendlyName attribute. PEM files
// carry one or more blocks, each tagged with a "friendlyName" header; an
// encrypted private key block is decrypted with the store password.
package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"epay-reconciler/internal/domain"
)

type StoreType string

const (
	StorePKCS12 StoreType = "PKCS12"
	StorePEM    StoreType = "PEM"
)

const aliasHeader = "friendlyName"

// StoreConfig points at one key store entry.
type StoreConfig struct {
	File     string
	Type     string
	Password string
	Alias    string
}

type Config struct {
	Merchant StoreConfig
	Bank     StoreConfig
}

// Material is the process wide trust material. It is loaded once at startup
// and never changes afterwards.
type Material struct {
	SigningKey       crypto.Signer
	SigningCert      *x509.Certificate
	CounterpartyCert *x509.Certificate
}

// CertID renders a certificate serial the way the gateway references it.
func CertID(cert *x509.Certificate) string {
	return hex.EncodeToString(cert.SerialNumber.Bytes())
}

// Loader is the key store collaborator consumed by the service.
type Loader interface {
	Load(cfg Config) (*Material, error)
}

type fileLoader struct{}

func NewLoader() Loader {
	return fileLoader{}
}

func (fileLoader) Load(cfg Config) (*Material, error) {
	return Load(cfg)
}

func Load(cfg Config) (*Material, error) {
	merchant, err := openStore("merchant", cfg.Merchant)
	if err != nil {
		return nil, err
	}
	key, err := merchant.privateKey(cfg.Merchant.Alias)
	if err != nil {
		return nil, err
	}
	cert, err := merchant.certificate(cfg.Merchant.Alias)
	if err != nil {
		return nil, err
	}
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return nil, domain.Errorf(domain.CodeConfiguration, "merchant key %q does not match its certificate", cfg.Merchant.Alias)
	}

	bank, err := openStore("bank", cfg.Bank)
	if err != nil {
		return nil, err
	}
	bankCert, err := bank.certificate(cfg.Bank.Alias)
	if err != nil {
		return nil, err
	}

	return &Material{
		SigningKey:       key,
		SigningCert:      cert,
		CounterpartyCert: bankCert,
	}, nil
}

type store struct {
	name     string
	password string
	blocks   []*pem.Block
}

func openStore(name string, cfg StoreConfig) (*store, error) {
	if cfg.File == "" {
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store file is not set", name)
	}
	if cfg.Alias == "" {
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store alias is not set", name)
	}
	if cfg.Password == "" {
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store password is not set", name)
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "%s key store %s", name, cfg.File)
	}

	s := &store{name: name, password: cfg.Password}
	switch StoreType(strings.ToUpper(cfg.Type)) {
	case StorePKCS12:
		s.blocks, err = pkcs12.ToPEM(data, cfg.Password)
		if err != nil {
			return nil, domain.Wrap(domain.CodeConfiguration, err, "%s key store %s can not be decoded", name, cfg.File)
		}
	case StorePEM:
		for rest := data; ; {
			var b *pem.Block
			b, rest = pem.Decode(rest)
			if b == nil {
				break
			}
			s.blocks = append(s.blocks, b)
		}
		if len(s.blocks) == 0 {
			return nil, domain.Errorf(domain.CodeConfiguration, "%s key store %s has no PEM blocks", name, cfg.File)
		}
	default:
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store type %q is not recognized", name, cfg.Type)
	}
	return s, nil
}

func (s *store) find(alias string, match func(*pem.Block) bool) *pem.Block {
	for _, b := range s.blocks {
		if b.Headers[aliasHeader] == alias && match(b) {
			return b
		}
	}
	return nil
}

func (s *store) certificate(alias string) (*x509.Certificate, error) {
	b := s.find(alias, func(b *pem.Block) bool { return b.Type == "CERTIFICATE" })
	if b == nil {
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store has no certificate %q", s.name, alias)
	}
	cert, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "%s certificate %q", s.name, alias)
	}
	return cert, nil
}

func (s *store) privateKey(alias string) (crypto.Signer, error) {
	b := s.find(alias, func(b *pem.Block) bool { return strings.HasSuffix(b.Type, "PRIVATE KEY") })
	if b == nil {
		return nil, domain.Errorf(domain.CodeConfiguration, "%s key store has no private key %q", s.name, alias)
	}
	der := b.Bytes
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(b) {
		var err error
		der, err = x509.DecryptPEMBlock(b, []byte(s.password))
		if err != nil {
			return nil, domain.Wrap(domain.CodeConfiguration, err, "%s private key %q can not be decrypted", s.name, alias)
		}
	}
	key, err := parsePrivateKey(der)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConfiguration, err, "%s private key %q", s.name, alias)
	}
	return key, nil
}

// parsePrivateKey accepts PKCS1, PKCS8 and SEC1 encodings. pkcs12.ToPEM
// labels PKCS1 RSA keys as "PRIVATE KEY", so the block type is not trusted.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("key is not a signer")
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding")
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		return ak.Equal(b)
	case *ecdsa.PublicKey:
		return ak.Equal(b)
	}
	return false
}
