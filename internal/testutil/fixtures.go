// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"epay-reconciler/internal/infrastructure/keystore"
)

// Identity is an RSA key with a self-signed certificate.
type Identity struct {
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

var (
	identityMu    sync.Mutex
	identityCache = map[string]Identity{}
	serial        int64 = 0x5e0000
)

// NewIdentity returns a cached identity for the common name. Key generation
// is slow enough to matter when every test builds its own.
func NewIdentity(t testing.TB, commonName string) Identity {
	t.Helper()
	identityMu.Lock()
	defer identityMu.Unlock()

	if id, ok := identityCache[commonName]; ok {
		return id
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"epay test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	id := Identity{Key: key, Cert: cert}
	identityCache[commonName] = id
	return id
}

// Material builds trust material for a merchant/bank pair without touching disk.
func Material(t testing.TB) (*keystore.Material, Identity, Identity) {
	t.Helper()
	merchant := NewIdentity(t, "merchant")
	bank := NewIdentity(t, "bank")
	return &keystore.Material{
		SigningKey:       merchant.Key,
		SigningCert:      merchant.Cert,
		CounterpartyCert: bank.Cert,
	}, merchant, bank
}

// WritePEMStore writes a PEM key store containing the identity under alias.
// The private key is left out when withKey is false.
func WritePEMStore(t testing.TB, dir, alias string, id Identity, withKey bool) string {
	t.Helper()
	var out []byte
	if withKey {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:    "RSA PRIVATE KEY",
			Headers: map[string]string{"friendlyName": alias},
			Bytes:   x509.MarshalPKCS1PrivateKey(id.Key),
		})...)
	}
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:    "CERTIFICATE",
		Headers: map[string]string{"friendlyName": alias},
		Bytes:   id.Cert.Raw,
	})...)

	path := filepath.Join(dir, alias+".pem")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write key store: %v", err)
	}
	return path
}
