package epay_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/infrastructure/epay"
	"epay-reconciler/internal/infrastructure/keystore"
	"epay-reconciler/internal/testutil"
)

func TestParseAlgorithm(t *testing.T) {
	a, err := epay.ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, epay.SHA1WithRSA, a)

	a, err = epay.ParseAlgorithm(" sha256-rsa ")
	require.NoError(t, err)
	assert.Equal(t, epay.SHA256WithRSA, a)

	_, err = epay.ParseAlgorithm("MD5-RSA")
	require.ErrorIs(t, err, domain.ErrService)
}

func TestSignVerify(t *testing.T) {
	for _, alg := range []epay.Algorithm{epay.SHA1WithRSA, epay.SHA256WithRSA} {
		t.Run(string(alg), func(t *testing.T) {
			m, merchant, bank := testutil.Material(t)
			s := epay.NewSigner(m, alg)
			data := []byte(`<merchant cert_id="x"></merchant>`)

			sig, err := s.Sign(data)
			require.NoError(t, err)

			assert.NoError(t, epay.NewVerifier(merchant.Cert, alg).Verify(data, sig))
			assert.ErrorIs(t, epay.NewVerifier(bank.Cert, alg).Verify(data, sig), domain.ErrWrongSignature)
			assert.ErrorIs(t, epay.NewVerifier(merchant.Cert, alg).Verify(append(data, ' '), sig), domain.ErrWrongSignature)
		})
	}
}

func TestVerifyWithMismatchedAlgorithm(t *testing.T) {
	m, merchant, _ := testutil.Material(t)
	sig, err := epay.NewSigner(m, epay.SHA256WithRSA).Sign([]byte("data"))
	require.NoError(t, err)

	err = epay.NewVerifier(merchant.Cert, epay.SHA1WithRSA).Verify([]byte("data"), sig)
	assert.ErrorIs(t, err, domain.ErrWrongSignature)
	assert.Equal(t, domain.KindAuthenticity, domain.KindOf(err))
}

func TestSignRequiresRSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, merchant, _ := testutil.Material(t)

	s := epay.NewSigner(&keystore.Material{SigningKey: key, SigningCert: merchant.Cert}, epay.SHA1WithRSA)
	_, err = s.Sign([]byte("data"))
	require.ErrorIs(t, err, domain.ErrService)
}
