package certutil

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/coral-mesh/portalca/internal/errors"
)

const testKeyBits = 2048

func selfSigned(t *testing.T, isCA bool) (*x509.Certificate, []byte) {
	t.Helper()

	key, err := GenerateRSAKey(testKeyBits)
	require.NoError(t, err)
	serial, err := SerialNumber()
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, der
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		name    string
		dn      string
		check   func(t *testing.T, n pkix.Name)
		wantErr bool
	}{
		{
			name: "common name only",
			dn:   "CN=alice user CA",
			check: func(t *testing.T, n pkix.Name) {
				assert.Equal(t, "alice user CA", n.CommonName)
			},
		},
		{
			name: "multiple attributes",
			dn:   "CN=portal,OU=Research Computing,O=Example University,C=US",
			check: func(t *testing.T, n pkix.Name) {
				assert.Equal(t, "portal", n.CommonName)
				assert.Equal(t, []string{"Research Computing"}, n.OrganizationalUnit)
				assert.Equal(t, []string{"Example University"}, n.Organization)
				assert.Equal(t, []string{"US"}, n.Country)
			},
		},
		{
			name: "escaped comma",
			dn:   `CN=Smith\, John`,
			check: func(t *testing.T, n pkix.Name) {
				assert.Equal(t, "Smith, John", n.CommonName)
			},
		},
		{
			name: "domain components",
			dn:   "CN=proxy,DC=example,DC=org",
			check: func(t *testing.T, n pkix.Name) {
				require.Len(t, n.ExtraNames, 2)
				assert.Equal(t, "example", n.ExtraNames[0].Value)
			},
		},
		{name: "empty", dn: "", wantErr: true},
		{name: "unsupported attribute", dn: "FOO=bar", wantErr: true},
		{name: "malformed", dn: "CN", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, err := ParseSubject(tt.dn)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, perrors.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			tt.check(t, name)
		})
	}
}

func TestSignatureAlgorithm(t *testing.T) {
	tests := []struct {
		digest  string
		want    x509.SignatureAlgorithm
		wantErr bool
	}{
		{digest: "", want: x509.SHA256WithRSA},
		{digest: "sha256", want: x509.SHA256WithRSA},
		{digest: "SHA384", want: x509.SHA384WithRSA},
		{digest: "sha512", want: x509.SHA512WithRSA},
		{digest: "sha1", wantErr: true},
		{digest: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.digest, func(t *testing.T) {
			got, err := SignatureAlgorithm(tt.digest)
			if tt.wantErr {
				assert.ErrorIs(t, err, perrors.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerialNumberIsPositiveAndVaries(t *testing.T) {
	a, err := SerialNumber()
	require.NoError(t, err)
	b, err := SerialNumber()
	require.NoError(t, err)

	assert.True(t, a.Sign() >= 0)
	assert.LessOrEqual(t, a.BitLen(), 128)
	assert.NotEqual(t, 0, a.Cmp(b))
}

func TestSubjectKeyIDIsStable(t *testing.T) {
	key, err := GenerateRSAKey(testKeyBits)
	require.NoError(t, err)

	first, err := SubjectKeyID(key.Public())
	require.NoError(t, err)
	second, err := SubjectKeyID(&key.PublicKey)
	require.NoError(t, err)

	assert.Len(t, first, 20)
	assert.Equal(t, first, second)
}

func TestCertificatePEMRoundTrip(t *testing.T) {
	cert, der := selfSigned(t, true)

	data := append([]byte("leading text\n"), EncodeCertificate(der)...)
	parsed, err := ParseCertificatePEM(data)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, parsed.Raw)

	_, err = ParseCertificatePEM([]byte("not a pem"))
	assert.ErrorIs(t, err, perrors.ErrCrypto)
}

func TestPrivateKeyPEM(t *testing.T) {
	key, err := GenerateRSAKey(testKeyBits)
	require.NoError(t, err)

	data, err := EncodePrivateKey(key)
	require.NoError(t, err)

	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, PEMTypePrivateKey, block.Type)

	parsed, err := ParsePrivateKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed.Public()))
}

func TestEncryptedPrivateKey(t *testing.T) {
	key, err := GenerateRSAKey(testKeyBits)
	require.NoError(t, err)

	data, err := EncryptPrivateKey(key, []byte("correct horse"))
	require.NoError(t, err)

	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, PEMTypeEncryptedPrivateKey, block.Type)

	t.Run("right passphrase", func(t *testing.T) {
		signer, err := DecryptPrivateKeyPEM(data, []byte("correct horse"))
		require.NoError(t, err)
		assert.True(t, key.PublicKey.Equal(signer.Public()))
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		_, err := DecryptPrivateKeyPEM(data, []byte("battery staple"))
		assert.ErrorIs(t, err, perrors.ErrCrypto)
	})

	t.Run("unencrypted key rejected", func(t *testing.T) {
		plain, err := EncodePrivateKey(key)
		require.NoError(t, err)
		_, err = DecryptPrivateKeyPEM(plain, []byte("correct horse"))
		assert.ErrorIs(t, err, perrors.ErrCrypto)
	})

	t.Run("empty passphrase refused", func(t *testing.T) {
		_, err := EncryptPrivateKey(key, nil)
		assert.ErrorIs(t, err, perrors.ErrConfiguration)
	})
}

func TestIsSelfSignedCA(t *testing.T) {
	ca, _ := selfSigned(t, true)
	assert.NoError(t, IsSelfSignedCA(ca))

	leaf, _ := selfSigned(t, false)
	assert.Error(t, IsSelfSignedCA(leaf))
}

func TestKeyMatchesCertificate(t *testing.T) {
	cert, _ := selfSigned(t, true)
	other, err := GenerateRSAKey(testKeyBits)
	require.NoError(t, err)

	assert.False(t, KeyMatchesCertificate(other, cert))
}
