package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"

	"github.com/coral-mesh/portalca/internal/certutil"
	perrors "github.com/coral-mesh/portalca/internal/errors"
)

// template builds the self-signed CA certificate: basicConstraints CA:TRUE and
// keyUsage keyCertSign+cRLSign (both critical), with subject and authority key
// identifiers taken from the same key.
func (a *Authority) template(subject pkix.Name, pub crypto.PublicKey) (*x509.Certificate, error) {
	serial, err := certutil.SerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := certutil.SubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	now := a.cfg.Now()
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(a.cfg.Validity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
		SignatureAlgorithm:    a.cfg.SignatureAlgorithm,
	}, nil
}

func signSelf(tmpl *x509.Certificate, key *rsa.PrivateKey) (*x509.Certificate, []byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, perrors.Crypto("sign CA certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, perrors.Crypto("parse CA certificate", err)
	}
	return cert, der, nil
}
