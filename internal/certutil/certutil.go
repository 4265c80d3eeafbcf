// Package certutil holds the X.509 building blocks shared by certificate
// authorities and leaf issuers: key generation, serial numbers, subject key
// identifiers, subject parsing and PEM encoding.
package certutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // G505: RFC 5280 key identifier method (1), not a signature.
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-ldap/ldap/v3"

	perrors "github.com/coral-mesh/portalca/internal/errors"
)

const (
	// DefaultKeyBits is the RSA modulus size for new CA and leaf keys.
	DefaultKeyBits = 4096

	// PEMTypeCertificate is the PEM block type for certificates.
	PEMTypeCertificate = "CERTIFICATE"

	// PEMTypePrivateKey is the PEM block type for unencrypted PKCS#8 keys.
	PEMTypePrivateKey = "PRIVATE KEY"

	// PEMTypeEncryptedPrivateKey is the PEM block type for encrypted PKCS#8 keys.
	PEMTypeEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
)

// Attribute OIDs without a dedicated pkix.Name field.
var (
	oidDomainComponent = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	oidUserID          = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
)

// GenerateRSAKey creates an RSA key of the given size (DefaultKeyBits when zero).
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, perrors.Crypto(fmt.Sprintf("generate %d-bit RSA key", bits), err)
	}
	return key, nil
}

// SerialNumber returns a random 128-bit certificate serial number.
func SerialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, perrors.Crypto("generate serial number", err)
	}
	return serial, nil
}

// SubjectKeyID computes the subjectKeyIdentifier "hash" form: the SHA-1 of
// the subjectPublicKey BIT STRING.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, perrors.Crypto("marshal public key", err)
	}

	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, perrors.Crypto("parse public key info", err)
	}

	sum := sha1.Sum(info.PublicKey.Bytes) //nolint:gosec // G401: key identifier only.
	return sum[:], nil
}

// ParseSubject parses an RFC 4514 distinguished name such as
// "CN=portal CA,O=Example" into a pkix.Name.
func ParseSubject(dn string) (pkix.Name, error) {
	var name pkix.Name

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return name, perrors.Configuration("invalid subject %q: %v", dn, err)
	}
	if len(parsed.RDNs) == 0 {
		return name, perrors.Configuration("subject %q is empty", dn)
	}

	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			value := attr.Value
			switch strings.ToUpper(attr.Type) {
			case "CN":
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
				name.Country = append(name.Country, value)
			case "STREET":
				name.StreetAddress = append(name.StreetAddress, value)
			case "POSTALCODE":
				name.PostalCode = append(name.PostalCode, value)
			case "SERIALNUMBER":
				name.SerialNumber = value
			case "DC":
				name.ExtraNames = append(name.ExtraNames, DomainComponent(value))
			case "UID":
				name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidUserID, Value: value})
			default:
				return pkix.Name{}, perrors.Configuration("unsupported attribute %q in subject %q", attr.Type, dn)
			}
		}
	}

	return name, nil
}

// DomainComponent returns a DC attribute for pkix.Name.ExtraNames.
func DomainComponent(value string) pkix.AttributeTypeAndValue {
	return pkix.AttributeTypeAndValue{Type: oidDomainComponent, Value: value}
}

// SignatureAlgorithm maps a digest name from configuration onto an RSA
// signature algorithm. SHA-1 is refused.
func SignatureAlgorithm(digest string) (x509.SignatureAlgorithm, error) {
	switch strings.ToLower(digest) {
	case "", "sha256":
		return x509.SHA256WithRSA, nil
	case "sha384":
		return x509.SHA384WithRSA, nil
	case "sha512":
		return x509.SHA512WithRSA, nil
	case "sha1":
		return x509.UnknownSignatureAlgorithm, perrors.Configuration("signature digest sha1 is not collision resistant")
	default:
		return x509.UnknownSignatureAlgorithm, perrors.Configuration("unsupported signature digest %q", digest)
	}
}

// EncodeCertificate returns der as a PEM CERTIFICATE block.
func EncodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeCertificate, Bytes: der})
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, perrors.Crypto("decode certificate PEM", fmt.Errorf("no %s block found", PEMTypeCertificate))
		}
		if block.Type != PEMTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, perrors.Crypto("parse certificate", err)
		}
		return cert, nil
	}
}

// EncodePrivateKey returns key as an unencrypted PKCS#8 PEM block.
func EncodePrivateKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, perrors.Crypto("marshal private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypePrivateKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM parses an unencrypted PKCS#8 or PKCS#1 key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, perrors.Crypto("decode private key PEM", fmt.Errorf("no PEM block found"))
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case PEMTypePrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, perrors.Crypto("parse private key", fmt.Errorf("unexpected PEM block %q", block.Type))
	}
	if err != nil {
		return nil, perrors.Crypto("parse private key", err)
	}
	return asSigner(key)
}

// IsSelfSignedCA reports whether cert is a CA certificate issued and signed
// by itself.
func IsSelfSignedCA(cert *x509.Certificate) error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return fmt.Errorf("certificate %q is not a CA", cert.Subject.String())
	}
	if string(cert.RawSubject) != string(cert.RawIssuer) {
		return fmt.Errorf("certificate %q is not self-issued (issuer %q)", cert.Subject.String(), cert.Issuer.String())
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("certificate %q is not self-signed: %w", cert.Subject.String(), err)
	}
	return nil
}

// KeyMatchesCertificate reports whether key is the private half of cert's
// public key.
func KeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}

func asSigner(key any) (crypto.Signer, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, perrors.Crypto("parse private key", fmt.Errorf("key type %T cannot sign", key))
	}
	return signer, nil
}
