package certutil

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"

	perrors "github.com/coral-mesh/portalca/internal/errors"
)

// pbkdf2Iterations is the PBKDF2-SHA256 work factor for encrypted CA keys.
const pbkdf2Iterations = 210000

var encryptOpts = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.PBKDF2Opts{
		SaltSize:       16,
		IterationCount: pbkdf2Iterations,
		HMACHash:       crypto.SHA256,
	},
}

// EncryptPrivateKey returns key as an ENCRYPTED PRIVATE KEY PEM block
// (PKCS#8 PBES2, PBKDF2-SHA256, AES-256-CBC) under passphrase.
func EncryptPrivateKey(key crypto.PrivateKey, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, perrors.Configuration("refusing to encrypt a CA key with an empty passphrase")
	}
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, encryptOpts)
	if err != nil {
		return nil, perrors.Crypto("encrypt private key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeEncryptedPrivateKey, Bytes: der}), nil
}

// DecryptPrivateKeyPEM decrypts a CA key. Both PKCS#8 ENCRYPTED PRIVATE KEY
// blocks and traditional OpenSSL encrypted PEM (Proc-Type: 4,ENCRYPTED) are
// accepted so externally provisioned CAs load too. Unencrypted keys are
// rejected: CA keys must be encrypted at rest.
func DecryptPrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, perrors.Crypto("decode CA key PEM", fmt.Errorf("no PEM block found"))
	}

	switch {
	case block.Type == PEMTypeEncryptedPrivateKey:
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		if err != nil {
			return nil, perrors.Crypto("decrypt CA key", err)
		}
		return asSigner(key)

	//nolint:staticcheck // SA1019: legacy encrypted PEM is only read, never written.
	case x509.IsEncryptedPEMBlock(block):
		//nolint:staticcheck // SA1019: see above.
		der, err := x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return nil, perrors.Crypto("decrypt CA key", err)
		}
		key, err := parseDER(block.Type, der)
		if err != nil {
			return nil, perrors.Crypto("parse CA key", err)
		}
		return asSigner(key)

	default:
		return nil, perrors.Crypto("decrypt CA key", fmt.Errorf("CA key is not encrypted (PEM block %q)", block.Type))
	}
}

func parseDER(blockType string, der []byte) (any, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	default:
		return x509.ParsePKCS8PrivateKey(der)
	}
}
