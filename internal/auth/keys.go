package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadKeyPair reads the token signing key pair from PEM files, as referenced
// by the trac-auth-public-key / trac-auth-private-key secret names.
func LoadKeyPair(publicPath, privatePath string) (crypto.PrivateKey, crypto.PublicKey, error) {
	private, err := loadPrivateKey(privatePath)
	if err != nil {
		return nil, nil, err
	}
	public, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, nil, err
	}
	if err := checkKeyPair(private, public); err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key %q: no PEM block found", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("private key %q: unrecognized key format", path)
}

func loadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("public key %q: no PEM block found", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key %q: %w", path, err)
	}
	return key, nil
}

// checkKeyPair confirms the two halves belong together before any token is
// ever signed with them.
func checkKeyPair(private crypto.PrivateKey, public crypto.PublicKey) error {
	switch priv := private.(type) {
	case *ecdsa.PrivateKey:
		pub, ok := public.(*ecdsa.PublicKey)
		if !ok || !priv.PublicKey.Equal(pub) {
			return fmt.Errorf("EC private key does not match public key")
		}
	case *rsa.PrivateKey:
		pub, ok := public.(*rsa.PublicKey)
		if !ok || !priv.PublicKey.Equal(pub) {
			return fmt.Errorf("RSA private key does not match public key")
		}
	default:
		return fmt.Errorf("unsupported private key type %T", private)
	}
	return nil
}
