package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestCertificate_RoundTrip(t *testing.T) {
	priv := generateTestKey(t)

	cert, err := generateCertificate(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	got, err := extractPublicKey(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert.Leaf}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if !bytes.Equal(got, priv.Public().(ed25519.PublicKey)) {
		t.Error("extracted key does not match the node key")
	}
}

func TestCertificate_RejectsForgedSignature(t *testing.T) {
	cert, err := generateCertificate(generateTestKey(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	forged := *cert.Leaf
	forged.Signature = bytes.Clone(forged.Signature)
	forged.Signature[0] ^= 0xFF

	if _, err := extractPublicKey(tls.ConnectionState{PeerCertificates: []*x509.Certificate{&forged}}); err == nil {
		t.Fatal("certificate with a broken self-signature should be rejected")
	}

	if _, err := extractPublicKey(tls.ConnectionState{}); err == nil {
		t.Fatal("missing certificate should be rejected")
	}
}
