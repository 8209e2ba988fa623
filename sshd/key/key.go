// Package key loads and generates SSH host keys.
package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"

	"golang.org/x/crypto/ssh"
)

// GenerateKey returns a PEM encoded private key. An empty seed uses the
// system rng; ec selects ed25519 instead of RSA 2048.
func GenerateKey(seed string, ec bool) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = NewDetermRand([]byte(seed))
	}
	if ec {
		_, pri, err := ed25519.GenerateKey(r)
		if err != nil {
			return nil, err
		}
		pemBlock, err := ssh.MarshalPrivateKey(pri, "")
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(pemBlock), nil
	}
	priv, err := rsa.GenerateKey(r, 2048)
	if err != nil {
		return nil, err
	}
	err = priv.Validate()
	if err != nil {
		return nil, err
	}
	b := x509.MarshalPKCS1PrivateKey(priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: b}), nil
}

// Fingerprint formats k the way OpenSSH does.
func Fingerprint(k ssh.PublicKey) string {
	bytes := sha256.Sum256(k.Marshal())
	b64 := base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes[:])
	return "SHA256:" + b64
}

const DetermRandIter = 2048

// NewDetermRand returns a reader whose output depends only on seed.
func NewDetermRand(seed []byte) io.Reader {
	var out []byte
	var next = seed
	for i := 0; i < DetermRandIter; i++ {
		next, out = hash(next)
	}
	return &DetermRand{
		next: next,
		out:  out,
	}
}

type DetermRand struct {
	next, out []byte
}

func (d *DetermRand) Read(b []byte) (int, error) {
	l := len(b)
	// single byte reads are how the crypto packages randomise their
	// output; ignoring them keeps generation deterministic
	if l == 1 {
		return 1, nil
	}
	n := 0
	for n < l {
		next, out := hash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func hash(input []byte) (next []byte, output []byte) {
	nextout := sha512.Sum512(input)
	return nextout[:sha512.Size/2], nextout[sha512.Size/2:]
}
