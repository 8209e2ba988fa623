package sshd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jpillora/sftpcloudfs/sshd/key"
	"golang.org/x/crypto/ssh"
)

// serverVersion is sent during the protocol exchange.
const serverVersion = "SSH-2.0-sftpcloudfs"

// errAuthFailed is the only auth failure the client ever sees.
var errAuthFailed = errors.New("authentication failed")

func (s *Server) loadHostKey() (ssh.Signer, error) {
	b := s.config.KeyBytes
	switch {
	case len(b) > 0:
		s.infof("Key from config")
	case s.config.KeyFile != "":
		//user provided key (can generate with 'ssh-keygen -t ed25519')
		kb, err := os.ReadFile(s.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load keyfile: %w", err)
		}
		b = kb
		s.infof("Key from file %s", s.config.KeyFile)
	default:
		//generate key now
		kb, err := key.GenerateKey(s.config.KeySeed, s.config.KeySeedEC)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		b = kb
		if s.config.KeySeed == "" {
			s.infof("Key from system rng")
		} else {
			s.infof("Key from seed")
		}
	}
	pri, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	s.infof("%s key fingerprint is %s", pri.PublicKey().Type(), key.Fingerprint(pri.PublicKey()))
	return pri, nil
}

// computeAlgorithms resolves the configured allow-lists. Unknown entries
// are logged and skipped; an empty result keeps the library defaults.
func (s *Server) computeAlgorithms() {
	supported := ssh.SupportedAlgorithms()
	insecure := ssh.InsecureAlgorithms()
	s.ciphers = s.allowList("cipher", s.config.Ciphers, supported.Ciphers, insecure.Ciphers)
	s.macs = s.allowList("MAC", s.config.MACs, supported.MACs, insecure.MACs)
	s.kex = s.allowList("key exchange", s.config.KeyExchanges, supported.KeyExchanges, insecure.KeyExchanges)
}

func (s *Server) allowList(kind, list string, supported, insecure []string) []string {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case slices.Contains(supported, name):
			out = append(out, name)
		case slices.Contains(insecure, name):
			s.infof("Allowing insecure %s %s", kind, name)
			out = append(out, name)
		default:
			s.errorf("Ignoring unknown %s %q", kind, name)
		}
	}
	if len(out) == 0 {
		s.errorf("No valid %s in %q, using defaults", kind, list)
		return nil
	}
	s.debugf("Allowed %s: %s", kind, strings.Join(out, ","))
	return out
}

// serverConfig builds the transport config for one connection. Only
// password authentication is offered.
func (s *Server) serverConfig(sess *Session) *ssh.ServerConfig {
	sc := &ssh.ServerConfig{
		Config: ssh.Config{
			Ciphers:      s.ciphers,
			MACs:         s.macs,
			KeyExchanges: s.kex,
		},
		ServerVersion: serverVersion,
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if err := sess.CheckAuth(meta.User(), string(pass)); err != nil {
				return nil, errAuthFailed
			}
			return nil, nil
		},
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			sess.logAuth(meta.User(), method, err)
		},
	}
	sc.AddHostKey(s.signer)
	return sc
}
