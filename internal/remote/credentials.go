package remote

import (
	"github.com/yarkm13/remoteorigin/internal/secret"
)

type AuthMethod string

const (
	AuthNone       AuthMethod = "NONE"
	AuthPassword   AuthMethod = "PASSWORD"
	AuthPrivateKey AuthMethod = "PRIVATE_KEY"
)

type KeyProvider string

const (
	KeyFromFile      KeyProvider = "FILE"
	KeyFromPlainText KeyProvider = "PLAIN_TEXT"
)

// KeySource says where a private key comes from. Path is used for FILE,
// Ref for PLAIN_TEXT.
type KeySource struct {
	Provider KeyProvider
	Path     string
	Ref      string
}

// Credentials holds secret references only. They are resolved on every
// connection attempt.
type Credentials struct {
	Method        AuthMethod
	Username      string
	PasswordRef   string
	Key           KeySource
	PassphraseRef string
}

// TrustPolicy controls host key verification.
type TrustPolicy struct {
	StrictHostChecking bool
	KnownHostsPath     string
}

// Auth is resolved authentication material for a single handshake.
type Auth struct {
	Username   string
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

// Clear wipes all secret material.
func (a *Auth) Clear() {
	if a == nil {
		return
	}
	secret.Wipe(a.Password)
	secret.Wipe(a.PrivateKey)
	secret.Wipe(a.Passphrase)
	a.Password = nil
	a.PrivateKey = nil
	a.Passphrase = nil
}
