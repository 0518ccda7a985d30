package remote

import (
	"context"
	"fmt"
	"os"

	"github.com/yarkm13/remoteorigin/internal/failure"
	"github.com/yarkm13/remoteorigin/internal/logger"
	"github.com/yarkm13/remoteorigin/internal/secret"
)

// Manager owns the handshake with the single configured endpoint. Every
// Connect runs a full handshake; nothing is resumed at the protocol layer.
type Manager struct {
	target  Target
	creds   Credentials
	trust   TrustPolicy
	secrets secret.Provider
	factory ConnectorFactory
	log     *logger.Logger
}

type ManagerOption func(*Manager)

// WithFactory overrides the scheme based connector lookup.
func WithFactory(f ConnectorFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

func WithLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

func NewManager(target Target, creds Credentials, trust TrustPolicy, secrets secret.Provider, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		target:  target,
		creds:   creds,
		trust:   trust,
		secrets: secrets,
		log:     logger.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = getConnectorFactory(target.URL)
	}
	if m.factory == nil {
		return nil, failure.Configuration("no connector available for scheme: %s", target.URL.Scheme)
	}
	if m.secrets == nil {
		m.secrets = secret.NewResolver()
	}
	return m, nil
}

func (m *Manager) Target() Target {
	return m.target
}

// Connect resolves credentials, performs the handshake and wipes the
// resolved secrets before returning.
func (m *Manager) Connect(ctx context.Context) (Connector, error) {
	auth, err := m.resolveAuth(ctx)
	defer auth.Clear()
	if err != nil {
		return nil, err
	}

	m.log.Debug("connecting", map[string]any{
		"endpoint":  m.target.Endpoint(),
		"connector": m.factory.Name(),
		"auth":      string(m.creds.Method),
		"strict":    m.trust.StrictHostChecking,
	})

	conn, err := m.factory.Create(ctx, m.target, auth, m.trust)
	if err != nil {
		return nil, failure.WithContext(err, m.target.Endpoint(), "")
	}

	info := conn.Info()
	fields := map[string]any{
		"endpoint": m.target.Endpoint(),
		"session":  info.SessionID,
		"user":     info.User,
		"home":     info.Home,
	}
	if info.HostFingerprint != "" {
		fields["host_key"] = info.HostFingerprint
	}
	m.log.Info("connected", fields)
	return conn, nil
}

func (m *Manager) resolveAuth(ctx context.Context) (*Auth, error) {
	auth := &Auth{}

	username := m.creds.Username
	if username == "" && m.target.URL.User != nil {
		username = m.target.URL.User.Username()
	}
	if username != "" {
		value, err := m.resolve(ctx, "username", username)
		if err != nil {
			return auth, err
		}
		auth.Username = string(value)
	}

	switch m.creds.Method {
	case AuthNone, "":
	case AuthPassword:
		if m.creds.PasswordRef == "" && m.target.URL.User != nil {
			if pw, ok := m.target.URL.User.Password(); ok {
				auth.Password = []byte(pw)
				return auth, nil
			}
		}
		value, err := m.resolve(ctx, "password", m.creds.PasswordRef)
		if err != nil {
			return auth, err
		}
		auth.Password = value
	case AuthPrivateKey:
		switch m.creds.Key.Provider {
		case KeyFromPlainText:
			value, err := m.resolve(ctx, "private key", m.creds.Key.Ref)
			if err != nil {
				return auth, err
			}
			auth.PrivateKey = value
		default:
			data, err := os.ReadFile(m.creds.Key.Path)
			if err != nil {
				return auth, failure.Configuration("failed to read private key file: %w", err)
			}
			auth.PrivateKey = data
		}
		if m.creds.PassphraseRef != "" {
			value, err := m.resolve(ctx, "private key passphrase", m.creds.PassphraseRef)
			if err != nil {
				return auth, err
			}
			auth.Passphrase = value
		}
	default:
		return auth, failure.Configuration("unsupported authentication method %q", m.creds.Method)
	}
	return auth, nil
}

func (m *Manager) resolve(ctx context.Context, what, ref string) ([]byte, error) {
	value, err := m.secrets.Resolve(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.WithContext(failure.New(failure.KindConfiguration, failure.StageConnect, fmt.Errorf("failed to resolve %s: %w", what, err)), m.target.Endpoint(), "")
	}
	return value, nil
}
