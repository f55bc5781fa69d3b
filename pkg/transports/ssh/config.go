package ssh

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to a package host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

const (
	defaultPort    = 22
	defaultTimeout = 30 * time.Second
)

// Config describes one package host connection. In the host configuration
// it holds the defaults for sftp:// sources; ForURL fills in the rest.
type Config struct {
	Host string `yaml:"host" json:"host,omitempty"`
	Port int    `yaml:"port" json:"port,omitempty"`
	User string `yaml:"user" json:"user,omitempty"`

	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method,omitempty"`
	Password   string     `yaml:"password" json:"-"`

	// PrivateKeyPath defaults to the first of id_ed25519, id_rsa and
	// id_ecdsa found under ~/.ssh.
	PrivateKeyPath       string `yaml:"private_key_path" json:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" json:"-"`

	KnownHostsPath string `yaml:"known_hosts_path" json:"known_hosts_path,omitempty"`
	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// Without it any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout,omitempty"`
}

// DefaultConfig returns key authentication with strict host checking
// against ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	c := &Config{
		Host:                  host,
		Port:                  defaultPort,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		StrictHostKeyChecking: true,
		ConnectionTimeout:     defaultTimeout,
	}
	if home, err := os.UserHomeDir(); err == nil {
		c.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	return c
}

// ForURL derives the connection for a package source of the form
// sftp://[user[:password]@]host[:port]/path. The URL wins over c; unset
// fields get the defaults of DefaultConfig.
func (c Config) ForURL(src *url.URL) (*Config, error) {
	if src.Hostname() == "" {
		return nil, fmt.Errorf("sftp source %s has no host", src.Redacted())
	}
	if src.Path == "" {
		return nil, fmt.Errorf("sftp source %s has no path", src.Redacted())
	}

	c.Host = src.Hostname()
	if p := src.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q in %s", p, src.Redacted())
		}
		c.Port = port
	}
	if src.User != nil {
		if u := src.User.Username(); u != "" {
			c.User = u
		}
		if pw, ok := src.User.Password(); ok {
			c.AuthMethod = AuthMethodPassword
			c.Password = pw
		}
	}

	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthMethodKey
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaultTimeout
	}
	return &c, nil
}

// Validate reports every problem with c. For key authentication without a
// key path it picks a default key.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection timeout must be positive"))
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			errs = append(errs, errors.New("password is required for password authentication"))
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
		}
		if c.PrivateKeyPath == "" {
			errs = append(errs, errors.New("private key path is required for key authentication and no default key found"))
		} else if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			errs = append(errs, fmt.Errorf("private key file not found: %s", c.PrivateKeyPath))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported auth method: %s", c.AuthMethod))
	}
	return errors.Join(errs...)
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig turns c into an x/crypto client config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.AuthMethod == AuthMethodPassword {
		// Many servers only offer keyboard-interactive for password logins.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
