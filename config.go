package zorptls

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SecurityLevel controls whether TLS is used at all on a side.
type SecurityLevel int

const (
	// SecurityNone disables TLS on this side entirely.
	SecurityNone SecurityLevel = iota
	// SecurityAccept negotiates TLS later (STARTTLS-style); handshake is optional.
	SecurityAccept
	// SecurityForceTls requires TLS at connection open.
	SecurityForceTls
)

// enabled reports whether TLS is used at all on a side (> None).
func (s SecurityLevel) enabled() bool {
	return s > SecurityNone
}

// VerifyType selects the certificate-chain trust model for a side.
type VerifyType int

const (
	VerifyNone VerifyType = iota
	VerifyOptionalUntrusted
	VerifyOptionalTrusted
	VerifyRequiredUntrusted
	VerifyRequiredTrusted
)

func (v VerifyType) untrustedVariant() bool {
	return v == VerifyOptionalUntrusted || v == VerifyRequiredUntrusted
}

func (v VerifyType) trustedVariant() bool {
	return v == VerifyOptionalTrusted || v == VerifyRequiredTrusted
}

// HandshakeSeq picks which side must complete its handshake first.
type HandshakeSeq int

const (
	ClientFirst HandshakeSeq = iota
	ServerFirst
)

// CallbackTag is the stored type tag for an entry in handshake_hash; only
// "policy callback" is a supported tag (§4.C).
type CallbackTag string

const PolicyCallbackTag CallbackTag = "policy callback"

// CallbackEntry is what a policy runtime stores per (side, name).
type CallbackEntry struct {
	Tag  CallbackTag
	Call PolicyFunc
}

// PerSide holds one EncryptionConfig field per Side, indexed by Side.
type PerSide[T any] [2]T

func (p *PerSide[T]) Get(s Side) T  { return p[s] }
func (p *PerSide[T]) Set(s Side, v T) { p[s] = v }

// EncryptionConfig is immutable for the life of a session (§3).
type EncryptionConfig struct {
	Security                 PerSide[SecurityLevel]
	VerifyType                PerSide[VerifyType]
	VerifyDepth                PerSide[int]
	PermitMissingCrl           PerSide[bool]
	PermitInvalidCertificates  PerSide[bool]
	ServerCheckSubject         bool
	HandshakeSeq               HandshakeSeq
	HandshakeTimeout           time.Duration
	ForceConnectAtHandshake    bool
}

// yamlConfig is the on-disk shape accepted by LoadConfigFile; field names
// match the Zorp policy vocabulary rather than Go idiom so operators can
// hand-author it the way they would a Zorp policy.py snippet.
type yamlConfig struct {
	Security struct {
		Client string `yaml:"client"`
		Server string `yaml:"server"`
	} `yaml:"security"`
	VerifyType struct {
		Client string `yaml:"client"`
		Server string `yaml:"server"`
	} `yaml:"verify_type"`
	VerifyDepth struct {
		Client int `yaml:"client"`
		Server int `yaml:"server"`
	} `yaml:"verify_depth"`
	PermitMissingCrl struct {
		Client bool `yaml:"client"`
		Server bool `yaml:"server"`
	} `yaml:"permit_missing_crl"`
	PermitInvalidCertificates struct {
		Client bool `yaml:"client"`
		Server bool `yaml:"server"`
	} `yaml:"permit_invalid_certificates"`
	ServerCheckSubject      bool   `yaml:"server_check_subject"`
	HandshakeSeq            string `yaml:"handshake_seq"`
	HandshakeTimeoutSeconds float64 `yaml:"handshake_timeout_seconds"`
	ForceConnectAtHandshake bool   `yaml:"force_connect_at_handshake"`
}

func parseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "", "none":
		return SecurityNone, nil
	case "accept":
		return SecurityAccept, nil
	case "force_tls":
		return SecurityForceTls, nil
	default:
		return SecurityNone, errors.Errorf("unknown security level %q", s)
	}
}

func parseVerifyType(s string) (VerifyType, error) {
	switch s {
	case "", "none":
		return VerifyNone, nil
	case "optional_untrusted":
		return VerifyOptionalUntrusted, nil
	case "optional_trusted":
		return VerifyOptionalTrusted, nil
	case "required_untrusted":
		return VerifyRequiredUntrusted, nil
	case "required_trusted":
		return VerifyRequiredTrusted, nil
	default:
		return VerifyNone, errors.Errorf("unknown verify type %q", s)
	}
}

// LoadConfigFile reads an EncryptionConfig from a YAML file, the way
// cmd/zorptls-demo's -config flag does.
func LoadConfigFile(path string) (*EncryptionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	cfg := &EncryptionConfig{
		HandshakeTimeout:        time.Duration(y.HandshakeTimeoutSeconds * float64(time.Second)),
		ServerCheckSubject:      y.ServerCheckSubject,
		ForceConnectAtHandshake: y.ForceConnectAtHandshake,
	}

	switch y.HandshakeSeq {
	case "", "client_first":
		cfg.HandshakeSeq = ClientFirst
	case "server_first":
		cfg.HandshakeSeq = ServerFirst
	default:
		return nil, errors.Errorf("unknown handshake_seq %q", y.HandshakeSeq)
	}

	var err2 error
	if cfg.Security[Client], err2 = parseSecurityLevel(y.Security.Client); err2 != nil {
		return nil, err2
	}
	if cfg.Security[Server], err2 = parseSecurityLevel(y.Security.Server); err2 != nil {
		return nil, err2
	}
	if cfg.VerifyType[Client], err2 = parseVerifyType(y.VerifyType.Client); err2 != nil {
		return nil, err2
	}
	if cfg.VerifyType[Server], err2 = parseVerifyType(y.VerifyType.Server); err2 != nil {
		return nil, err2
	}
	cfg.VerifyDepth[Client] = y.VerifyDepth.Client
	cfg.VerifyDepth[Server] = y.VerifyDepth.Server
	cfg.PermitMissingCrl[Client] = y.PermitMissingCrl.Client
	cfg.PermitMissingCrl[Server] = y.PermitMissingCrl.Server
	cfg.PermitInvalidCertificates[Client] = y.PermitInvalidCertificates.Client
	cfg.PermitInvalidCertificates[Server] = y.PermitInvalidCertificates.Server

	return cfg, nil
}
