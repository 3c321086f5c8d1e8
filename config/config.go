// Package config loads and validates the typed configuration record the
// bot is started with. The source system's free-form option mapping is
// rendered here as strict Go structs: unknown keys fail to load rather
// than being silently ignored (§9 "Dynamic options → typed config").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ErrConfigInvalid is wrapped by every validation failure so callers can
// match on it with errors.Is without inspecting message text.
var ErrConfigInvalid = errors.New("config invalid")

// ServerConfig holds the per-server options recognized in §3.
type ServerConfig struct {
	Nick             string              `json:"nick"`
	NickservPassword string              `json:"nickserv_password"`
	UseTLS           bool                `json:"use_tls"`
	VerifySSL        *bool               `json:"verify_ssl"`
	RandomNick       bool                `json:"random_nick"`
	Port             uint16              `json:"port"`
	Channels         []string            `json:"channels"`
	AlsoJoin         map[string][]string `json:"also_join"`
	RewriteToSSend   []string            `json:"rewrite_to_ssend"`
}

// verifySSLDefault is applied when VerifySSL is left unset in JSON.
const verifySSLDefault = true

// Normalize fills in defaults for a loaded ServerConfig. An unset port
// becomes 6697 when use_tls is set and 6667 otherwise.
func (s *ServerConfig) Normalize() {
	if s.Nick == "" {
		s.Nick = "dccbot"
	}
	if s.VerifySSL == nil {
		v := verifySSLDefault
		s.VerifySSL = &v
	}
	if s.Port == 0 {
		if s.UseTLS {
			s.Port = 6697
		} else {
			s.Port = 6667
		}
	}
}

// VerifySSLOrDefault returns the effective verify_ssl setting.
func (s *ServerConfig) VerifySSLOrDefault() bool {
	if s.VerifySSL == nil {
		return verifySSLDefault
	}
	return *s.VerifySSL
}

// RewriteToSSendSet returns RewriteToSSend as a lookup set.
func (s *ServerConfig) RewriteToSSendSet() map[string]bool {
	set := make(map[string]bool, len(s.RewriteToSSend))
	for _, ch := range s.RewriteToSSend {
		set[ch] = true
	}
	return set
}

// GlobalConfig holds the process-wide options recognized in §3.
type GlobalConfig struct {
	DownloadPath        string                  `json:"download_path"`
	AllowedMimetypes    []string                `json:"allowed_mimetypes"`
	MaxFileSize         uint64                  `json:"max_file_size"`
	ChannelIdleTimeout  int64                   `json:"channel_idle_timeout"`
	ServerIdleTimeout   int64                   `json:"server_idle_timeout"`
	ResumeTimeout       int64                   `json:"resume_timeout"`
	TransferListTimeout int64                   `json:"transfer_list_timeout"`
	AutoMD5Sum          bool                    `json:"auto_md5sum"`
	IncompleteSuffix    string                  `json:"incomplete_suffix"`
	SSendMap            map[string]bool         `json:"ssend_map"`
	AllowPrivateIPs     bool                    `json:"allow_private_ips"`
	Servers             map[string]ServerConfig `json:"servers"`
	DefaultServerConfig *ServerConfig           `json:"default_server_config"`
	HTTPAddr            string                  `json:"http_addr"`

	mimeSet map[string]bool
}

// Defaults applied when the corresponding field is zero in the loaded JSON.
const (
	defaultMaxFileSize         = 10 << 30 // 10 GiB
	defaultChannelIdleTimeout  = 300       // seconds
	defaultServerIdleTimeout   = 600
	defaultResumeTimeout       = 30
	defaultTransferListTimeout = 3600
	defaultIncompleteSuffix    = ".incomplete"
	defaultHTTPAddr            = ":8080"
)

// Load reads and validates a GlobalConfig from path. Unknown JSON keys at
// any level are rejected with a wrapped ErrConfigInvalid.
func Load(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a GlobalConfig from JSON bytes.
func Parse(data []byte) (*GlobalConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg GlobalConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(ErrConfigInvalid, err.Error())
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *GlobalConfig) applyDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.ChannelIdleTimeout == 0 {
		c.ChannelIdleTimeout = defaultChannelIdleTimeout
	}
	if c.ServerIdleTimeout == 0 {
		c.ServerIdleTimeout = defaultServerIdleTimeout
	}
	if c.ResumeTimeout == 0 {
		c.ResumeTimeout = defaultResumeTimeout
	}
	if c.TransferListTimeout == 0 {
		c.TransferListTimeout = defaultTransferListTimeout
	}
	if c.IncompleteSuffix == "" {
		c.IncompleteSuffix = defaultIncompleteSuffix
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.SSendMap == nil {
		c.SSendMap = map[string]bool{}
	}
	if c.Servers == nil {
		c.Servers = map[string]ServerConfig{}
	}

	for host, sc := range c.Servers {
		sc.Normalize()
		c.Servers[host] = sc
	}
	if c.DefaultServerConfig != nil {
		c.DefaultServerConfig.Normalize()
	}

	c.mimeSet = make(map[string]bool, len(c.AllowedMimetypes))
	for _, m := range c.AllowedMimetypes {
		c.mimeSet[m] = true
	}
}

func (c *GlobalConfig) validate() error {
	if c.DownloadPath == "" {
		return errors.Wrap(ErrConfigInvalid, "download_path is required")
	}
	if info, err := os.Stat(c.DownloadPath); err != nil {
		return errors.Wrapf(ErrConfigInvalid, "download_path %q: %v", c.DownloadPath, err)
	} else if !info.IsDir() {
		return errors.Wrapf(ErrConfigInvalid, "download_path %q is not a directory", c.DownloadPath)
	}
	if len(c.AllowedMimetypes) == 0 {
		return errors.Wrap(ErrConfigInvalid, "allowed_mimetypes must not be empty")
	}
	return nil
}

// MimetypeAllowed reports whether mime is in allowed_mimetypes.
func (c *GlobalConfig) MimetypeAllowed(mime string) bool {
	return c.mimeSet[mime]
}

// ResolveServer returns the ServerConfig for host, creating it from
// default_server_config when host is unknown. ok is false when neither a
// specific nor a default config is available.
func (c *GlobalConfig) ResolveServer(host string) (ServerConfig, bool) {
	if sc, found := c.Servers[host]; found {
		return sc, true
	}
	if c.DefaultServerConfig != nil {
		sc := *c.DefaultServerConfig
		return sc, true
	}
	return ServerConfig{}, false
}

// ForceSSend reports whether peer is force-mapped to ssend via ssend_map.
func (c *GlobalConfig) ForceSSend(peer string) bool {
	return c.SSendMap[peer]
}

func (c *GlobalConfig) String() string {
	return fmt.Sprintf("GlobalConfig{download_path=%s servers=%d}", c.DownloadPath, len(c.Servers))
}
