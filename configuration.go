package beacon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http2"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"

	defaultRefreshPath          = "/auth/refresh"
	defaultIdentityPath         = "/auth/me"
	defaultReconnectBaseDelay   = time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultMaxPendingSends      = 1000
	defaultRequestTimeout       = 10 * time.Second
	defaultMaxRetries           = 3
	defaultRetryBaseDelay       = 500 * time.Millisecond
	defaultPingInterval         = 25 * time.Second

	// try.MaxRetries is 10; the initial attempt, one auth re-issue and the
	// transient retries all have to fit under it.
	maxRetriesCeiling = 8
)

// AdvancedOptions are not loadable from a file.
type AdvancedOptions struct {
	OverrideTransport       Transport
	OverrideCredentialStore CredentialStore
	OverrideHTTPClient      *http.Client
}

type Options struct {
	APIURI        string `toml:"api_uri" validate:"required,url"`
	PushURL       string `toml:"push_url" validate:"required,url"`
	PushTransport string `toml:"push_transport" validate:"omitempty,oneof=websocket sse"`
	// SSESendURL receives outbound frames when PushTransport is "sse".
	SSESendURL   string `toml:"sse_send_url" validate:"required_if=PushTransport sse,omitempty,url"`
	RefreshPath  string `toml:"refresh_path"`
	IdentityPath string `toml:"identity_path"`

	ReconnectBaseDelay   time.Duration  `toml:"-"`
	ReconnectMaxDelay    time.Duration  `toml:"-" validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int            `toml:"max_reconnect_attempts" validate:"gte=0"`
	MaxPendingSends      int            `toml:"max_pending_sends" validate:"gte=0"`
	OverflowPolicy       OverflowPolicy `toml:"overflow_policy" validate:"omitempty,oneof=reject-new drop-oldest"`
	PingInterval         time.Duration  `toml:"-"`

	RequestTimeout       time.Duration `toml:"-"`
	MaxRetries           int           `toml:"max_retries" validate:"gte=0"`
	RetryBaseDelay       time.Duration `toml:"-"`
	TokenRefreshInterval time.Duration `toml:"-"`
	EnableHTTP2          bool          `toml:"enable_http2"`

	// CredentialsPath selects the SQLite credential store; empty keeps
	// credentials in memory.
	CredentialsPath string `toml:"credentials_path"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format" validate:"omitempty,oneof=json console"`

	ClientEventHandler chan api.ClientEvent `toml:"-" validate:"-"`
	Logger             util.Logger          `toml:"-" validate:"-"`
	AdvancedOptions    `toml:"-" validate:"-"`
}

func (o *Options) CheckDefaults() {
	if o.PushTransport == "" {
		o.PushTransport = TransportWebSocket
	}
	if o.RefreshPath == "" {
		o.RefreshPath = defaultRefreshPath
	}
	if o.IdentityPath == "" {
		o.IdentityPath = defaultIdentityPath
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		util.Warnf("ReconnectMaxDelay cannot be less than ReconnectBaseDelay. Defaulting to %s.", o.ReconnectBaseDelay)
		o.ReconnectMaxDelay = o.ReconnectBaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.MaxPendingSends <= 0 {
		o.MaxPendingSends = defaultMaxPendingSends
	}
	if o.OverflowPolicy == "" {
		o.OverflowPolicy = OverflowRejectNew
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	} else if o.MaxRetries > maxRetriesCeiling {
		util.Warnf("MaxRetries cannot be more than %d. Defaulting to %d.", maxRetriesCeiling, maxRetriesCeiling)
		o.MaxRetries = maxRetriesCeiling
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultRetryBaseDelay
	}
	if o.TokenRefreshInterval < 0 {
		o.TokenRefreshInterval = 0
	}
}

var optionsValidator = validator.New()

func (o *Options) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// LoadOptionsFile reads Options from a TOML file. Durations are written as
// Go duration strings ("1s", "250ms").
func LoadOptionsFile(path string) (*Options, error) {
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open options: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}

	var raw struct {
		Options
		ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
		ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
		PingInterval         string `toml:"ping_interval"`
		RequestTimeout       string `toml:"request_timeout"`
		RetryBaseDelay       string `toml:"retry_base_delay"`
		TokenRefreshInterval string `toml:"token_refresh_interval"`
	}
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return nil, fmt.Errorf("parse options: %w", err)
	}

	options := raw.Options
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect_base_delay", raw.ReconnectBaseDelay, &options.ReconnectBaseDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &options.ReconnectMaxDelay},
		{"ping_interval", raw.PingInterval, &options.PingInterval},
		{"request_timeout", raw.RequestTimeout, &options.RequestTimeout},
		{"retry_base_delay", raw.RetryBaseDelay, &options.RetryBaseDelay},
		{"token_refresh_interval", raw.TokenRefreshInterval, &options.TokenRefreshInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if options.CredentialsPath != "" {
		options.CredentialsPath, err = expandPath(options.CredentialsPath)
		if err != nil {
			return nil, err
		}
	}
	return &options, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errors.New("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

type HTTPConfiguration struct {
	BasePath      string            `json:"basePath,omitempty"`
	Host          string            `json:"host,omitempty"`
	DefaultHeader map[string]string `json:"defaultHeader,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	HTTPClient    *http.Client
}

func NewConfiguration(options *Options) *HTTPConfiguration {
	cfg := &HTTPConfiguration{
		BasePath:      strings.TrimRight(options.APIURI, "/"),
		DefaultHeader: make(map[string]string),
		UserAgent:     "Beacon-Client-SDK/" + VERSION + "/go",
		HTTPClient:    options.OverrideHTTPClient,
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			// Set an explicit timeout so that we don't wait forever on a request
			Timeout: options.RequestTimeout,
		}
		if base, ok := http.DefaultTransport.(*http.Transport); ok && options.EnableHTTP2 {
			transport := base.Clone()
			if err := http2.ConfigureTransport(transport); err != nil {
				util.Warnf("Failed to enable HTTP/2, continuing with HTTP/1.1: %v", err)
			} else {
				cfg.HTTPClient.Transport = transport
			}
		}
	}
	return cfg
}

func (c *HTTPConfiguration) AddDefaultHeader(key string, value string) {
	c.DefaultHeader[key] = value
}
