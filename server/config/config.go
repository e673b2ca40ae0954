package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "MDMGATEWAY"
)

// MysqlConfig defines configs related to MySQL
type MysqlConfig struct {
	Protocol        string
	Address         string
	Username        string
	Password        string
	PasswordPath    string `yaml:"password_path"`
	Database        string
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	TLSCA           string `yaml:"tls_ca"`
	TLSServerName   string `yaml:"tls_server_name"`
	TLSConfig       string `yaml:"tls_config"` // tls=customValue in DSN
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

const (
	TLSProfileKey          = "server.tls_compatibility"
	TLSProfileModern       = "modern"
	TLSProfileIntermediate = "intermediate"
)

// ServerConfig defines configs related to the gateway HTTP server
type ServerConfig struct {
	Address    string
	Cert       string
	Key        string
	TLS        bool
	TLSProfile string `yaml:"tls_compatibility"`
	Keepalive  bool   `yaml:"keepalive"`
}

// DefaultHTTPServer returns the http.Server used to serve the enrollment
// front door and the relay.
func (s ServerConfig) DefaultHTTPServer(ctx context.Context, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              s.Address,
		Handler:           handler,
		ReadTimeout:       25 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      40 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    1 << 18, // 0.25 MB (262144 bytes)
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
}

// LoggingConfig defines configs related to logging
type LoggingConfig struct {
	Debug          bool
	JSON           bool
	DisableBanner  bool   `yaml:"disable_banner"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	TracingType    string `yaml:"tracing_type"`
}

// SentryConfig defines configs related to the Sentry error reporting.
type SentryConfig struct {
	Dsn string
}

// PrometheusConfig defines configs related to the /metrics endpoint.
type PrometheusConfig struct {
	BasicAuth HTTPBasicAuthConfig `yaml:"basic_auth"`
}

// HTTPBasicAuthConfig defines configs for HTTP Basic Auth.
type HTTPBasicAuthConfig struct {
	Username string
	Password string
	// Disable allows running the Prometheus endpoint without Basic Auth.
	Disable bool
}

// MDMConfig defines configs related to the Windows MDM front door, the
// device authority and the relay to the upstream MDM engine.
type MDMConfig struct {
	// UpstreamURL is the base URL of the MDM engine that receives the relayed
	// enrollment and management traffic.
	UpstreamURL string `yaml:"upstream_url"`
	// UpstreamTimeout bounds dialing the upstream and waiting for its
	// response headers.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	// RelayManagement forwards /ManagementServer/ paths other than Manage.svc
	// to the upstream too.
	RelayManagement bool `yaml:"relay_management"`

	CacheValidity      time.Duration `yaml:"cache_validity"`
	RenewalThreshold   time.Duration `yaml:"renewal_threshold"`
	RenewalInterval    time.Duration `yaml:"renewal_interval"`
	AuthorityRetention time.Duration `yaml:"authority_retention"`

	AuthorityKeySize      int           `yaml:"authority_key_size"`
	AuthorityValidity     time.Duration `yaml:"authority_validity"`
	AuthorityCommonName   string        `yaml:"authority_common_name"`
	AuthorityOrganization string        `yaml:"authority_organization"`

	PolicyMinKeyLength       int           `yaml:"policy_min_key_length"`
	PolicyHashAlgorithmOID   string        `yaml:"policy_hash_algorithm_oid"`
	PolicyCertValidityPeriod time.Duration `yaml:"policy_cert_validity_period"`
	PolicyCertRenewalPeriod  time.Duration `yaml:"policy_cert_renewal_period"`

	RequireClientCert bool `yaml:"require_client_cert"`
}

// UpstreamBaseURL parses and validates the configured upstream URL.
func (m MDMConfig) UpstreamBaseURL() (*url.URL, error) {
	if m.UpstreamURL == "" {
		return nil, errors.New("mdm.upstream_url must be set")
	}
	u, err := url.Parse(m.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse mdm.upstream_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mdm.upstream_url must be an http or https URL, got %q", m.UpstreamURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mdm.upstream_url is missing a host: %q", m.UpstreamURL)
	}
	return u, nil
}

// GatewayConfig stores the application configuration. Each subcategory is
// broken up into it's own struct, defined above. When editing any of these
// structs, Manager.addConfigs and Manager.LoadConfig should be
// updated to set and retrieve the configurations as appropriate.
type GatewayConfig struct {
	Mysql      MysqlConfig
	Server     ServerConfig
	Logging    LoggingConfig
	Sentry     SentryConfig
	Prometheus PrometheusConfig
	MDM        MDMConfig `yaml:"mdm"`
}

type TLS struct {
	TLSCert       string
	TLSKey        string
	TLSCA         string
	TLSServerName string
}

func (t *TLS) ToTLSConfig() (*tls.Config, error) {
	var rootCertPool *x509.CertPool
	if t.TLSCA != "" {
		rootCertPool = x509.NewCertPool()
		pem, err := os.ReadFile(t.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read server-ca pem: %w", err)
		}
		if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
			return nil, errors.New("failed to append PEM.")
		}
	}

	cfg := &tls.Config{
		RootCAs: rootCertPool,
	}
	if t.TLSCert != "" {
		certs, err := tls.LoadX509KeyPair(t.TLSCert, t.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert and key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{certs}
	}

	if t.TLSServerName != "" {
		cfg.ServerName = t.TLSServerName
	}
	return cfg, nil
}

// addConfigs adds the configuration keys and default values that will be
// filled into the GatewayConfig struct
func (man Manager) addConfigs() {
	// MySQL
	man.addConfigString("mysql.protocol", "tcp",
		"MySQL server communication protocol (tcp,unix,...)")
	man.addConfigString("mysql.address", "localhost:3306",
		"MySQL server address (host:port)")
	man.addConfigString("mysql.username", "mdmgateway",
		"MySQL server username")
	man.addConfigString("mysql.password", "",
		"MySQL server password (prefer env variable for security)")
	man.addConfigString("mysql.password_path", "",
		"Path to file containg MySQL server password")
	man.addConfigString("mysql.database", "mdmgateway",
		"MySQL database name")
	man.addConfigString("mysql.tls_cert", "",
		"MySQL TLS client certificate path")
	man.addConfigString("mysql.tls_key", "",
		"MySQL TLS client key path")
	man.addConfigString("mysql.tls_ca", "",
		"MySQL TLS server CA")
	man.addConfigString("mysql.tls_server_name", "",
		"MySQL TLS server name")
	man.addConfigString("mysql.tls_config", "",
		"MySQL TLS config value. Use skip-verify, true, false or custom key.")
	man.addConfigInt("mysql.max_open_conns", 50, "MySQL maximum open connection handles.")
	man.addConfigInt("mysql.max_idle_conns", 50, "MySQL maximum idle connection handles.")
	man.addConfigInt("mysql.conn_max_lifetime", 0, "MySQL maximum amount of time a connection may be reused.")

	// Server
	man.addConfigString("server.address", "0.0.0.0:8080",
		"Gateway server address (host:port)")
	man.addConfigString("server.cert", "",
		"Gateway TLS certificate path")
	man.addConfigString("server.key", "",
		"Gateway TLS key path")
	man.addConfigBool("server.tls", false,
		"Enable TLS (required for direct device traffic, usually terminated by the API gateway)")
	man.addConfigString(TLSProfileKey, TLSProfileIntermediate,
		fmt.Sprintf("TLS security profile choose one of %s or %s",
			TLSProfileModern, TLSProfileIntermediate))
	man.addConfigBool("server.keepalive", true,
		"Controls whether HTTP keep-alives are enabled.")

	// Logging
	man.addConfigBool("logging.debug", false,
		"Enable debug logging")
	man.addConfigBool("logging.json", false,
		"Log in JSON format")
	man.addConfigBool("logging.disable_banner", false,
		"Disable startup banner")
	man.addConfigBool("logging.tracing_enabled", false,
		"Enable Tracing, further configured via standard env variables")
	man.addConfigString("logging.tracing_type", "opentelemetry",
		"Select the kind of tracing, only opentelemetry is supported")

	// Sentry
	man.addConfigString("sentry.dsn", "", "DSN for Sentry")

	// Prometheus
	man.addConfigString("prometheus.basic_auth.username", "", "Prometheus username for HTTP Basic Auth")
	man.addConfigString("prometheus.basic_auth.password", "", "Prometheus password for HTTP Basic Auth")
	man.addConfigBool("prometheus.basic_auth.disable", false, "Disable HTTP Basic Auth for Prometheus")

	// MDM
	man.addConfigString("mdm.upstream_url", "",
		"Base URL of the MDM engine that receives relayed enrollment and management traffic")
	man.addConfigDuration("mdm.upstream_timeout", 30*time.Second,
		"Timeout for connecting to the upstream MDM engine and receiving its response headers")
	man.addConfigBool("mdm.relay_management", false,
		"Relay /ManagementServer/ paths other than Manage.svc to the upstream MDM engine")
	man.addConfigDuration("mdm.cache_validity", 15*time.Minute,
		"How long the device authority and the trust anchors are cached in memory")
	man.addConfigDuration("mdm.renewal_threshold", 15*24*time.Hour,
		"Issue a new device authority when the active one expires within this duration")
	man.addConfigDuration("mdm.renewal_interval", time.Hour,
		"Interval of the device authority renewal job")
	man.addConfigDuration("mdm.authority_retention", 0,
		"Delete device authorities expired for longer than this duration (0 keeps them forever)")
	man.addConfigInt("mdm.authority_key_size", 4096,
		"RSA key size of newly issued device authorities")
	man.addConfigDuration("mdm.authority_validity", 365*24*time.Hour,
		"Validity period of newly issued device authorities")
	man.addConfigString("mdm.authority_common_name", "MDM Gateway Device Authority",
		"Common name of newly issued device authorities")
	man.addConfigString("mdm.authority_organization", "mdmgateway",
		"Organization of newly issued device authorities")
	man.addConfigInt("mdm.policy_min_key_length", 4096,
		"Minimal key length advertised in the enrollment certificate policy")
	man.addConfigString("mdm.policy_hash_algorithm_oid", "2.16.840.1.101.3.4.2.1",
		"Hash algorithm OID advertised in the enrollment certificate policy")
	man.addConfigDuration("mdm.policy_cert_validity_period", 365*24*time.Hour,
		"Device certificate validity period advertised in the enrollment certificate policy")
	man.addConfigDuration("mdm.policy_cert_renewal_period", 180*24*time.Hour,
		"Device certificate renewal period advertised in the enrollment certificate policy")
	man.addConfigBool("mdm.require_client_cert", false,
		"Reject management requests without a client certificate issued by a valid device authority")
}

// LoadConfig will load the config variables into a fully initialized
// GatewayConfig struct
func (man Manager) LoadConfig() GatewayConfig {
	man.loadConfigFile()

	return GatewayConfig{
		Mysql: MysqlConfig{
			Protocol:        man.getConfigString("mysql.protocol"),
			Address:         man.getConfigString("mysql.address"),
			Username:        man.getConfigString("mysql.username"),
			Password:        man.getConfigString("mysql.password"),
			PasswordPath:    man.getConfigString("mysql.password_path"),
			Database:        man.getConfigString("mysql.database"),
			TLSCert:         man.getConfigString("mysql.tls_cert"),
			TLSKey:          man.getConfigString("mysql.tls_key"),
			TLSCA:           man.getConfigString("mysql.tls_ca"),
			TLSServerName:   man.getConfigString("mysql.tls_server_name"),
			TLSConfig:       man.getConfigString("mysql.tls_config"),
			MaxOpenConns:    man.getConfigInt("mysql.max_open_conns"),
			MaxIdleConns:    man.getConfigInt("mysql.max_idle_conns"),
			ConnMaxLifetime: man.getConfigInt("mysql.conn_max_lifetime"),
		},
		Server: ServerConfig{
			Address:    man.getConfigString("server.address"),
			Cert:       man.getConfigString("server.cert"),
			Key:        man.getConfigString("server.key"),
			TLS:        man.getConfigBool("server.tls"),
			TLSProfile: man.getConfigTLSProfile(),
			Keepalive:  man.getConfigBool("server.keepalive"),
		},
		Logging: LoggingConfig{
			Debug:          man.getConfigBool("logging.debug"),
			JSON:           man.getConfigBool("logging.json"),
			DisableBanner:  man.getConfigBool("logging.disable_banner"),
			TracingEnabled: man.getConfigBool("logging.tracing_enabled"),
			TracingType:    man.getConfigString("logging.tracing_type"),
		},
		Sentry: SentryConfig{
			Dsn: man.getConfigString("sentry.dsn"),
		},
		Prometheus: PrometheusConfig{
			BasicAuth: HTTPBasicAuthConfig{
				Username: man.getConfigString("prometheus.basic_auth.username"),
				Password: man.getConfigString("prometheus.basic_auth.password"),
				Disable:  man.getConfigBool("prometheus.basic_auth.disable"),
			},
		},
		MDM: MDMConfig{
			UpstreamURL:              man.getConfigString("mdm.upstream_url"),
			UpstreamTimeout:          man.getConfigDuration("mdm.upstream_timeout"),
			RelayManagement:          man.getConfigBool("mdm.relay_management"),
			CacheValidity:            man.getConfigDuration("mdm.cache_validity"),
			RenewalThreshold:         man.getConfigDuration("mdm.renewal_threshold"),
			RenewalInterval:          man.getConfigDuration("mdm.renewal_interval"),
			AuthorityRetention:       man.getConfigDuration("mdm.authority_retention"),
			AuthorityKeySize:         man.getConfigInt("mdm.authority_key_size"),
			AuthorityValidity:        man.getConfigDuration("mdm.authority_validity"),
			AuthorityCommonName:      man.getConfigString("mdm.authority_common_name"),
			AuthorityOrganization:    man.getConfigString("mdm.authority_organization"),
			PolicyMinKeyLength:       man.getConfigInt("mdm.policy_min_key_length"),
			PolicyHashAlgorithmOID:   man.getConfigString("mdm.policy_hash_algorithm_oid"),
			PolicyCertValidityPeriod: man.getConfigDuration("mdm.policy_cert_validity_period"),
			PolicyCertRenewalPeriod:  man.getConfigDuration("mdm.policy_cert_renewal_period"),
			RequireClientCert:        man.getConfigBool("mdm.require_client_cert"),
		},
	}
}

// IsSet determines whether a given config key has been explicitly set by any
// of the configuration sources. If false, the default value is being used.
func (man Manager) IsSet(key string) bool {
	return man.viper.IsSet(key)
}

// envNameFromConfigKey converts a config key into the corresponding
// environment variable name
func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.Replace(key, ".", "_", -1))
}

// flagNameFromConfigKey converts a config key into the corresponding flag name
func flagNameFromConfigKey(key string) string {
	return strings.Replace(key, ".", "_", -1)
}

// Manager manages the addition and retrieval of config values for the
// gateway configs. It's only public API method is LoadConfig, which will
// return the populated GatewayConfig struct.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra
// command. All config flags will be attached to that command (and inherited by
// the subcommands). Typically this should be called just once, with the root
// command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

// addDefault will check for duplication, then add a default value to the
// defaults map
func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("Trying to add duplicate config for key " + key)
	}

	man.defaults[key] = defVal
}

func getFlagUsage(key string, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

// getInterfaceVal is a helper function used by the getConfig* functions to
// retrieve the config value as interface{}, which will then be cast to the
// appropriate type by the getConfig* function.
func (man Manager) getInterfaceVal(key string) interface{} {
	interfaceVal := man.viper.Get(key)
	if interfaceVal == nil {
		var ok bool
		interfaceVal, ok = man.defaults[key]
		if !ok {
			panic("Tried to look up default value for nonexistent config option: " + key)
		}
	}
	return interfaceVal
}

func (man Manager) bindFlagAndEnv(key string) {
	man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key))) //nolint:errcheck
	man.viper.BindEnv(key, envNameFromConfigKey(key))                                          //nolint:errcheck
}

// addConfigString adds a string config to the config options
func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindFlagAndEnv(key)
	man.addDefault(key, defVal)
}

// getConfigString retrieves a string from the loaded config
func (man Manager) getConfigString(key string) string {
	interfaceVal := man.getInterfaceVal(key)
	stringVal, err := cast.ToStringE(interfaceVal)
	if err != nil {
		panic("Unable to cast to string for key " + key + ": " + err.Error())
	}

	return stringVal
}

// Custom handling for TLSProfile which can only accept specific values
// for the argument
func (man Manager) getConfigTLSProfile() string {
	ival := man.getInterfaceVal(TLSProfileKey)
	sval, err := cast.ToStringE(ival)
	if err != nil {
		panic(fmt.Sprintf("%s requires a string value: %s", TLSProfileKey, err.Error()))
	}
	switch sval {
	case TLSProfileModern, TLSProfileIntermediate:
	default:
		panic(fmt.Sprintf("%s must be one of %s or %s", TLSProfileKey,
			TLSProfileModern, TLSProfileIntermediate))
	}
	return sval
}

// addConfigInt adds a int config to the config options
func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindFlagAndEnv(key)
	man.addDefault(key, defVal)
}

// getConfigInt retrieves a int from the loaded config
func (man Manager) getConfigInt(key string) int {
	interfaceVal := man.getInterfaceVal(key)
	intVal, err := cast.ToIntE(interfaceVal)
	if err != nil {
		panic("Unable to cast to int for key " + key + ": " + err.Error())
	}

	return intVal
}

// addConfigBool adds a bool config to the config options
func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindFlagAndEnv(key)
	man.addDefault(key, defVal)
}

// getConfigBool retrieves a bool from the loaded config
func (man Manager) getConfigBool(key string) bool {
	interfaceVal := man.getInterfaceVal(key)
	boolVal, err := cast.ToBoolE(interfaceVal)
	if err != nil {
		panic("Unable to cast to bool for key " + key + ": " + err.Error())
	}

	return boolVal
}

// addConfigDuration adds a duration config to the config options
func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	man.bindFlagAndEnv(key)
	man.addDefault(key, defVal)
}

// getConfigDuration retrieves a duration from the loaded config
func (man Manager) getConfigDuration(key string) time.Duration {
	interfaceVal := man.getInterfaceVal(key)
	durationVal, err := cast.ToDurationE(interfaceVal)
	if err != nil {
		panic("Unable to cast to duration for key " + key + ": " + err.Error())
	}

	return durationVal
}

// loadConfigFile handles the loading of the config file.
func (man Manager) loadConfigFile() {
	man.viper.SetConfigType("yaml")

	configFlag := man.command.PersistentFlags().Lookup("config")
	if configFlag == nil {
		return
	}
	configFile := configFlag.Value.String()

	if configFile == "" {
		// No config file set, only use configs from env
		// vars/flags/defaults
		return
	}

	man.viper.SetConfigFile(configFile)
	err := man.viper.ReadInConfig()
	if err != nil {
		fmt.Println("Error loading config file:", err)
		os.Exit(1)
	}

	fmt.Println("Using config file: ", man.viper.ConfigFileUsed())
}

// TestConfig returns a barebones configuration suitable for use in tests.
// Individual tests may want to override some of the values provided.
func TestConfig() GatewayConfig {
	return GatewayConfig{
		Server: ServerConfig{
			Address:    "127.0.0.1:0",
			TLSProfile: TLSProfileIntermediate,
		},
		Logging: LoggingConfig{
			Debug:         true,
			DisableBanner: true,
		},
		MDM: MDMConfig{
			UpstreamURL:              "http://127.0.0.1:9999",
			UpstreamTimeout:          5 * time.Second,
			CacheValidity:            15 * time.Minute,
			RenewalThreshold:         15 * 24 * time.Hour,
			RenewalInterval:          time.Hour,
			AuthorityKeySize:         1024, // small keys keep tests fast
			AuthorityValidity:        30 * 24 * time.Hour,
			AuthorityCommonName:      "Test Device Authority",
			AuthorityOrganization:    "mdmgateway-test",
			PolicyMinKeyLength:       4096,
			PolicyHashAlgorithmOID:   "2.16.840.1.101.3.4.2.1",
			PolicyCertValidityPeriod: 365 * 24 * time.Hour,
			PolicyCertRenewalPeriod:  180 * 24 * time.Hour,
		},
	}
}
