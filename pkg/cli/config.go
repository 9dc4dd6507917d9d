/*
Package cli facilitates building command-line applications that run an OBD bridge session. It
defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package), environment variable equivalents and an optional YAML configuration file.

The package uses [keyring]'s platform-agnostic interface for storing the backend login token in an
OS-dependent credential store.

# Examples

	config, err := cli.NewConfig()
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the adapter, backend, token, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	if err := config.LoadFile(); err != nil {
		panic(err)
	}
	config.LoadCredentials()          // Prompt for Keyring password if needed

	bridge, err := config.Connect(handler)
	if err != nil {
		panic(err)
	}
	defer config.Close()
	defer bridge.Close()

Precedence is command-line flags, then environment variables, then the configuration file. Each
source only fills in fields the previous ones left empty.
*/
package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/autostars/obd-bridge/internal/log"
	"github.com/autostars/obd-bridge/pkg/backend"
	"github.com/autostars/obd-bridge/pkg/connector/ble"
	"github.com/autostars/obd-bridge/pkg/connector/ble/goble"
	"github.com/autostars/obd-bridge/pkg/connector/ble/tinygo"
	"github.com/autostars/obd-bridge/pkg/connector/inet"
	"github.com/autostars/obd-bridge/pkg/connector/socket"
	"github.com/autostars/obd-bridge/pkg/model"
	"github.com/autostars/obd-bridge/pkg/session"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvClientID         = "OBD_CLIENT_ID"
	EnvTokenName        = "OBD_TOKEN_NAME"
	EnvTokenFile        = "OBD_TOKEN_FILE"
	EnvConfigFile       = "OBD_CONFIG_FILE"
	EnvLogLevel         = "OBD_LOG_LEVEL"
	EnvBleBackend       = "OBD_BLE_BACKEND"
	EnvAdapterID        = "OBD_BT_ADAPTER"
	EnvBackendAddress   = "OBD_BACKEND_ADDRESS"
	EnvAPIBaseURL       = "OBD_API_URL"
	EnvKeyringType      = "OBD_KEYRING_TYPE"
	EnvKeyringPass      = "OBD_KEYRING_PASSWORD"
	EnvKeyringPath      = "OBD_KEYRING_PATH"
	EnvKeyringDebug     = "OBD_KEYRING_DEBUG"
	defaultUserAgentTag = "obd-bridge"
)

var (
	ErrNoTokenSpecified = errors.New("login token location not provided")
	ErrNoClientID       = errors.New("client id not provided and not derivable from the login token")
	ErrKeyNotFound      = keyring.ErrKeyNotFound
)

// ServiceList is used to translate service UUIDs provided at the command line into the BLE
// allow-list.
type ServiceList []string

// Set updates a ServiceList from a command-line argument. Comma-separated lists are accepted.
func (s *ServiceList) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		uuid := ble.NormalizeUUID(item)
		if uuid == "" {
			return fmt.Errorf("empty service UUID in '%s'", value)
		}
		for _, r := range uuid {
			if !strings.ContainsRune("0123456789abcdef-", r) {
				return fmt.Errorf("invalid service UUID '%s'", item)
			}
		}
		*s = append(*s, uuid)
	}
	return nil
}

func (s *ServiceList) String() string {
	return strings.Join(*s, ",")
}

// BleBackend selects the Bluetooth stack used to reach the adapter.
type BleBackend string

const (
	// BleBackendGoble talks to the HCI socket directly on Linux and CoreBluetooth on macOS.
	BleBackendGoble BleBackend = "goble"
	// BleBackendTinygo uses BlueZ over D-Bus on Linux, CoreBluetooth on macOS and WinRT on Windows.
	BleBackendTinygo BleBackend = "tinygo"
)

func (b *BleBackend) Set(value string) error {
	switch BleBackend(strings.ToLower(value)) {
	case BleBackendGoble:
		*b = BleBackendGoble
	case BleBackendTinygo:
		*b = BleBackendTinygo
	default:
		return fmt.Errorf("unknown BLE backend '%s'", value)
	}
	return nil
}

func (b *BleBackend) String() string {
	return string(*b)
}

// Config fields determine how the bridge reaches the adapter and authenticates to the backend.
type Config struct {
	ClientID         string // Overrides the client id derived from the login token.
	KeyringTokenName string // Username for login token in system keyring
	TokenFilename    string
	ConfigFilename   string
	LogLevel         string

	BleBackend BleBackend
	AdapterID  string
	Services   ServiceList
	// NotifyUUID and WriteUUID identify the adapter's characteristics for backends that cannot
	// report characteristic properties.
	NotifyUUID string
	WriteUUID  string

	BackendAddress   string
	APIBaseURL       string
	EventRetry       time.Duration
	PositionInterval time.Duration
	Reconnect        session.ReconnectPolicy

	Keyring     keyring.Config
	KeyringType keyringType
	Debug       bool // Enable keyring debug messages

	password *string
	token    string
	adapter  ble.Adapter
}

// fileConfig is the layout of the YAML configuration file.
type fileConfig struct {
	ClientID string `yaml:"client_id"`
	LogLevel string `yaml:"log_level"`
	Token    struct {
		File    string `yaml:"file"`
		Keyring string `yaml:"keyring"`
	} `yaml:"token"`
	Ble struct {
		Backend  string   `yaml:"backend"`
		Adapter  string   `yaml:"adapter"`
		Services []string `yaml:"services"`
		Notify   string   `yaml:"notify"`
		Write    string   `yaml:"write"`
	} `yaml:"ble"`
	Backend struct {
		Address          string        `yaml:"address"`
		APIURL           string        `yaml:"api_url"`
		EventRetry       time.Duration `yaml:"event_retry"`
		PositionInterval time.Duration `yaml:"position_interval"`
	} `yaml:"backend"`
	Reconnect *session.ReconnectPolicy `yaml:"reconnect"`
}

func NewConfig() (*Config, error) {
	c := Config{
		Keyring: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.KeyringType = keyringType{&c}
	c.Keyring.KeychainPasswordFunc = c.getPassword
	c.Keyring.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags adds c's flags to the process-wide flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFilename, "config", "", "YAML configuration `file`. Defaults to $OBD_CONFIG_FILE.")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warn|info|debug). Defaults to $OBD_LOG_LEVEL.")
	fs.StringVar(&c.ClientID, "client-id", "", "Backend client `id`. Defaults to $OBD_CLIENT_ID or the login token's subject.")
	fs.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for login token. Defaults to $OBD_TOKEN_NAME.")
	fs.StringVar(&c.TokenFilename, "token-file", "", "`File` containing login token. Defaults to $OBD_TOKEN_FILE.")

	fs.Var(&c.BleBackend, "ble-backend", "Bluetooth `stack` (goble|tinygo). Defaults to $OBD_BLE_BACKEND or goble.")
	fs.Var(&c.Services, "service", "Advertised service `UUID` to connect to (can be repeated). Defaults to "+ble.DefaultServiceUUID+".")
	fs.StringVar(&c.NotifyUUID, "notify-char", "", "Notify characteristic `UUID` (tinygo backend only)")
	fs.StringVar(&c.WriteUUID, "write-char", "", "Write characteristic `UUID` (tinygo backend only)")

	fs.StringVar(&c.BackendAddress, "backend", "", "Relay socket `host:port`. Defaults to $OBD_BACKEND_ADDRESS or "+socket.DefaultAddress+".")
	fs.StringVar(&c.APIBaseURL, "api-url", "", "Backend REST `url`. Defaults to $OBD_API_URL or "+inet.DefaultBaseURL+".")
	fs.DurationVar(&c.EventRetry, "event-retry", 0, "Initial event stream reconnect `delay`")
	fs.DurationVar(&c.PositionInterval, "position-interval", 0, "Minimum `interval` between position reports")
	fs.DurationVar(&c.Reconnect.Delay, "reconnect-delay", 0, "Pause before the first reconnect attempt; doubles on consecutive failures")
	fs.DurationVar(&c.Reconnect.MaxDelay, "reconnect-max-delay", 0, "Upper bound for the reconnect pause")
	fs.IntVar(&c.Reconnect.MaxAttempts, "reconnect-attempts", 0, "Give up after this many consecutive failures (0 retries forever)")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	fs.Var(&c.KeyringType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $OBD_KEYRING_TYPE.")
	fs.StringVar(&c.Keyring.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
	fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")

	c.registerFlagsOsSpecific(fs)
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	setFromEnv(&c.ConfigFilename, EnvConfigFile, "config file")
	setFromEnv(&c.LogLevel, EnvLogLevel, "log level")
	setFromEnv(&c.ClientID, EnvClientID, "client id")
	if c.KeyringTokenName == "" && c.TokenFilename == "" {
		setFromEnv(&c.KeyringTokenName, EnvTokenName, "token name")
		setFromEnv(&c.TokenFilename, EnvTokenFile, "token file")
	}
	if c.BleBackend == "" {
		if value := os.Getenv(EnvBleBackend); value != "" {
			if err := c.BleBackend.Set(value); err != nil {
				log.Warning("Ignoring $%s: %s", EnvBleBackend, err)
			} else {
				log.Debug("Set BLE backend to '%s'", c.BleBackend)
			}
		}
	}
	setFromEnv(&c.AdapterID, EnvAdapterID, "bluetooth adapter")
	setFromEnv(&c.BackendAddress, EnvBackendAddress, "backend address")
	setFromEnv(&c.APIBaseURL, EnvAPIBaseURL, "API base URL")

	if c.KeyringType.String() == string(keyring.InvalidBackend) {
		if err := c.KeyringType.Set(os.Getenv(EnvKeyringType)); err == nil {
			log.Debug("Set keyring type to '%s'", c.KeyringType)
		}
	}
	if c.password == nil {
		password := os.Getenv(EnvKeyringPass)
		c.password = &password
		if len(password) > 0 {
			log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
		}
	}
	if c.Keyring.FileDir == "" {
		setFromEnv(&c.Keyring.FileDir, EnvKeyringPath, "keyring File Path")
	}
	if !c.Debug {
		_, c.Debug = os.LookupEnv(EnvKeyringDebug)
		log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
	}
}

func setFromEnv(field *string, name, description string) {
	if *field != "" {
		return
	}
	if value, ok := os.LookupEnv(name); ok {
		*field = value
		log.Debug("Set %s to '%s'", description, value)
	}
}

// LoadFile reads c.ConfigFilename, if set, and fills in fields that are still empty. The log level
// is applied afterwards.
func (c *Config) LoadFile() error {
	if c.ConfigFilename != "" {
		if err := c.loadFile(c.ConfigFilename); err != nil {
			return err
		}
	}
	return c.applyLogLevel()
}

func (c *Config) loadFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open configuration: %w", err)
	}
	defer f.Close()

	var file fileConfig
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return fmt.Errorf("failed to parse configuration %s: %w", filename, err)
	}
	log.Debug("Loaded configuration from %s", filename)

	fill(&c.ClientID, file.ClientID)
	fill(&c.LogLevel, file.LogLevel)
	if c.KeyringTokenName == "" && c.TokenFilename == "" {
		fill(&c.KeyringTokenName, file.Token.Keyring)
		fill(&c.TokenFilename, file.Token.File)
	}
	if c.BleBackend == "" && file.Ble.Backend != "" {
		if err := c.BleBackend.Set(file.Ble.Backend); err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}
	}
	fill(&c.AdapterID, file.Ble.Adapter)
	if len(c.Services) == 0 {
		for _, uuid := range file.Ble.Services {
			if err := c.Services.Set(uuid); err != nil {
				return fmt.Errorf("%s: %w", filename, err)
			}
		}
	}
	fill(&c.NotifyUUID, file.Ble.Notify)
	fill(&c.WriteUUID, file.Ble.Write)
	fill(&c.BackendAddress, file.Backend.Address)
	fill(&c.APIBaseURL, file.Backend.APIURL)
	if c.EventRetry == 0 {
		c.EventRetry = file.Backend.EventRetry
	}
	if c.PositionInterval == 0 {
		c.PositionInterval = file.Backend.PositionInterval
	}
	if c.Reconnect == (session.ReconnectPolicy{}) && file.Reconnect != nil {
		c.Reconnect = *file.Reconnect
	}
	return nil
}

func fill(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func (c *Config) applyLogLevel() error {
	if c.LogLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// LoadCredentials attempts to load the login token, prompting for a keyring password if needed.
// Call this method before [Config.Connect] to prevent interactive prompts from racing the session.
func (c *Config) LoadCredentials() error {
	if _, err := c.Token(); err != nil && err != ErrNoTokenSpecified {
		return err
	}
	return nil
}

// Token returns the login token from c.TokenFilename or, if the file does not exist, the system
// keyring. The token is cached after it is first loaded.
func (c *Config) Token() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	if c.TokenFilename != "" {
		token, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			c.token = strings.TrimSpace(string(token))
			return c.token, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		// If the token file doesn't exist, fall through to trying to load from the system keyring.
	}
	if c.KeyringTokenName == "" {
		return "", ErrNoTokenSpecified
	}
	var err error
	c.token, err = c.LoadTokenFromKeyring()
	return c.token, err
}

// SaveToken writes token to the system keyring or file, depending on what options are configured.
// The method prefers the keyring if both options are available.
func (c *Config) SaveToken(token string) error {
	if c.KeyringTokenName != "" {
		return c.SaveTokenToKeyring(token)
	}
	if c.TokenFilename != "" {
		return os.WriteFile(c.TokenFilename, []byte(token+"\n"), 0600)
	}
	return ErrNoTokenSpecified
}

// ForgetToken removes the login token from the system keyring or file, using the same preference
// as [Config.SaveToken].
func (c *Config) ForgetToken() error {
	c.token = ""
	if c.KeyringTokenName != "" {
		return c.DeleteToken()
	}
	if c.TokenFilename != "" {
		return os.Remove(c.TokenFilename)
	}
	return ErrNoTokenSpecified
}

// Login builds the credential sent on the relay socket. The token, if any, travels in the payload.
// Without an explicit ClientID the client id is the token's "sub" claim, or the token itself if it
// is not a JWT.
func (c *Config) Login() (model.Login, error) {
	token, err := c.Token()
	if err != nil && err != ErrNoTokenSpecified {
		return model.Login{}, err
	}

	clientID := c.ClientID
	if clientID == "" && token != "" {
		clientID = clientIDFromToken(token)
	}
	if clientID == "" {
		return model.Login{}, ErrNoClientID
	}

	login := model.NewLogin(clientID)
	if token != "" {
		payload, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return model.Login{}, err
		}
		login.Payload = payload
	}
	return login, nil
}

// clientIDFromToken reads the subject of a JWT without verifying it. Verification happens on the
// backend.
func clientIDFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Debug("Login token is not a JWT (%s), using it as client id", err)
		return token
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		log.Debug("Login token has no subject, using it as client id")
		return token
	}
	return subject
}

// Adapter opens the configured Bluetooth controller. The adapter is reused by later calls and
// released by [Config.Close].
func (c *Config) Adapter() (ble.Adapter, error) {
	if c.adapter != nil {
		return c.adapter, nil
	}
	var err error
	switch c.BleBackend {
	case BleBackendTinygo:
		log.Debug("Opening Bluetooth adapter '%s' with tinygo", c.AdapterID)
		c.adapter, err = tinygo.NewAdapter(c.AdapterID, tinygo.Roles{Notify: c.NotifyUUID, Write: c.WriteUUID})
		if err != nil && tinygo.IsAdapterError(err) {
			return nil, fmt.Errorf("%w: %s", err, tinygo.AdapterErrorHelpMessage(err))
		}
	default:
		log.Debug("Opening Bluetooth adapter '%s' with go-ble", c.AdapterID)
		c.adapter, err = goble.NewAdapter(c.AdapterID)
	}
	if err != nil {
		return nil, err
	}
	return c.adapter, nil
}

// BackendConfig returns the backend link configuration described by c.
func (c *Config) BackendConfig() (backend.Config, error) {
	token, err := c.Token()
	if err != nil && err != ErrNoTokenSpecified {
		return backend.Config{}, err
	}
	config := backend.Config{
		Socket: socket.Config{Address: c.BackendAddress},
		API: inet.Config{
			BaseURL:   c.APIBaseURL,
			UserAgent: defaultUserAgentTag,
		},
		EventRetry:       c.EventRetry,
		PositionInterval: c.PositionInterval,
	}
	if token != "" {
		config.API.AuthHeader = "Bearer " + token
	}
	return config, nil
}

// Links returns the production link factory described by c.
func (c *Config) Links() (session.Links, error) {
	adapter, err := c.Adapter()
	if err != nil {
		return session.Links{}, err
	}
	backendConfig, err := c.BackendConfig()
	if err != nil {
		return session.Links{}, err
	}
	services := []string(c.Services)
	if len(services) == 0 {
		services = []string{ble.DefaultServiceUUID}
	}
	return session.Links{
		Adapter: adapter,
		Ble:     ble.Config{Services: services},
		Backend: backendConfig,
	}, nil
}

// Connect builds an orchestrator from c and starts a session. The caller owns the returned
// orchestrator and must Close it, then call [Config.Close].
func (c *Config) Connect(handler session.Handler) (*session.Orchestrator, error) {
	login, err := c.Login()
	if err != nil {
		return nil, err
	}
	links, err := c.Links()
	if err != nil {
		return nil, err
	}
	bridge, err := session.New(links, handler, c.Reconnect)
	if err != nil {
		return nil, err
	}
	log.Info("Scanning for adapter advertising %s...", strings.Join(links.Ble.Services, ","))
	if err := bridge.Connect(login); err != nil {
		bridge.Close()
		return nil, err
	}
	return bridge, nil
}

// Close releases the Bluetooth adapter opened by c.
func (c *Config) Close() {
	if c.adapter != nil {
		if err := c.adapter.Close(); err != nil {
			log.Warning("Error closing Bluetooth adapter: %s", err)
		}
		c.adapter = nil
	}
}
