package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultAppName          = "BeaconRelay"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultKeyPrefix        = "relay:v1:"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultLockTTL          = 120 * time.Second
	defaultLockRetryCount   = 20
	defaultLockRetryDelay   = 500 * time.Millisecond
	defaultSignTimeout      = 15 * time.Second
	defaultConfirmTimeout   = 60 * time.Second
	defaultConfirmPoll      = time.Second
	defaultNonceRetryCount  = 3
	defaultGasMultiplierPct = 120
	defaultCustodyRPS       = 10
	defaultCustodyBurst     = 5

	// DefaultMulticallAddress is the canonical Multicall3 deployment shared by most EVM chains.
	DefaultMulticallAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"

	// SignerBackendRemote delegates signing to the custody API.
	SignerBackendRemote = "remote"
	// SignerBackendLocal signs with in-process keys; meant for development chains.
	SignerBackendLocal = "local"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	RedisURL       string
	KeyPrefix      string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	RPCURL  string
	ChainID *big.Int

	Lock      LockConfig
	Submit    SubmitConfig
	Signer    SignerConfig
	Contracts ContractsConfig
}

// LockConfig holds the wallet lock parameters.
type LockConfig struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// SubmitConfig holds transaction submission bounds.
type SubmitConfig struct {
	SignTimeout          time.Duration
	ConfirmTimeout       time.Duration
	ConfirmPollInterval  time.Duration
	NonceRetryCount      int
	GasMultiplierPercent int
}

// SignerConfig selects and configures the signing backend.
type SignerConfig struct {
	Backend string

	CustodyBaseURL        string
	CustodyOrganizationID string
	CustodyAPIPublicKey   string
	CustodyAPIPrivateKey  string
	CustodyRateLimitRPS   float64
	CustodyRateLimitBurst int

	// LocalKeys maps a key reference to a hex encoded secp256k1 private key.
	LocalKeys map[string]string
}

// ContractsConfig lists the on-chain modules the operations talk to. Zero
// addresses mean "not configured".
type ContractsConfig struct {
	BeaconFactory common.Address
	PerpManager   common.Address
	USDC          common.Address
	Multicall     common.Address
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:   getEnv("APP_NAME", defaultAppName),
		AppEnv:    getEnv("APP_ENV", defaultAppEnv),
		Port:      getEnv("PORT", defaultPort),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		RedisURL:  os.Getenv("REDIS_URL"),
		KeyPrefix: getEnv("KEY_PREFIX", defaultKeyPrefix),
		RPCURL:    os.Getenv("RPC_URL"),
		Signer: SignerConfig{
			Backend:               strings.ToLower(getEnv("SIGNER_BACKEND", SignerBackendRemote)),
			CustodyBaseURL:        os.Getenv("CUSTODY_BASE_URL"),
			CustodyOrganizationID: os.Getenv("CUSTODY_ORGANIZATION_ID"),
			CustodyAPIPublicKey:   os.Getenv("CUSTODY_API_PUBLIC_KEY"),
			CustodyAPIPrivateKey:  os.Getenv("CUSTODY_API_PRIVATE_KEY"),
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Lock.TTL, err = durationEnv("LOCK_TTL", defaultLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.Lock.RetryDelay, err = durationEnv("LOCK_RETRY_DELAY", defaultLockRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.Lock.RetryCount, err = intEnv("LOCK_RETRY_COUNT", defaultLockRetryCount); err != nil {
		return Config{}, err
	}
	if cfg.Submit.SignTimeout, err = durationEnv("SIGN_TIMEOUT", defaultSignTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Submit.ConfirmTimeout, err = durationEnv("CONFIRM_TIMEOUT", defaultConfirmTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Submit.ConfirmPollInterval, err = durationEnv("CONFIRM_POLL_INTERVAL", defaultConfirmPoll); err != nil {
		return Config{}, err
	}
	if cfg.Submit.NonceRetryCount, err = intEnv("NONCE_RETRY_COUNT", defaultNonceRetryCount); err != nil {
		return Config{}, err
	}
	if cfg.Submit.GasMultiplierPercent, err = intEnv("GAS_LIMIT_MULTIPLIER_PERCENT", defaultGasMultiplierPct); err != nil {
		return Config{}, err
	}
	if cfg.Signer.CustodyRateLimitBurst, err = intEnv("CUSTODY_RATE_LIMIT_BURST", defaultCustodyBurst); err != nil {
		return Config{}, err
	}
	cfg.Signer.CustodyRateLimitRPS = defaultCustodyRPS
	if v := os.Getenv("CUSTODY_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CUSTODY_RATE_LIMIT_RPS: %w", err)
		}
		cfg.Signer.CustodyRateLimitRPS = rps
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok || id.Sign() <= 0 {
			return Config{}, fmt.Errorf("invalid CHAIN_ID %q", v)
		}
		cfg.ChainID = id
	}

	if cfg.Signer.LocalKeys, err = parseLocalKeys(os.Getenv("LOCAL_SIGNER_KEYS")); err != nil {
		return Config{}, err
	}

	if cfg.Contracts.BeaconFactory, err = addressEnv("BEACON_FACTORY_ADDRESS", ""); err != nil {
		return Config{}, err
	}
	if cfg.Contracts.PerpManager, err = addressEnv("PERP_MANAGER_ADDRESS", ""); err != nil {
		return Config{}, err
	}
	if cfg.Contracts.USDC, err = addressEnv("USDC_ADDRESS", ""); err != nil {
		return Config{}, err
	}
	if cfg.Contracts.Multicall, err = addressEnv("MULTICALL_ADDRESS", DefaultMulticallAddress); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is separate from Load so tests
// and embedders can construct a Config by hand.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL must be set")
	}
	if c.Lock.RetryCount <= 0 {
		return fmt.Errorf("LOCK_RETRY_COUNT must be positive")
	}
	// A crashed holder is only recovered by TTL expiry, so the lock has to
	// outlive a full sign + confirm cycle.
	if c.Lock.TTL <= c.Submit.SignTimeout+c.Submit.ConfirmTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must exceed SIGN_TIMEOUT + CONFIRM_TIMEOUT (%s)",
			c.Lock.TTL, c.Submit.SignTimeout+c.Submit.ConfirmTimeout)
	}
	if c.Submit.NonceRetryCount < 0 {
		return fmt.Errorf("NONCE_RETRY_COUNT must not be negative")
	}
	if c.Submit.GasMultiplierPercent < 100 {
		return fmt.Errorf("GAS_LIMIT_MULTIPLIER_PERCENT must be at least 100")
	}

	switch c.Signer.Backend {
	case SignerBackendRemote:
		if c.Signer.CustodyBaseURL == "" || c.Signer.CustodyOrganizationID == "" {
			return fmt.Errorf("CUSTODY_BASE_URL and CUSTODY_ORGANIZATION_ID must be set for the remote signer")
		}
		if c.Signer.CustodyAPIPublicKey == "" || c.Signer.CustodyAPIPrivateKey == "" {
			return fmt.Errorf("CUSTODY_API_PUBLIC_KEY and CUSTODY_API_PRIVATE_KEY must be set for the remote signer")
		}
	case SignerBackendLocal:
		if len(c.Signer.LocalKeys) == 0 {
			return fmt.Errorf("LOCAL_SIGNER_KEYS must be set for the local signer")
		}
	default:
		return fmt.Errorf("unknown SIGNER_BACKEND %q", c.Signer.Backend)
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the process runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads <name>_SECONDS as an integer first, then <name> as a Go duration.
func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	secondsVar := name + "_SECONDS"
	if v := os.Getenv(secondsVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsVar, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func addressEnv(name, fallback string) (common.Address, error) {
	v := getEnv(name, fallback)
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s: %q is not a hex address", name, v)
	}
	return common.HexToAddress(v), nil
}

// parseLocalKeys accepts "ref=hex,ref2=hex" or bare "hex,hex". Bare keys are
// referenced by their position ("local-0", "local-1", ...).
func parseLocalKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, key, found := strings.Cut(part, "=")
		if !found {
			ref, key = fmt.Sprintf("local-%d", i), part
		}
		ref, key = strings.TrimSpace(ref), strings.TrimPrefix(strings.TrimSpace(key), "0x")
		if len(key) != 64 {
			return nil, fmt.Errorf("invalid LOCAL_SIGNER_KEYS entry %q: expected 32-byte hex key", ref)
		}
		if _, dup := keys[ref]; dup {
			return nil, fmt.Errorf("duplicate LOCAL_SIGNER_KEYS reference %q", ref)
		}
		keys[ref] = key
	}
	return keys, nil
}
