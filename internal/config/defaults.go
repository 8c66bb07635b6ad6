package config

const (
	defaultNetwork          = "testnet"
	defaultListen           = "127.0.0.1"
	defaultPort             = 23456
	defaultTransport        = TransportTCP
	defaultTicketTTLSeconds = 3600
	defaultWalletsDir       = "~/.local/share/bssigner/wallets"
	defaultStateDir         = "~/.local/share/bssigner"
	defaultLogDir           = "~/.local/share/bssigner/logs"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30
	defaultReconnectSeconds = 5
	defaultSignerBinary     = "signer"
	defaultKeyWaitMillis    = 2500

	defaultNtfyTimeoutSeconds = 10
)

// Trezor's USB vendor ids (SatoshiLabs and the pid.codes range).
var defaultHardwareVendorIDs = []string{"534c", "1209"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Signer: Signer{
			Network:          defaultNetwork,
			Listen:           defaultListen,
			Port:             defaultPort,
			Transport:        defaultTransport,
			TicketRequired:   true,
			TicketTTLSeconds: defaultTicketTTLSeconds,
		},
		Paths: Paths{
			WalletsDir: defaultWalletsDir,
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
		},
		Terminal: Terminal{
			Host:             defaultListen,
			Port:             defaultPort,
			Network:          defaultNetwork,
			ReconnectSeconds: defaultReconnectSeconds,
			SignerBinary:     defaultSignerBinary,
			KeyWaitMillis:    defaultKeyWaitMillis,
		},
		Operator: Operator{
			NtfyTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Hardware: Hardware{
			VendorIDs: append([]string(nil), defaultHardwareVendorIDs...),
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
