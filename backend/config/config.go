package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const envPrefix = "RELAYCHAT_"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type (
	Config struct {
		Root   RootConfig
		Limits Limits
		Rooms  RoomConfig

		APIListenAddr string
		LogLevel      string
	}

	RootConfig struct {
		ListenAddr string
		// Port is advertised in the root pseudo-room record.
		Port int
	}

	Limits struct {
		// MaxRoomsOnline is also the capacity of the port bucket table.
		MaxRoomsOnline   int
		MaxGlobalClients int
		// MaxRoomMembers is the ceiling requested room sizes are clamped to.
		MaxRoomMembers    int
		DefaultMaxClients int
		MinAliasLength    int
		MaxAliasLength    int
		MaxHandleLength   int
		MaxMessageLength  int
	}

	RoomConfig struct {
		// Host is the interface room listeners bind to.
		Host            string
		ShutdownGrace   time.Duration
		WriteTimeout    time.Duration
		PrivateRoomPort int
		PMAnswerTimeout time.Duration
		Obfuscate       bool
	}
)

func DefaultConfig() *Config {
	return &Config{
		Root: RootConfig{
			ListenAddr: ":5022",
			Port:       5022,
		},
		Limits: Limits{
			MaxRoomsOnline:    100,
			MaxGlobalClients:  1000,
			MaxRoomMembers:    50,
			DefaultMaxClients: 10,
			MinAliasLength:    1,
			MaxAliasLength:    32,
			MaxHandleLength:   32,
			MaxMessageLength:  512,
		},
		Rooms: RoomConfig{
			Host:            "",
			ShutdownGrace:   time.Second,
			WriteTimeout:    5 * time.Second,
			PrivateRoomPort: 5023,
			PMAnswerTimeout: 30 * time.Second,
		},
		APIListenAddr: ":8080",
		LogLevel:      "info",
	}
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Root.ListenAddr != "", "root listen address cannot be empty")
	check(c.Root.Port > 0 && c.Root.Port <= 65535, "root port must be between 1 and 65535")
	check(c.Limits.MaxRoomsOnline > 0, "max rooms online must be positive")
	check(c.Limits.MaxGlobalClients > 0, "max global clients must be positive")
	check(c.Limits.MaxRoomMembers > 0, "max room members must be positive")
	check(c.Limits.DefaultMaxClients > 0 && c.Limits.DefaultMaxClients <= c.Limits.MaxRoomMembers,
		"default max clients must be between 1 and %d", c.Limits.MaxRoomMembers)
	check(c.Limits.MinAliasLength > 0, "min alias length must be positive")
	check(c.Limits.MaxAliasLength >= c.Limits.MinAliasLength, "max alias length must not be below min alias length")
	check(c.Limits.MaxHandleLength > 0, "max handle length must be positive")
	check(c.Limits.MaxMessageLength > 0, "max message length must be positive")
	check(c.Rooms.ShutdownGrace >= 0, "room shutdown grace cannot be negative")
	check(c.Rooms.WriteTimeout > 0, "room write timeout must be positive")
	check(c.Rooms.PrivateRoomPort > 0 && c.Rooms.PrivateRoomPort <= 65535,
		"private room port must be between 1 and 65535")
	check(c.Rooms.PMAnswerTimeout > 0, "private message answer timeout must be positive")

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// LoadFromEnv overrides fields of c from RELAYCHAT_* variables.
// Unparsable values are ignored.
func (c *Config) LoadFromEnv() {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("ROOT_LISTEN_ADDR", &c.Root.ListenAddr)
	num("ROOT_PORT", &c.Root.Port)
	str("API_LISTEN_ADDR", &c.APIListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("ROOM_HOST", &c.Rooms.Host)

	num("MAX_ROOMS_ONLINE", &c.Limits.MaxRoomsOnline)
	num("MAX_GLOBAL_CLIENTS", &c.Limits.MaxGlobalClients)
	num("MAX_ROOM_MEMBERS", &c.Limits.MaxRoomMembers)
	num("DEFAULT_MAX_CLIENTS", &c.Limits.DefaultMaxClients)
	num("MIN_ALIAS_LENGTH", &c.Limits.MinAliasLength)
	num("MAX_ALIAS_LENGTH", &c.Limits.MaxAliasLength)
	num("MAX_HANDLE_LENGTH", &c.Limits.MaxHandleLength)
	num("MAX_MESSAGE_LENGTH", &c.Limits.MaxMessageLength)
	num("PRIVATE_ROOM_PORT", &c.Rooms.PrivateRoomPort)

	dur("ROOM_SHUTDOWN_GRACE", &c.Rooms.ShutdownGrace)
	dur("ROOM_WRITE_TIMEOUT", &c.Rooms.WriteTimeout)
	dur("PM_ANSWER_TIMEOUT", &c.Rooms.PMAnswerTimeout)

	if v := os.Getenv(envPrefix + "OBFUSCATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Rooms.Obfuscate = b
		}
	}
}

// RegisterFlags binds command line flags to c. Values already in c
// become the flag defaults, so flags override env which overrides defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Root.ListenAddr, "root-listen-addr", "r", c.Root.ListenAddr, "root server listen address")
	fs.IntVar(&c.Root.Port, "root-port", c.Root.Port, "root port advertised to clients")
	fs.StringVarP(&c.APIListenAddr, "api-listen-addr", "a", c.APIListenAddr, "directory api listen address")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "log level")
	fs.StringVar(&c.Rooms.Host, "room-host", c.Rooms.Host, "interface room listeners bind to")

	fs.IntVar(&c.Limits.MaxRoomsOnline, "max-rooms", c.Limits.MaxRoomsOnline, "max rooms online (port bucket capacity)")
	fs.IntVar(&c.Limits.MaxGlobalClients, "max-clients", c.Limits.MaxGlobalClients, "max clients connected to the root")
	fs.IntVar(&c.Limits.MaxRoomMembers, "max-room-members", c.Limits.MaxRoomMembers, "ceiling for room sizes")
	fs.IntVar(&c.Limits.DefaultMaxClients, "default-room-members", c.Limits.DefaultMaxClients, "room size when none is requested")
	fs.IntVar(&c.Limits.MinAliasLength, "min-alias-length", c.Limits.MinAliasLength, "min room alias length")
	fs.IntVar(&c.Limits.MaxAliasLength, "max-alias-length", c.Limits.MaxAliasLength, "max room alias length")
	fs.IntVar(&c.Limits.MaxHandleLength, "max-handle-length", c.Limits.MaxHandleLength, "max client handle length")
	fs.IntVar(&c.Limits.MaxMessageLength, "max-message-length", c.Limits.MaxMessageLength, "max chat message length in bytes")

	fs.DurationVar(&c.Rooms.ShutdownGrace, "room-shutdown-grace", c.Rooms.ShutdownGrace, "time members get to read the shutdown notice")
	fs.DurationVar(&c.Rooms.WriteTimeout, "write-timeout", c.Rooms.WriteTimeout, "per record write deadline")
	fs.IntVar(&c.Rooms.PrivateRoomPort, "private-room-port", c.Rooms.PrivateRoomPort, "default port of private message rooms")
	fs.DurationVar(&c.Rooms.PMAnswerTimeout, "pm-answer-timeout", c.Rooms.PMAnswerTimeout, "how long to wait for a private message answer")
	fs.BoolVar(&c.Rooms.Obfuscate, "obfuscate", c.Rooms.Obfuscate, "xor chat text relayed by rooms (not encryption)")
}

// Load builds the config from defaults, environment and args.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	fs := pflag.NewFlagSet("relaychat", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
