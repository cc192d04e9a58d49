package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to smopd.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Port on which the SMOP server will listen.
	Port int `mapstructure:"port"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Server struct {
		// Name reported to clients in the handshake reply.
		Name string `mapstructure:"name"`
		// Message of the day sent to clients after a successful login.
		MOTD string `mapstructure:"motd"`
		// SMOP protocol version reported in the handshake reply.
		Version int `mapstructure:"version"`
		// Value added to every server-originated command byte. Clients
		// expect 128 unless they've been rebuilt to match.
		Offset int `mapstructure:"offset"`
		// Ticks per second for each connection's update loop.
		TickRate int `mapstructure:"tick_rate"`
		// Disconnect a client whose socket stays silent this long, in
		// milliseconds. Should comfortably exceed the keepalive interval.
		ReadTimeout int `mapstructure:"read_timeout"`
		// Whether unknown accounts are registered on first login.
		AllowRegistration bool `mapstructure:"allow_registration"`
	} `mapstructure:"server"`

	Game struct {
		// Cap on the member count reported in roster packets.
		MaxPlayersPerRoom int `mapstructure:"max_players_per_room"`
		// A full combo upgrades any grade at or below A to AA.
		FullComboIsAA bool `mapstructure:"full_combo_is_aa"`
	} `mapstructure:"game"`

	Database struct {
		// Engine is either "postgres" or "sqlite".
		Engine string `mapstructure:"engine"`
		// Filename of the sqlite database (sqlite engine only).
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database for smopd.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to the database.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
		// Enable database-level query logging.
		LoggingEnabled bool `mapstructure:"logging_enabled"`
	} `mapstructure:"database"`
}

const envVarPrefix = "SMOPD"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: SMOPD_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("max_connections", 1000)
	viper.SetDefault("server.name", "smopd")
	viper.SetDefault("server.version", 128)
	viper.SetDefault("server.offset", 128)
	viper.SetDefault("server.tick_rate", 20)
	viper.SetDefault("server.read_timeout", 30000)
	viper.SetDefault("game.max_players_per_room", 255)
	viper.SetDefault("database.engine", "sqlite")
	viper.SetDefault("database.filename", "smopd.db")
	viper.SetDefault("database.sslmode", "disable")
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a Postgres connection URL generated from the
// provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// ListenAddress returns the full address on which the server accepts clients.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
