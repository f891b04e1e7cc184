// Package config loads the hub configuration from config.json with
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Host               string `json:"host" mapstructure:"host" validate:"required_if=Enabled true"`
	Port               uint64 `json:"port" mapstructure:"port" validate:"required_if=Enabled true,lte=65535"`
	Username           string `json:"username" mapstructure:"username"`
	Password           string `json:"password" mapstructure:"password"`
	Database           string `json:"database" mapstructure:"database" validate:"required_if=Enabled true"`
	UseTLS             bool   `json:"use_tls" mapstructure:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" mapstructure:"connect_timeout" validate:"omitempty,duration"`
	SocketTimeout      string `json:"socket_timeout" mapstructure:"socket_timeout" validate:"omitempty,duration"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" mapstructure:"connect_idle_timeout" validate:"omitempty,duration"`
	OperationTimeout   string `json:"operation_timeout" mapstructure:"operation_timeout" validate:"omitempty,duration"`
	Heartbeat          string `json:"heartbeat" mapstructure:"heartbeat" validate:"omitempty,duration"`
	MinPoolSize        uint64 `json:"min_pool_size" mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" mapstructure:"max_pool_size" validate:"gtefield=MinPoolSize"`
}

type DeviceConfig struct {
	Transport   string `json:"transport" mapstructure:"transport" validate:"oneof=http serial relay"`
	Address     string `json:"address" mapstructure:"address" validate:"required_if=Transport http"`
	SerialPort  string `json:"serial_port" mapstructure:"serial_port" validate:"required_if=Transport serial"`
	BaudRate    int    `json:"baud_rate" mapstructure:"baud_rate" validate:"gt=0"`
	Timeout     string `json:"timeout" mapstructure:"timeout" validate:"required,duration"`
	// Settle is the wait after opening a serial port, while the board reboots.
	Settle      string `json:"settle" mapstructure:"settle" validate:"omitempty,duration"`
	AutoConnect bool   `json:"auto_connect" mapstructure:"auto_connect"`
}

type RelayConfig struct {
	Listen         string `json:"listen" mapstructure:"listen" validate:"required"`
	Path           string `json:"path" mapstructure:"path" validate:"required,startswith=/"`
	MaxConnections int    `json:"max_connections" mapstructure:"max_connections" validate:"gt=0"`
	DeviceTag      string `json:"device_tag" mapstructure:"device_tag" validate:"required"`
	Fanout         int    `json:"fanout" mapstructure:"fanout" validate:"gt=0"`
	WriteTimeout   string `json:"write_timeout" mapstructure:"write_timeout" validate:"omitempty,duration"`
	ReadTimeout    string `json:"read_timeout" mapstructure:"read_timeout" validate:"omitempty,duration"`
}

type APIConfig struct {
	Listen         string `json:"listen" mapstructure:"listen" validate:"required"`
	DisableReqLogs bool   `json:"disable_req_logs" mapstructure:"disable_req_logs"`
}

type Config struct {
	Database  DatabaseConfig `json:"database" mapstructure:"database"`
	Device    DeviceConfig   `json:"device" mapstructure:"device"`
	Relay     RelayConfig    `json:"relay" mapstructure:"relay"`
	API       APIConfig      `json:"api" mapstructure:"api"`
	DebugMode bool           `json:"debug_mode" mapstructure:"debug_mode"`
	AppName   string         `json:"app_name" mapstructure:"app_name" validate:"required"`
	LogPath   string         `json:"log_path" mapstructure:"log_path"`
}

const envPrefix = "DEVICEHUB"

// FilePath is the location of the configuration file.
var FilePath = "config.json"

var (
	config      Config
	initialized = false
	mu          sync.Mutex
	validate    = newValidator()
)

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// positiveDuration accepts the forms the runtime parser does: "500ms", "5s",
// "1d" or anything time.ParseDuration reads. Zero is rejected.
func positiveDuration(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, u := range durationUnits {
		number, found := strings.CutSuffix(value, u.suffix)
		if !found {
			continue
		}
		if n, err := strconv.Atoi(number); err == nil {
			return n > 0
		}
		break
	}
	d, err := time.ParseDuration(value)
	return err == nil && d > 0
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		return positiveDuration(fl.Field().String())
	})
	return v
}

// Default returns the configuration written to disk on first run.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Enabled:            false,
			Host:               "localhost",
			Port:               27017,
			Database:           "device_hub",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        10,
		},
		Device: DeviceConfig{
			Transport:  "http",
			Address:    "192.168.1.100",
			SerialPort: "/dev/ttyUSB0",
			BaudRate:   9600,
			Timeout:    "5s",
			Settle:     "2s",
		},
		Relay: RelayConfig{
			Listen:         ":8765",
			Path:           "/ws",
			MaxConnections: 1024,
			DeviceTag:      "esp8266",
			Fanout:         32,
			WriteTimeout:   "5s",
			ReadTimeout:    "60s",
		},
		API: APIConfig{
			Listen: ":8080",
		},
		AppName: "device-hub",
		LogPath: "logs",
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) error {
	data, err := json.Marshal(Default())
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			if child, ok := value.(map[string]any); ok {
				walk(prefix+key+".", child)
				continue
			}
			v.SetDefault(prefix+key, value)
		}
	}
	walk("", tree)
	return nil
}

func writeTemplate() {
	data, _ := json.MarshalIndent(Default(), "", "\t")
	_ = os.WriteFile(FilePath, data, 0644)
}

func ReadConfig() (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(FilePath); err != nil {
		writeTemplate()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	v := viper.New()
	v.SetConfigFile(FilePath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v); err != nil {
		return config, fmt.Errorf("unable to register config defaults: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return config, fmt.Errorf("unable to decode configuration: %w", err)
	}

	if err := validate.Struct(loaded); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	ok := initialized
	mu.Unlock()
	if ok {
		return config, nil
	}
	return ReadConfig()
}
