package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config provides the system configuration.
type Config struct {
	Debug bool `envconfig:"CHRONOTAIL_DEBUG"`
	Trace bool `envconfig:"CHRONOTAIL_TRACE"`

	Remote struct {
		Endpoint   string `envconfig:"CHRONOTAIL_REMOTE_ENDPOINT" default:"http://localhost:8079"`
		AccountID  string `envconfig:"CHRONOTAIL_ACCOUNT_ID"`
		Token      string `envconfig:"CHRONOTAIL_TOKEN"`
		SkipVerify bool   `envconfig:"CHRONOTAIL_SKIP_VERIFY"`
	}

	Server struct {
		Bind     string `envconfig:"CHRONOTAIL_HTTP_BIND" default:":9190"`
		CertFile string `envconfig:"CHRONOTAIL_CERT_FILE"` // Server certificate PEM file
		KeyFile  string `envconfig:"CHRONOTAIL_KEY_FILE"`  // Server key PEM file
		CAFile   string `envconfig:"CHRONOTAIL_CA_FILE"`   // CA certificate file
	}

	Buffer struct {
		Capacity int `envconfig:"CHRONOTAIL_BUFFER_CAPACITY" default:"10000"`
		PageSize int `envconfig:"CHRONOTAIL_PAGE_SIZE" default:"100"`
		Tail     int `envconfig:"CHRONOTAIL_TAIL" default:"500"`
	}

	Reconnect struct {
		BaseDelay   time.Duration `envconfig:"CHRONOTAIL_RECONNECT_BASE_DELAY" default:"2s"`
		MaxDelay    time.Duration `envconfig:"CHRONOTAIL_RECONNECT_MAX_DELAY" default:"30s"`
		MaxAttempts int           `envconfig:"CHRONOTAIL_RECONNECT_MAX_ATTEMPTS" default:"10"`
	}
}

// Load loads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}
	err := envconfig.Process("", &cfg)
	return cfg, err
}
