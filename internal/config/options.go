package config

import (
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Options are the broker command line flags; every flag can also come from the
// environment or a .env file in the working directory.
type Options struct {
	ConfigPath string `short:"c" long:"config" env:"CHSK_CONFIG" default:"config.json" description:"Path to the JSON configuration file"`
	Addr       string `long:"addr" env:"CHSK_ADDR" description:"Override server.addr"`
	AdminAddr  string `long:"admin-addr" env:"CHSK_ADMIN_ADDR" description:"Override server.admin_addr"`
	LogDir     string `long:"log-dir" env:"CHSK_LOG_DIR" description:"Override log.dir"`
	Debug      bool   `long:"debug" env:"CHSK_DEBUG" description:"Enable verbose debug output"`
	Watch      bool   `long:"watch" env:"CHSK_WATCH" description:"Reload channel presets when the config file changes"`
}

func ParseOptions(args []string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Apply overlays command line overrides onto cfg.
func (o Options) Apply(cfg *Config) {
	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.AdminAddr != "" {
		cfg.Server.AdminAddr = o.AdminAddr
	}
	if o.LogDir != "" {
		cfg.Log.Dir = o.LogDir
	}
	if o.Debug {
		cfg.DebugMode = true
	}
}
