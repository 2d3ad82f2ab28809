package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yml. Everything tunable lives under "production"
// so the same file shape can carry staging overrides later.
type Config struct {
	Production struct {
		Server struct {
			APIPort       int      `yaml:"api_port"`
			SocketPort    int      `yaml:"socket_port"`
			JWTSecret     string   `yaml:"jwt_secret"`
			SettleAllowed []string `yaml:"settle_allowed_ips"`
		} `yaml:"server"`
		Postgres struct {
			Connection struct {
				Host     string `yaml:"host"`
				User     string `yaml:"username"`
				Password string `yaml:"password"`
				DBName   string `yaml:"database"`
				Port     int    `yaml:"port"`
			} `yaml:"connection"`
		} `yaml:"postgres"`
		Game Game `yaml:"game"`
	} `yaml:"production"`
}

// Game holds the betting-window and house-edge tunables.
type Game struct {
	BettingCutoffSeconds int     `yaml:"betting_cutoff_seconds"`
	SingleStakeLimit     float64 `yaml:"single_stake_limit"`
	StreakLength         int     `yaml:"streak_length"`
	Payouts              struct {
		Number   float64 `yaml:"number"`
		Color    float64 `yaml:"color"`
		Violet   float64 `yaml:"violet"`
		BigSmall float64 `yaml:"bigsmall"`
	} `yaml:"payouts"`
}

// Cutoff is the no-more-bets window before a round's end time.
func (g Game) Cutoff() time.Duration {
	return time.Duration(g.BettingCutoffSeconds) * time.Second
}

// Load reads and validates the yaml config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	p := &cfg.Production
	if p.Server.APIPort == 0 {
		p.Server.APIPort = 3007
	}
	if p.Server.SocketPort == 0 {
		p.Server.SocketPort = 3006
	}
	if len(p.Server.SettleAllowed) == 0 {
		p.Server.SettleAllowed = []string{"127.0.0.1"}
	}
	if p.Game.BettingCutoffSeconds == 0 {
		p.Game.BettingCutoffSeconds = 5
	}
	if p.Game.SingleStakeLimit == 0 {
		p.Game.SingleStakeLimit = 500
	}
	if p.Game.StreakLength == 0 {
		p.Game.StreakLength = 3
	}
	if p.Game.Payouts.Number == 0 {
		p.Game.Payouts.Number = 8.9
	}
	if p.Game.Payouts.Color == 0 {
		p.Game.Payouts.Color = 2.0
	}
	if p.Game.Payouts.Violet == 0 {
		p.Game.Payouts.Violet = 4.5
	}
	if p.Game.Payouts.BigSmall == 0 {
		p.Game.Payouts.BigSmall = 2.0
	}
}

// DSN builds the pgx connection string.
func (c *Config) DSN() string {
	conn := c.Production.Postgres.Connection
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&pool_max_conns=50&pool_min_conns=5",
		conn.User, conn.Password, conn.Host, conn.Port, conn.DBName)
}
