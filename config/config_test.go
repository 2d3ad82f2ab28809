package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
production:
  server:
    jwt_secret: "secret"
  postgres:
    connection:
      host: "localhost"
      port: 5432
      username: "u"
      password: "p"
      database: "wingo"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s := cfg.Production.Server
	if s.APIPort != 3007 || s.SocketPort != 3006 {
		t.Errorf("ports = (%d, %d), want (3007, 3006)", s.APIPort, s.SocketPort)
	}
	if len(s.SettleAllowed) != 1 || s.SettleAllowed[0] != "127.0.0.1" {
		t.Errorf("settle allowlist = %v, want loopback only", s.SettleAllowed)
	}

	g := cfg.Production.Game
	if g.Cutoff() != 5*time.Second {
		t.Errorf("cutoff = %v, want 5s", g.Cutoff())
	}
	if g.SingleStakeLimit != 500 || g.StreakLength != 3 {
		t.Errorf("house edge tunables = (%v, %d), want (500, 3)", g.SingleStakeLimit, g.StreakLength)
	}
	if g.Payouts.Number != 8.9 || g.Payouts.Color != 2.0 || g.Payouts.Violet != 4.5 || g.Payouts.BigSmall != 2.0 {
		t.Errorf("payout table = %+v has wrong defaults", g.Payouts)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
production:
  server:
    api_port: 9000
  game:
    betting_cutoff_seconds: 10
    single_stake_limit: 250
    payouts:
      number: 9.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Production.Server.APIPort != 9000 {
		t.Errorf("api port = %d, want 9000", cfg.Production.Server.APIPort)
	}
	if cfg.Production.Game.Cutoff() != 10*time.Second {
		t.Errorf("cutoff = %v, want 10s", cfg.Production.Game.Cutoff())
	}
	if cfg.Production.Game.SingleStakeLimit != 250 {
		t.Errorf("stake limit = %v, want 250", cfg.Production.Game.SingleStakeLimit)
	}
	if cfg.Production.Game.Payouts.Number != 9.5 {
		t.Errorf("number payout = %v, want 9.5", cfg.Production.Game.Payouts.Number)
	}
	// Untouched defaults still apply.
	if cfg.Production.Game.Payouts.Violet != 4.5 {
		t.Errorf("violet payout = %v, want defaulted 4.5", cfg.Production.Game.Payouts.Violet)
	}
}

func TestDSN(t *testing.T) {
	path := writeConfig(t, `
production:
  postgres:
    connection:
      host: "db.internal"
      port: 5433
      username: "svc"
      password: "pw"
      database: "rounds"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := "postgres://svc:pw@db.internal:5433/rounds?sslmode=disable&pool_max_conns=50&pool_min_conns=5"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("Load of a missing file returned nil error")
	}
}
