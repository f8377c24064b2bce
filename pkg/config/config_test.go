package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Port != 8080 || c.Engine.MessageFlushInterval != 100*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", c)
	}
	windows, err := c.WindowSeconds()
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if len(windows) != 7 || windows[0] != 300 || windows[6] != 86400 {
		t.Fatalf("unexpected windows %v", windows)
	}
	if c.Exchange.TickerSource != "binance" || c.Kafka.Enabled {
		t.Fatalf("kafka must be opt-in")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: production
engine:
  windows: ["1m", "1h"]
  pairs: [BTCUSDT, ETHUSDT]
  criteria:
    - counter_currency: USDT
      min_volume: 1000000
  check_changes_delay: 500ms
kafka:
  enabled: true
  brokers: ["kafka:9092"]
exchange:
  ticker_source: kafka
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Environment != "production" || len(c.Engine.Pairs) != 2 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.Engine.CheckChangesDelay != 500*time.Millisecond {
		t.Fatalf("duration not parsed: %v", c.Engine.CheckChangesDelay)
	}
	if c.Engine.Criteria[0].CounterCurrency != "USDT" || c.Engine.Criteria[0].MinVolume != 1e6 {
		t.Fatalf("unexpected criteria %+v", c.Engine.Criteria)
	}
	if c.Kafka.ChangesTopic != "coinpulse.changes" {
		t.Fatalf("nested defaults must survive partial sections, got %q", c.Kafka.ChangesTopic)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad window":       "engine:\n  windows: [\"5x\"]\n",
		"no brokers":       "kafka:\n  enabled: true\n",
		"kafka ticks only": "exchange:\n  ticker_source: kafka\n",
		"bad estimator":    "engine:\n  estimator: mode\n",
		"clickhouse host":  "clickhouse:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("PAIRS", "BTCUSDT, ETHUSDT,")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	c, err := LoadWithEnv("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Engine.Pairs) != 2 || c.Engine.Pairs[1] != "ETHUSDT" {
		t.Fatalf("unexpected pairs %v", c.Engine.Pairs)
	}
	if c.Server.Addr() != ":9090" || !c.Kafka.Enabled || len(c.Kafka.Brokers) != 2 {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}
