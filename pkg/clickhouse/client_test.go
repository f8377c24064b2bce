package clickhouse

import (
	"strings"
	"testing"
	"time"
)

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(ClientConfig{
		Host:         "ch",
		Port:         9000,
		Database:     "coinpulse",
		User:         "app",
		Password:     "p@ss",
		DialTimeout:  2 * time.Second,
		AsyncInsert:  true,
		WaitForAsync: true,
	})
	for _, want := range []string{
		"clickhouse://app:p%40ss@ch:9000/coinpulse?",
		"dial_timeout=2s",
		"async_insert=1",
		"wait_for_async_insert=1",
	} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
	if strings.Contains(BuildDSN(ClientConfig{Host: "ch", Port: 8123, UseHTTP: true}), "clickhouse://") {
		t.Fatalf("http dsn should not use the native scheme")
	}
}
