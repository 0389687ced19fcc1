package journal

import (
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

func TestMySQLConfigDefaults(t *testing.T) {
	cfg := MySQLConfig{DSN: "user:pass@tcp(localhost:3306)/agentpay"}.withDefaults()
	if cfg.MaxOpenConns != 20 || cfg.MaxIdleConns != 10 {
		t.Fatalf("连接池默认值不正确: %+v", cfg)
	}
	if cfg.ConnMaxLifetime != 10*time.Minute {
		t.Fatalf("unexpected lifetime %v", cfg.ConnMaxLifetime)
	}

	tuned := MySQLConfig{
		DSN:             cfg.DSN,
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	}.withDefaults()
	if tuned.MaxOpenConns != 50 || tuned.MaxIdleConns != 25 {
		t.Fatalf("显式配置不应被默认值覆盖: %+v", tuned)
	}
	if tuned.ConnMaxLifetime != time.Hour || tuned.ConnMaxIdleTime != 5*time.Minute {
		t.Fatalf("显式配置不应被默认值覆盖: %+v", tuned)
	}
}

func TestNewMySQLJournalRequiresDSN(t *testing.T) {
	if _, err := NewMySQLJournal(MySQLConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("期望 INVALID_ARGUMENT，得到 %v", err)
	}
}
