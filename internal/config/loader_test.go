package config

import (
	"errors"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
InitialBackoff = "boom"

[[Repository]]
Name = "central"
RemoteURL = "https://repo1.maven.org/maven2/"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsRepositoryPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Repository]]
Name = "central"
RemoteURL = "https://repo1.maven.org/maven2/"
Port = 6000
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fe FieldError
	if !errors.As(err, &fe) || fe.Field != "Repository[central].Port" {
		t.Fatalf("仓库级端口应被拒绝, got %v", err)
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	cfg := `
StoragePath = "./data"
LogLevel = "loud"

[[Repository]]
Name = "central"
RemoteURL = "https://repo1.maven.org/maven2/"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fe FieldError
	if !errors.As(err, &fe) || fe.Field != "Global.LogLevel" {
		t.Fatalf("未知日志级别应报错, got %v", err)
	}
}
