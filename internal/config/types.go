package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储后端取值。
const (
	StorageBackendFS = "fs"
	StorageBackendS3 = "s3"
)

// GlobalConfig 描述全局运行时行为，所有仓库共享同一份参数。
type GlobalConfig struct {
	ListenPort            int      `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	LogLevel              string   `mapstructure:"LogLevel" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFilePath           string   `mapstructure:"LogFilePath"`
	LogMaxSize            int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups         int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress           bool     `mapstructure:"LogCompress"`
	StoragePath           string   `mapstructure:"StoragePath" validate:"required"`
	StorageBackend        string   `mapstructure:"StorageBackend" validate:"oneof=fs s3"`
	NotFoundCachePath     string   `mapstructure:"NotFoundCachePath"`
	NotFoundCacheSize     int64    `mapstructure:"NotFoundCacheSize" validate:"gt=0"`
	InitialBackoff        Duration `mapstructure:"InitialBackoff"`
	CircularRedirectHosts []string `mapstructure:"CircularRedirectHosts" validate:"dive,hostname_rfc1123"`
	CookieHosts           []string `mapstructure:"CookieHosts" validate:"dive,hostname_rfc1123"`
}

// S3Config 在 StorageBackend = "s3" 时生效。
type S3Config struct {
	Bucket          string `mapstructure:"Bucket"`
	Region          string `mapstructure:"Region"`
	Endpoint        string `mapstructure:"Endpoint" validate:"omitempty,url"`
	Prefix          string `mapstructure:"Prefix"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
}

// RepositoryConfig 决定单个代理仓库如何访问远端。
type RepositoryConfig struct {
	Name                string   `mapstructure:"Name" validate:"required,max=64,repository_name"`
	RemoteURL           string   `mapstructure:"RemoteURL" validate:"required,url"`
	ConnectTimeout      Duration `mapstructure:"ConnectTimeout"`
	SocketTimeout       Duration `mapstructure:"SocketTimeout"`
	PoolSize            int      `mapstructure:"PoolSize" validate:"gte=0,lte=1024"`
	PoolTimeout         Duration `mapstructure:"PoolTimeout"`
	QueryString         string   `mapstructure:"QueryString"`
	Proxy               string   `mapstructure:"Proxy" validate:"omitempty,url"`
	Username            string   `mapstructure:"Username"`
	Password            string   `mapstructure:"Password"`
	ItemMaxAge          Duration `mapstructure:"ItemMaxAge"`
	NotFoundCacheTTL    Duration `mapstructure:"NotFoundCacheTTL"`
	RetrievalRetryCount int      `mapstructure:"RetrievalRetryCount" validate:"gte=0,lte=10"`
	RemoteIsS3          bool     `mapstructure:"RemoteIsS3"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	S3           S3Config           `mapstructure:"S3"`
	Repositories []RepositoryConfig `mapstructure:"Repository"`
}

// HasCredentials 表示当前仓库是否配置了完整的远端凭证。
func (r RepositoryConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RepositoryConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有仓库的鉴权模式摘要，例如 central:anonymous。
func CredentialModes(repos []RepositoryConfig) []string {
	if len(repos) == 0 {
		return nil
	}
	result := make([]string, len(repos))
	for i, repo := range repos {
		result[i] = fmt.Sprintf("%s:%s", repo.Name, repo.AuthMode())
	}
	return result
}

// Repository 按名称查找仓库配置。
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, repo := range c.Repositories {
		if repo.Name == name {
			return repo, true
		}
	}
	return RepositoryConfig{}, false
}
