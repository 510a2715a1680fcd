package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// 仓库名会成为缓存目录名与 URL 段，"." 开头的目录保留给属性文件。
	_ = validate.RegisterValidation("repository_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") {
			return false
		}
		for _, r := range name {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' || r == '_' || r == '.':
			default:
				return false
			}
		}
		return true
	})
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validate.Struct(c.Global); err != nil {
		return translateValidation("Global", err)
	}
	if c.Global.StorageBackend == StorageBackendS3 {
		if err := validate.Struct(c.S3); err != nil {
			return translateValidation("S3", err)
		}
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return newFieldError("S3.Bucket", "StorageBackend 为 s3 时不能为空")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return newFieldError("S3.AccessKeyID/SecretAccessKey", "必须同时提供或同时留空")
		}
	}

	if len(c.Repositories) == 0 {
		return errors.New("至少需要配置一个 Repository")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if repo.Name == "" {
			return newFieldError("Repository[].Name", "不能为空")
		}
		if _, exists := seenNames[repo.Name]; exists {
			return newFieldError(repositoryField(repo.Name, "Name"), "重复")
		}
		seenNames[repo.Name] = struct{}{}

		if err := validate.Struct(repo); err != nil {
			return translateValidation(repositoryField(repo.Name, ""), err)
		}

		if (repo.Username == "") != (repo.Password == "") {
			return newFieldError(repositoryField(repo.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(repo.RemoteURL); err != nil {
			return fmt.Errorf("%s: %w", repositoryField(repo.Name, "RemoteURL"), err)
		}
		if repo.Proxy != "" {
			if err := validateUpstream(repo.Proxy); err != nil {
				return fmt.Errorf("%s: %w", repositoryField(repo.Name, "Proxy"), err)
			}
		}
		if strings.ContainsAny(repo.QueryString, "#") {
			return newFieldError(repositoryField(repo.Name, "QueryString"), "不允许包含 #")
		}
	}

	return nil
}

// translateValidation 只报告第一个失败字段，与 FieldError 的单字段输出保持一致。
func translateValidation(scope string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%s: %w", scope, err)
	}
	fe := verrs[0]
	field := fe.Field()
	switch {
	case strings.HasSuffix(scope, "."):
		field = scope + field
	case scope != "":
		field = scope + "." + field
	}
	return newFieldError(field, describeTag(fe))
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "不能为空"
	case "min", "gte":
		return fmt.Sprintf("不能小于 %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("不能大于 %s", fe.Param())
	case "gt":
		return fmt.Sprintf("必须大于 %s", fe.Param())
	case "oneof":
		return "仅支持 " + strings.ReplaceAll(fe.Param(), " ", "|")
	case "url":
		return fmt.Sprintf("不是合法 URL: %v", fe.Value())
	case "hostname", "hostname_rfc1123":
		return fmt.Sprintf("不是合法主机名: %v", fe.Value())
	case "repository_name":
		return "仅允许字母、数字、-、_、.，且不能以 . 或 - 开头"
	default:
		return fmt.Sprintf("校验失败 (%s)", fe.Tag())
	}
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少远端地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，远端: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("远端缺少 Host: %s", raw)
	}
	return nil
}
