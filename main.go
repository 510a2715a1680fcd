package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-proxy/internal/cache"
	"github.com/any-hub/any-proxy/internal/config"
	"github.com/any-hub/any-proxy/internal/itemlock"
	"github.com/any-hub/any-proxy/internal/logging"
	"github.com/any-hub/any-proxy/internal/proxy"
	"github.com/any-hub/any-proxy/internal/server"
	"github.com/any-hub/any-proxy/internal/server/routes"
	"github.com/any-hub/any-proxy/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const configEnv = "ANY_PROXY_CONFIG"

func main() {
	exitCode := 0
	cmd := newRootCommand()
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		opts, err := optionsFromFlags(cmd)
		if err != nil {
			return err
		}
		exitCode = run(opts)
		return nil
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(exitCode)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "any-proxy",
		Short:         "Caching proxy for remote artifact repositories",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	cmd.Flags().String("config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	cmd.Flags().Bool("check-config", false, "仅校验配置后退出")
	cmd.Flags().Bool("version", false, "显示版本信息")
	return cmd
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return optionsFromFlags(cmd)
}

func optionsFromFlags(cmd *cobra.Command) (cliOptions, error) {
	flags := cmd.Flags()
	configFlag, err := flags.GetString("config")
	if err != nil {
		return cliOptions{}, err
	}
	checkOnly, err := flags.GetBool("check-config")
	if err != nil {
		return cliOptions{}, err
	}
	showVer, err := flags.GetBool("version")
	if err != nil {
		return cliOptions{}, err
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["repositories"] = len(cfg.Repositories)
		fields["credentials"] = config.CredentialModes(cfg.Repositories)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewRepositoryRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建仓库注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 仓库注册表 → 条目存储/不存在缓存 → 协调器 → Fiber server
	store, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	negative, err := buildNegativeCache(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化不存在缓存失败: %v\n", err)
		return 1
	}
	defer negative.Close()

	coord, err := proxy.NewCoordinator(proxy.Options{
		Store:    store,
		Negative: negative,
		Locks:    itemlock.NewRegistry(),
		Logger:   logger,
	}, registry.Runtimes()...)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化代理失败: %v\n", err)
		return 1
	}
	forwarder := proxy.NewForwarder(proxy.NewHandler(coord, logger), logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["repositories"] = len(cfg.Repositories)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["credentials"] = config.CredentialModes(cfg.Repositories)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registry, forwarder, coord, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func buildStore(cfg *config.Config) (cache.Store, error) {
	if cfg.Global.StorageBackend != config.StorageBackendS3 {
		return cache.NewStore(cfg.Global.StoragePath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := os.MkdirAll(cfg.Global.StoragePath, 0o755); err != nil {
		return nil, err
	}
	return cache.NewS3Store(ctx, cache.S3Options{
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		Prefix:          cfg.S3.Prefix,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		TempDir:         cfg.Global.StoragePath,
	})
}

func buildNegativeCache(cfg *config.Config, logger *logrus.Logger) (cache.NegativeCache, error) {
	if cfg.Global.NotFoundCachePath != "" {
		return cache.NewBadgerNegativeCache(cfg.Global.NotFoundCachePath, logger)
	}
	return cache.NewMemoryNegativeCache(cfg.Global.NotFoundCacheSize)
}

func startHTTPServer(cfg *config.Config, registry *server.RepositoryRegistry, proxyHandler server.ProxyHandler, diag routes.Diagnostics, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, registry, diag)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
