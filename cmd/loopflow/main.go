// =============================================================================
// LoopFlow 主入口
// =============================================================================
// 循环工作流执行引擎的服务与命令行入口
//
// 使用方法:
//
//	loopflow serve                                   # 启动服务
//	loopflow serve --config config.yaml              # 指定配置文件
//	loopflow run --workflow wf.yaml --input "draft"  # 本地执行一次工作流
//	loopflow validate --workflow wf.yaml             # 校验定义并输出循环区域
//	loopflow version                                 # 显示版本信息
//	loopflow health                                  # 健康检查
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/loopflow/config"
	"github.com/BaSui01/loopflow/internal/telemetry"
	"github.com/BaSui01/loopflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting LoopFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger, telemetry.WithVersion(Version))
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, logger, otelProviders)
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	if err := srv.WaitForShutdown(context.Background()); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}

	logger.Info("LoopFlow stopped")
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowPath := fs.String("workflow", "", "Path to workflow definition (JSON or YAML)")
	input := fs.String("input", "", "Global prompt passed to the first stage")
	_ = fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "--workflow is required")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runWorkflow(ctx, cfg, *workflowPath, *input, logger, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
	}
	if result == nil || result.Status != workflow.RunCompleted {
		os.Exit(1)
	}
}

// runWorkflow 执行一次工作流：日志流写入 logOut，最终结果以 JSON 写入 out
func runWorkflow(ctx context.Context, cfg *config.Config, path, input string, logger *zap.Logger, out, logOut io.Writer) (*workflow.RunResult, error) {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}

	execs := workflow.DefaultExecutors(buildInvoker(cfg.Agent, nil, logger), workflow.NewFunctionRegistry(), workflow.NewToolRegistry())
	coord, err := workflow.NewCoordinator(def, execs, engineConfig(cfg.Engine), workflow.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	buffer := cfg.Engine.EventBuffer
	if buffer < 1 {
		buffer = workflow.DefaultEngineConfig().EventBuffer
	}
	events, cancel := coord.Events().Subscribe(buffer)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Kind == workflow.EventLog && ev.Log != nil {
				fmt.Fprintf(logOut, "%s [%s] %s\n", ev.Log.Time.Format(time.TimeOnly), ev.Log.Type, ev.Log.Message)
			}
		}
	}()

	result, runErr := coord.Run(ctx, input)
	coord.Events().Close()
	<-done

	if result != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return result, errors.Join(runErr, err)
		}
	}
	return result, runErr
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "Path to workflow definition (JSON or YAML)")
	_ = fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "--workflow is required")
		os.Exit(2)
	}

	if err := validateWorkflow(*workflowPath, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid workflow: %v\n", err)
		os.Exit(1)
	}
}

// validateWorkflow 校验定义并输出检测到的循环区域
func validateWorkflow(path string, out io.Writer) error {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	coord, err := workflow.NewCoordinator(def, workflow.DefaultExecutors(nil, nil, nil), workflow.DefaultEngineConfig())
	if err != nil {
		return err
	}

	regions := coord.Regions()
	fmt.Fprintf(out, "workflow %q is valid: %d stages, %d loops\n", def.ID, len(def.Stages), len(regions))
	for _, r := range regions {
		fmt.Fprintf(out, "  %s  stage=%s  nodes=%v\n", r.ID, r.Stage, r.Nodes)
	}
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("LoopFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`LoopFlow - Workflow Loop Execution Engine

Usage:
  loopflow <command> [options]

Commands:
  serve     Start the LoopFlow server
  run       Execute a workflow file once and print the result
  validate  Validate a workflow file and list its loops
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --workflow <path>   Workflow definition (JSON or YAML)
  --input <text>      Global prompt

Examples:
  loopflow serve --config /etc/loopflow/config.yaml
  loopflow run --workflow review.yaml --input "first draft"
  loopflow validate --workflow review.yaml
  loopflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
