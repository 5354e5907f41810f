package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"protocol-simulator/internal/scenario"
)

const defaultPIDFile = "/var/run/protosim.pid"

var (
	cfgFile   string
	apiHost   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "工業通訊協定模擬器",
	Long: `同時模擬 MC 3E、Modbus TCP、MQTT、OPC UA 與 S7 設備的模擬器。
每個協定開啟獨立的 TCP 埠，接受真實用戶端連線並回應符合規範的訊框。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version 和 help 命令)
		var loadErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, loadErr = LoadConfig(cfgFile)
		}
		if appConfig == nil {
			appConfig = DefaultConfig()
		}

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		if loadErr != nil {
			// 明確指定的配置檔必須可用
			if cfgFile != "" {
				return loadErr
			}
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動模擬器",
	Long:  "啟動所有啟用的協定模擬器，收到 SIGINT/SIGTERM 後優雅關閉。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyStartFlags(cmd, appConfig); err != nil {
			return err
		}
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 建立虛擬 IP
		if appConfig.Network.AutoSetup && len(appConfig.Network.IPRanges) > 0 {
			provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
			setupCtx, setupCancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := provisioner.Setup(setupCtx, appConfig.Network.IPRanges)
			setupCancel()
			if err != nil {
				return fmt.Errorf("設置網路失敗: %w", err)
			}
			defer func() {
				teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer teardownCancel()
				if err := provisioner.Teardown(teardownCtx, appConfig.Network.IPRanges); err != nil {
					logger.Warn("移除虛擬 IP 失敗", zap.Error(err))
				}
			}()
		}

		// 建立引擎
		engine, err := NewEngine(appConfig, logger)
		if err != nil {
			return fmt.Errorf("建立引擎失敗: %w", err)
		}

		// 設置優雅關閉
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		// 啟動引擎
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		pidFile, _ := cmd.Flags().GetString("pid-file")
		if err := writePIDFile(pidFile); err != nil {
			logger.Warn("寫入 PID 檔案失敗", zap.String("path", pidFile), zap.Error(err))
		} else {
			defer os.Remove(pidFile)
		}

		// 啟動指標收集器
		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(engine, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
				metrics = nil
			} else {
				logger.Info("指標伺服器已啟動",
					zap.Int("port", appConfig.Metrics.Port),
					zap.String("endpoint", appConfig.Metrics.Endpoint),
				)
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			if err := metrics.Stop(shutdownCtx); err != nil {
				logger.Warn("關閉指標伺服器失敗", zap.Error(err))
			}
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		logger.Info("模擬器已停止")
		return nil
	},
}

// applyStartFlags 以命令列參數覆蓋配置
func applyStartFlags(cmd *cobra.Command, cfg *Config) error {
	if ip, _ := cmd.Flags().GetString("bind-ip"); ip != "" {
		cfg.Server.BindIP = ip
	}

	if cmd.Flags().Changed("protocols") {
		protocols, _ := cmd.Flags().GetStringSlice("protocols")
		if err := enableProtocols(cfg, protocols); err != nil {
			return err
		}
	}

	ports, _ := cmd.Flags().GetStringToInt("port")
	return overridePorts(cfg, ports)
}

// enableProtocols 只啟用列出的協定
func enableProtocols(cfg *Config, protocols []string) error {
	enabled := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		p = strings.ToLower(strings.TrimSpace(p))
		switch p {
		case "modbus", "mc", "s7", "mqtt", "opcua":
			enabled[p] = true
		default:
			return fmt.Errorf("未知的協定: %s", p)
		}
	}

	cfg.Modbus.Enabled = enabled["modbus"]
	cfg.MC.Enabled = enabled["mc"]
	cfg.S7.Enabled = enabled["s7"]
	cfg.MQTT.Enabled = enabled["mqtt"]
	cfg.OPCUA.Enabled = enabled["opcua"]
	return nil
}

// overridePorts 覆蓋各協定埠號，例如 modbus=1502
func overridePorts(cfg *Config, ports map[string]int) error {
	for name, port := range ports {
		switch strings.ToLower(name) {
		case "modbus":
			cfg.Modbus.Port = port
		case "mc":
			cfg.MC.Port = port
		case "s7":
			cfg.S7.Port = port
		case "mqtt":
			cfg.MQTT.Port = port
		case "mqtt-ws", "websocket":
			cfg.MQTT.WebSocketPort = port
		case "opcua":
			cfg.OPCUA.Port = port
		case "metrics":
			cfg.Metrics.Port = port
		default:
			return fmt.Errorf("未知的埠號設定: %s", name)
		}
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止模擬器",
	Long:  "透過 PID 檔案向運行中的模擬器發送 SIGTERM。",
	RunE: func(cmd *cobra.Command, args []string) error {
		pidFile, _ := cmd.Flags().GetString("pid-file")

		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("讀取 PID 檔案失敗: %w", err)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("解析 PID 失敗: %w", err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Printf("已發送停止信號到 PID %d\n", pid)
		return nil
	},
}

// statusCmd 狀態命令
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看運行狀態",
	Long:  "透過 metrics endpoint 取得運行中實例的狀態與各協定統計。",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodGet, appConfig.Metrics.Endpoint+"?format=json", nil)
		if err != nil {
			return err
		}

		var snapshot MetricsSnapshot
		if err := json.Unmarshal(body, &snapshot); err != nil {
			return fmt.Errorf("解析狀態失敗: %w", err)
		}

		fmt.Printf("狀態: %s (運行 %s)\n", snapshot.EngineState, snapshot.Uptime)
		fmt.Printf("場景: %s\n", snapshot.CurrentScenario)
		fmt.Printf("連線: %d  請求: %d  錯誤: %d (%.2f%%)\n",
			snapshot.ActiveConns, snapshot.TotalRequests, snapshot.TotalErrors, snapshot.ErrorRate)
		for _, p := range snapshot.Protocols {
			fmt.Printf("  %-8s %-8s %-22s 連線 %-5d 請求 %-8d 錯誤 %d\n",
				p.Protocol, p.State, p.Addr, p.ActiveConns, p.RequestCount, p.ErrorCount)
		}
		return nil
	},
}

// apiRequest 呼叫運行中實例的 HTTP API
func apiRequest(method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化請求失敗: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := "http://" + net.JoinHostPort(apiHost, strconv.Itoa(appConfig.Metrics.Port)) + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("建立請求失敗: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("連線到運行中的實例失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("讀取回應失敗: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("請求失敗 (%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理虛擬 IP 配置。",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
			appConfig.Network.Interface = iface
		}
		return nil
	},
}

// networkRanges 命令列指定的範圍優先於配置檔
func networkRanges(cmd *cobra.Command) []IPRange {
	startIP, _ := cmd.Flags().GetString("start")
	endIP, _ := cmd.Flags().GetString("end")
	cidr, _ := cmd.Flags().GetString("cidr")

	switch {
	case cidr != "":
		return []IPRange{{CIDR: cidr}}
	case startIP != "" && endIP != "":
		return []IPRange{{Start: startIP, End: endIP}}
	default:
		return appConfig.Network.IPRanges
	}
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "建立虛擬 IP",
	Long:  "在指定的網路介面上建立虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges := networkRanges(cmd)
		if len(ranges) == 0 {
			return fmt.Errorf("未指定 IP 範圍")
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ips, err := provisioner.Setup(ctx, ranges)
		if err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Printf("虛擬 IP 設置完成 (%d 個)\n", len(ips))
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除虛擬 IP",
	Long:  "移除範圍內的虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		ranges := networkRanges(cmd)
		if len(ranges) == 0 {
			return fmt.Errorf("未指定 IP 範圍")
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx, ranges); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Println("虛擬 IP 已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已配置 IP",
	Long:  "列出網路介面上目前的 IPv4 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("目前沒有配置 IP")
			return nil
		}

		fmt.Printf("已配置的 IP (%d 個):\n", len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// scenarioCmd 場景命令組
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "場景管理命令",
	Long:  "管理運行中實例的模擬場景。",
}

// scenarioDescriptions 場景說明
var scenarioDescriptions = map[scenario.Type]string{
	scenario.Normal:     "正常波動 (電壓 ±0.5%, 頻率 ±0.05%)",
	scenario.VoltageSag: "電壓驟降至 80%",
	scenario.Jitter:     "網路延遲 100-500ms",
	scenario.PacketLoss: "封包丟失模擬 (5%)",
}

// scenarioListCmd 列出場景
var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出可用場景",
	Long:  "列出所有可用的模擬場景。",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("可用的模擬場景:")
		for _, t := range scenario.ListTypes() {
			state := ""
			if p, ok := appConfig.Scenario.Scenarios[t.String()]; ok && !p.Enabled {
				state = " (已停用)"
			}
			fmt.Printf("  %-15s %s%s\n", t.String(), scenarioDescriptions[t], state)
		}
	},
}

// scenarioApplyCmd 套用場景
var scenarioApplyCmd = &cobra.Command{
	Use:   "apply [scenario]",
	Short: "套用場景",
	Long:  "透過 HTTP API 對運行中的實例套用指定場景。",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if _, ok := scenario.ParseType(name); !ok {
			return fmt.Errorf("未知的場景: %s", name)
		}

		req := ScenarioRequest{Scenario: name}
		if duration, _ := cmd.Flags().GetDuration("duration"); duration > 0 {
			req.Duration = duration.String()
		}

		if _, err := apiRequest(http.MethodPost, "/scenario", req); err != nil {
			return fmt.Errorf("套用場景失敗: %w", err)
		}

		fmt.Printf("已套用場景: %s", name)
		if req.Duration != "" {
			fmt.Printf(" (持續 %s)", req.Duration)
		}
		fmt.Println()
		return nil
	},
}

// scenarioResetCmd 重設場景
var scenarioResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "重設為正常模式",
	Long:  "重設運行中的實例為正常場景並清除網路故障。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiRequest(http.MethodPost, "/scenario", ScenarioRequest{Reset: true}); err != nil {
			return fmt.Errorf("重設場景失敗: %w", err)
		}
		fmt.Println("已重設為正常模式")
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Bind IP: %s\n", cfg.Server.BindIP)
		printProtocol("Modbus", cfg.Modbus.Enabled, cfg.Modbus.Port)
		printProtocol("MC", cfg.MC.Enabled, cfg.MC.Port)
		printProtocol("S7", cfg.S7.Enabled, cfg.S7.Port)
		printProtocol("MQTT", cfg.MQTT.Enabled, cfg.MQTT.Port)
		printProtocol("OPC UA", cfg.OPCUA.Enabled, cfg.OPCUA.Port)
		fmt.Printf("  Interface: %s\n", cfg.Network.Interface)
		fmt.Printf("  IP Ranges: %d\n", len(cfg.Network.IPRanges))
		return nil
	},
}

func printProtocol(name string, enabled bool, port int) {
	if !enabled {
		fmt.Printf("  %-7s 停用\n", name+":")
		return
	}
	fmt.Printf("  %-7s %d\n", name+":", port)
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 範例 IP 範圍與額外暫存器
		cfg.Network.IPRanges = []IPRange{
			{Start: "192.168.1.101", End: "192.168.1.105"},
		}
		cfg.Modbus.Registers = []RegisterDefinition{
			{Address: 100, Name: "Setpoint", DataType: "uint16", Scale: 10, DefaultValue: 50, Unit: "%"},
		}
		cfg.S7.DataBlocks = []DataBlockDef{{Number: 10, Size: 256}}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "127.0.0.1", "運行中實例的指標伺服器位址")

	// start 命令 flags
	startCmd.Flags().String("bind-ip", "", "綁定 IP 位址")
	startCmd.Flags().StringSlice("protocols", nil, "只啟用指定協定 (modbus,mc,s7,mqtt,opcua)")
	startCmd.Flags().StringToInt("port", nil, "覆蓋埠號，例如 modbus=1502,opcua=4841")
	startCmd.Flags().String("pid-file", defaultPIDFile, "PID 檔案路徑")

	// stop 命令 flags
	stopCmd.Flags().String("pid-file", defaultPIDFile, "PID 檔案路徑")

	// network 命令 flags
	networkCmd.PersistentFlags().StringP("interface", "i", "", "網路介面")
	for _, cmd := range []*cobra.Command{networkSetupCmd, networkTeardownCmd} {
		cmd.Flags().String("start", "", "起始 IP")
		cmd.Flags().String("end", "", "結束 IP")
		cmd.Flags().String("cidr", "", "CIDR 表示法")
	}

	// scenario 命令 flags
	scenarioApplyCmd.Flags().DurationP("duration", "d", 0, "場景持續時間")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	scenarioCmd.AddCommand(scenarioListCmd, scenarioApplyCmd, scenarioResetCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		networkCmd,
		scenarioCmd,
		configCmd,
		versionCmd,
	)
}

// initLogger 依日誌配置建立 zap logger
func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
