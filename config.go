package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"protocol-simulator/internal/mc"
	"protocol-simulator/internal/modbus"
	"protocol-simulator/internal/mqtt"
	"protocol-simulator/internal/opcua"
	"protocol-simulator/internal/s7"
	"protocol-simulator/internal/scenario"
)

// 最小 S7 PDU (S7-200 等級設備)
const minS7PDUSize = 240

// Config 全域配置
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Modbus   ModbusConfig   `json:"modbus" mapstructure:"modbus"`
	MC       MCConfig       `json:"mc" mapstructure:"mc"`
	S7       S7Config       `json:"s7" mapstructure:"s7"`
	MQTT     MQTTConfig     `json:"mqtt" mapstructure:"mqtt"`
	OPCUA    OPCUAConfig    `json:"opcua" mapstructure:"opcua"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Scenario ScenarioConfig `json:"scenario" mapstructure:"scenario"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig 連線管理配置 (五個協定共用)
type ServerConfig struct {
	BindIP          string        `json:"bind_ip" mapstructure:"bind_ip"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
	// AcceptRate 每個來源 IP 每秒可建立的連線數，0 表示不限制
	AcceptRate  float64 `json:"accept_rate" mapstructure:"accept_rate"`
	AcceptBurst int     `json:"accept_burst" mapstructure:"accept_burst"`
}

// ModbusConfig Modbus TCP 配置
type ModbusConfig struct {
	Enabled      bool                 `json:"enabled" mapstructure:"enabled"`
	Port         int                  `json:"port" mapstructure:"port"`
	UnitID       uint8                `json:"unit_id" mapstructure:"unit_id"`
	StrictUnitID bool                 `json:"strict_unit_id" mapstructure:"strict_unit_id"`
	Registers    []RegisterDefinition `json:"registers" mapstructure:"registers"`
}

// RegisterDefinition 額外的電錶暫存器定義 (保持暫存器，0 起算)
type RegisterDefinition struct {
	Address      int     `json:"address" mapstructure:"address"`
	Name         string  `json:"name" mapstructure:"name"`
	DataType     string  `json:"data_type" mapstructure:"data_type"`
	Scale        float64 `json:"scale" mapstructure:"scale"`
	DefaultValue float64 `json:"default_value" mapstructure:"default_value"`
	Unit         string  `json:"unit" mapstructure:"unit"`
}

// MCConfig MC 3E 配置
type MCConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
}

// S7Config S7 配置
type S7Config struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
	PDUSize int  `json:"pdu_size" mapstructure:"pdu_size"`
	// Simulation 為 true 時場景引擎會把電錶量測值寫入 DB1
	Simulation bool          `json:"simulation" mapstructure:"simulation"`
	DataBlocks []DataBlockDef `json:"data_blocks" mapstructure:"data_blocks"`
}

// DataBlockDef 啟動時建立的 DB
type DataBlockDef struct {
	Number int `json:"number" mapstructure:"number"`
	Size   int `json:"size" mapstructure:"size"`
}

// MQTTConfig MQTT broker 配置
type MQTTConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
	// WebSocketPort 為 0 時不開啟 WebSocket
	WebSocketPort  int           `json:"websocket_port" mapstructure:"websocket_port"`
	KeepAliveCheck time.Duration `json:"keepalive_check" mapstructure:"keepalive_check"`
}

// OPCUAConfig OPC UA 配置
type OPCUAConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Port        int    `json:"port" mapstructure:"port"`
	EndpointURL string `json:"endpoint_url" mapstructure:"endpoint_url"`
	NodeFile    string `json:"node_file" mapstructure:"node_file"`
	// SimulationInterval 為 0 時停用模擬資料
	SimulationInterval time.Duration `json:"simulation_interval" mapstructure:"simulation_interval"`
}

// NetworkConfig 網路配置
type NetworkConfig struct {
	Interface string    `json:"interface" mapstructure:"interface"`
	IPRanges  []IPRange `json:"ip_ranges" mapstructure:"ip_ranges"`
	// AutoSetup 為 true 時 start 會先建立虛擬 IP，結束時移除
	AutoSetup bool `json:"auto_setup" mapstructure:"auto_setup"`
}

// IPRange IP 範圍
type IPRange struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
	CIDR  string `json:"cidr" mapstructure:"cidr"`
}

// ScenarioConfig 場景配置
type ScenarioConfig struct {
	DefaultScenario string                    `json:"default_scenario" mapstructure:"default_scenario"`
	UpdateInterval  time.Duration             `json:"update_interval" mapstructure:"update_interval"`
	Scenarios       map[string]ScenarioParams `json:"scenarios" mapstructure:"scenarios"`
}

// ScenarioParams 場景參數
type ScenarioParams struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	Duration          time.Duration `json:"duration" mapstructure:"duration"`
	VoltageVariance   float64       `json:"voltage_variance" mapstructure:"voltage_variance"`
	FrequencyVariance float64       `json:"frequency_variance" mapstructure:"frequency_variance"`
	JitterMin         time.Duration `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax         time.Duration `json:"jitter_max" mapstructure:"jitter_max"`
	PacketLossRate    float64       `json:"packet_loss_rate" mapstructure:"packet_loss_rate"`
}

// Params 轉為場景引擎參數
func (p ScenarioParams) Params() scenario.Params {
	return scenario.Params{
		VoltageVariance:   p.VoltageVariance,
		FrequencyVariance: p.FrequencyVariance,
		Duration:          p.Duration,
		JitterMin:         p.JitterMin,
		JitterMax:         p.JitterMax,
		PacketLossRate:    p.PacketLossRate,
	}
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindIP:          "0.0.0.0",
			MaxConnections:  10000,
			GracefulTimeout: 10 * time.Second,
			AcceptRate:      0,
			AcceptBurst:     10,
		},
		Modbus: ModbusConfig{
			Enabled:   true,
			Port:      modbus.DefaultPort,
			UnitID:    1,
			Registers: []RegisterDefinition{},
		},
		MC: MCConfig{
			Enabled: true,
			Port:    mc.DefaultPort,
		},
		S7: S7Config{
			Enabled:    true,
			Port:       s7.DefaultPort,
			PDUSize:    s7.DefaultPDUSize,
			Simulation: true,
			DataBlocks: []DataBlockDef{},
		},
		MQTT: MQTTConfig{
			Enabled:        true,
			Port:           mqtt.DefaultPort,
			WebSocketPort:  mqtt.DefaultWebSocketPort,
			KeepAliveCheck: mqtt.DefaultKeepAliveCheck,
		},
		OPCUA: OPCUAConfig{
			Enabled:            true,
			Port:               opcua.DefaultPort,
			SimulationInterval: opcua.DefaultSimulationInterval,
		},
		Network: NetworkConfig{
			Interface: "eth0",
			IPRanges:  []IPRange{},
		},
		Scenario: ScenarioConfig{
			DefaultScenario: "normal",
			UpdateInterval:  1 * time.Second,
			Scenarios: map[string]ScenarioParams{
				"normal": {
					Enabled:           true,
					VoltageVariance:   0.005,  // ±0.5%
					FrequencyVariance: 0.0005, // ±0.05%
				},
				"voltage_sag": {
					Enabled:         true,
					Duration:        10 * time.Second,
					VoltageVariance: 0.20, // 降至 80%
				},
				"jitter": {
					Enabled:   true,
					JitterMin: 100 * time.Millisecond,
					JitterMax: 500 * time.Millisecond,
				},
				"packet_loss": {
					Enabled:        true,
					PacketLossRate: 0.05, // 5% 封包丟失
				},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
//
// 預設值先載入 viper，環境變數 (PROTOSIM_MODBUS_PORT 等) 才能覆蓋所有欄位。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("序列化預設配置失敗: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("載入預設配置失敗: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/protosim/")
		v.AddConfigPath("$HOME/.protosim/")
	}

	// 環境變數覆蓋
	v.SetEnvPrefix("PROTOSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.BindIP != "" && net.ParseIP(c.Server.BindIP) == nil {
		return fmt.Errorf("無效的綁定 IP: %s", c.Server.BindIP)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("最大連線數不可為負數: %d", c.Server.MaxConnections)
	}
	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("連線速率不可為負數: %v", c.Server.AcceptRate)
	}

	ports := make(map[int]string)
	checkPort := func(name string, port int) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s 埠號無效: %d", name, port)
		}
		if other, ok := ports[port]; ok {
			return fmt.Errorf("%s 與 %s 使用相同埠號 %d", name, other, port)
		}
		ports[port] = name
		return nil
	}

	enabled := 0
	if c.Modbus.Enabled {
		enabled++
		if err := checkPort("modbus", c.Modbus.Port); err != nil {
			return err
		}
		for _, r := range c.Modbus.Registers {
			if _, ok := modbus.ParseDataType(r.DataType); !ok {
				return fmt.Errorf("暫存器 %s 的資料類型無效: %s", r.Name, r.DataType)
			}
			if r.Address < 0 || r.Address >= modbus.DefaultAreaSize {
				return fmt.Errorf("暫存器 %s 的位址超出範圍: %d", r.Name, r.Address)
			}
		}
	}
	if c.MC.Enabled {
		enabled++
		if err := checkPort("mc", c.MC.Port); err != nil {
			return err
		}
	}
	if c.S7.Enabled {
		enabled++
		if err := checkPort("s7", c.S7.Port); err != nil {
			return err
		}
		if c.S7.PDUSize < minS7PDUSize || c.S7.PDUSize > s7.MaxPDUSize {
			return fmt.Errorf("S7 PDU 大小超出範圍 (%d-%d): %d", minS7PDUSize, s7.MaxPDUSize, c.S7.PDUSize)
		}
		for _, db := range c.S7.DataBlocks {
			if db.Number < 1 || db.Size < 1 {
				return fmt.Errorf("無效的 DB 定義: DB%d (%d bytes)", db.Number, db.Size)
			}
		}
	}
	if c.MQTT.Enabled {
		enabled++
		if err := checkPort("mqtt", c.MQTT.Port); err != nil {
			return err
		}
		if c.MQTT.WebSocketPort != 0 {
			if err := checkPort("mqtt websocket", c.MQTT.WebSocketPort); err != nil {
				return err
			}
		}
	}
	if c.OPCUA.Enabled {
		enabled++
		if err := checkPort("opcua", c.OPCUA.Port); err != nil {
			return err
		}
		if c.OPCUA.SimulationInterval < 0 {
			return fmt.Errorf("OPC UA 模擬週期不可為負數: %v", c.OPCUA.SimulationInterval)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("至少需要啟用一個協定")
	}

	if c.Metrics.Enabled {
		if err := checkPort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}

	if _, ok := scenario.ParseType(c.Scenario.DefaultScenario); !ok {
		return fmt.Errorf("未知的預設場景: %s", c.Scenario.DefaultScenario)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("無效的日誌等級: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("無效的日誌格式: %s", c.Logging.Format)
	}

	for _, ipRange := range c.Network.IPRanges {
		if err := ipRange.Validate(); err != nil {
			return fmt.Errorf("IP 範圍驗證失敗: %w", err)
		}
	}

	return nil
}

// Validate 驗證 IP 範圍
func (r *IPRange) Validate() error {
	if r.CIDR != "" {
		_, _, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return fmt.Errorf("無效的 CIDR: %s", r.CIDR)
		}
		return nil
	}

	if r.Start == "" || r.End == "" {
		return fmt.Errorf("必須指定 Start 和 End 或 CIDR")
	}

	startIP := net.ParseIP(r.Start)
	if startIP == nil {
		return fmt.Errorf("無效的起始 IP: %s", r.Start)
	}

	endIP := net.ParseIP(r.End)
	if endIP == nil {
		return fmt.Errorf("無效的結束 IP: %s", r.End)
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ExpandIPRanges 展開所有 IP 範圍為 IP 列表
func (c *Config) ExpandIPRanges() ([]net.IP, error) {
	return expandRanges(c.Network.IPRanges)
}

// Expand 展開 IP 範圍
func (r *IPRange) Expand() ([]net.IP, error) {
	if r.CIDR != "" {
		return expandCIDR(r.CIDR)
	}
	return expandRange(r.Start, r.End)
}

func expandRanges(ranges []IPRange) ([]net.IP, error) {
	var ips []net.IP
	for _, r := range ranges {
		rangeIPs, err := r.Expand()
		if err != nil {
			return nil, err
		}
		ips = append(ips, rangeIPs...)
	}
	return ips, nil
}

func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	// 移除網路位址和廣播位址
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	return ips, nil
}

func expandRange(start, end string) ([]net.IP, error) {
	startIP := net.ParseIP(start).To4()
	endIP := net.ParseIP(end).To4()

	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("無效的 IP 範圍: %s - %s", start, end)
	}
	if bytes.Compare(startIP, endIP) > 0 {
		return nil, fmt.Errorf("起始 IP 大於結束 IP: %s - %s", start, end)
	}

	var ips []net.IP
	for ip := startIP; !ip.Equal(endIP); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}
	// 包含結束 IP
	ipCopy := make(net.IP, len(endIP))
	copy(ipCopy, endIP)
	ips = append(ips, ipCopy)

	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
