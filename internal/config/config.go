package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// OracleConfig 预测服务配置
type OracleConfig struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration // 单次咨询的超时上限（决策路径唯一的阻塞点）
}

// ChannelBand 通道物理合理区间（比入口硬上限更严格，用于 OUT_OF_RANGE 检测）
type ChannelBand struct {
	Min float64
	Max float64
}

// Config 决策与自愈引擎配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Oracle   OracleConfig

	Engine struct {
		// 入口硬上限（物理上不可能的值直接拒绝）
		Ceilings struct {
			PM25 float64
			CO2  float64
			CO   float64
			VOC  float64
		}

		// 自动控制阈值（超限强制开启风扇）
		Limits struct {
			PM25 float64
			CO2  float64
			CO   float64
			VOC  float64
		}

		Fault struct {
			WindowSize      int           // 每设备滑动窗口读数条数 K
			StuckThreshold  int           // 判定 STUCK 的连续相同读数条数
			StuckEpsilon    float64       // 相同判定的容差
			ResolveAfter    int           // 滞回：连续 M 次不再命中才解除（M > 1）
			StaleSilence    time.Duration // 超过该静默时长打开 STALE
			FailsafeSilence time.Duration // 超过该静默时长 STALE 升级为严重故障
			Bands           map[string]ChannelBand
		}

		Supervisor struct {
			StabilityWindow int // RECOVERING -> NORMAL 所需连续干净评估次数 N
		}

		Failsafe struct {
			Intensity int // FAILSAFE 固定安全强度
		}

		Override struct {
			AllowEmergencyInFailsafe bool // FAILSAFE 期间是否允许紧急接管
		}

		Ledger struct {
			Backend    string        // "memory" 或 "postgres"
			RetryMax   int           // 追加失败的有界重试次数
			RetryWait  time.Duration // 退避基础等待（每次翻倍）
			QueueLimit int           // 待重试队列上限（溢出则停止接受新决策）
		}

		Registry struct {
			StaleAfter   time.Duration // 无读数超过该时长 -> STALE
			OfflineAfter time.Duration // 无读数超过该时长 -> OFFLINE
		}

		SweepInterval time.Duration // 周期巡检间隔（STALE 检测 + 在线状态 + 账本补写）
	}

	Cache struct {
		DevicePrefix     string // 实时缓存键前缀，如 "aeroledger:device:"
		DirectiveSuffix  string // 当前指令缓存键后缀
		SupervisorSuffix string // 监督状态缓存键后缀
		FaultsSuffix     string // 未解决故障缓存键后缀
		StatePrefix      string // 持久化引擎状态键前缀，如 "aeroledger:state:"
		RealtimeTTL      int    // 实时缓存 TTL（秒）
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "aeroledger")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "aeroledger-engine")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Oracle.Enabled = getEnvBool("ORACLE_ENABLED", true)
	cfg.Oracle.BaseURL = getEnv("ORACLE_BASE_URL", "http://localhost:8100")
	cfg.Oracle.Timeout = getEnvDuration("ORACLE_TIMEOUT", 2*time.Second)

	// 入口硬上限（超过视为物理上不可能）
	cfg.Engine.Ceilings.PM25 = getEnvFloat("CEILING_PM25", 1000)
	cfg.Engine.Ceilings.CO2 = getEnvFloat("CEILING_CO2", 10000)
	cfg.Engine.Ceilings.CO = getEnvFloat("CEILING_CO", 2000)
	cfg.Engine.Ceilings.VOC = getEnvFloat("CEILING_VOC", 2000)

	// 控制阈值
	cfg.Engine.Limits.PM25 = getEnvFloat("LIMIT_PM25", 35)
	cfg.Engine.Limits.CO2 = getEnvFloat("LIMIT_CO2", 1000)
	cfg.Engine.Limits.CO = getEnvFloat("LIMIT_CO", 50)
	cfg.Engine.Limits.VOC = getEnvFloat("LIMIT_VOC", 200)

	cfg.Engine.Fault.WindowSize = getEnvInt("FAULT_WINDOW_SIZE", 10)
	cfg.Engine.Fault.StuckThreshold = getEnvInt("FAULT_STUCK_THRESHOLD", 5)
	cfg.Engine.Fault.StuckEpsilon = getEnvFloat("FAULT_STUCK_EPSILON", 0.001)
	cfg.Engine.Fault.ResolveAfter = getEnvInt("FAULT_RESOLVE_AFTER", 3)
	cfg.Engine.Fault.StaleSilence = getEnvDuration("FAULT_STALE_SILENCE", 2*time.Minute)
	cfg.Engine.Fault.FailsafeSilence = getEnvDuration("FAULT_FAILSAFE_SILENCE", 10*time.Minute)
	cfg.Engine.Fault.Bands = map[string]ChannelBand{
		"pm25": {Min: 0, Max: 500},
		"co2":  {Min: 300, Max: 5000},
		"co":   {Min: 0, Max: 1000},
		"voc":  {Min: 0, Max: 1000},
	}

	cfg.Engine.Supervisor.StabilityWindow = getEnvInt("SUPERVISOR_STABILITY_WINDOW", 3)
	cfg.Engine.Failsafe.Intensity = getEnvInt("FAILSAFE_INTENSITY", 50)
	cfg.Engine.Override.AllowEmergencyInFailsafe = getEnvBool("OVERRIDE_ALLOW_EMERGENCY_IN_FAILSAFE", true)

	cfg.Engine.Ledger.Backend = getEnv("LEDGER_BACKEND", "memory")
	cfg.Engine.Ledger.RetryMax = getEnvInt("LEDGER_RETRY_MAX", 3)
	cfg.Engine.Ledger.RetryWait = getEnvDuration("LEDGER_RETRY_WAIT", 100*time.Millisecond)
	cfg.Engine.Ledger.QueueLimit = getEnvInt("LEDGER_QUEUE_LIMIT", 1000)

	cfg.Engine.Registry.StaleAfter = getEnvDuration("REGISTRY_STALE_AFTER", 2*time.Minute)
	cfg.Engine.Registry.OfflineAfter = getEnvDuration("REGISTRY_OFFLINE_AFTER", 5*time.Minute)

	cfg.Engine.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 30*time.Second)

	cfg.Cache.DevicePrefix = getEnv("CACHE_DEVICE_PREFIX", "aeroledger:device:")
	cfg.Cache.DirectiveSuffix = ":directive"
	cfg.Cache.SupervisorSuffix = ":supervisor"
	cfg.Cache.FaultsSuffix = ":faults"
	cfg.Cache.StatePrefix = getEnv("CACHE_STATE_PREFIX", "aeroledger:state:")
	cfg.Cache.RealtimeTTL = getEnvInt("CACHE_REALTIME_TTL", 60)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Engine.Fault.ResolveAfter < 2 {
		return nil, fmt.Errorf("FAULT_RESOLVE_AFTER must be greater than 1, got %d", cfg.Engine.Fault.ResolveAfter)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
