package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shamexln/hl7parse/internal/repository"
	commoncfg "github.com/shamexln/hl7parse/owl-common/config"

	"gopkg.in/yaml.v3"
)

// 字典持久化方式
const (
	StoreFile = "file"
	StoreSQL  = "sql"
	StoreBoth = "both"
)

// Config wisefido-hl7 配置
type Config struct {
	Database commoncfg.DatabaseConfig `yaml:"database"`
	Redis    commoncfg.RedisConfig    `yaml:"redis"`
	MQTT     commoncfg.MQTTConfig     `yaml:"mqtt"`

	TCP        TCPConfig        `yaml:"tcp"`
	HTTP       HTTPConfig       `yaml:"http"`
	HL7        HL7Config        `yaml:"hl7"`
	CodeSystem CodeSystemConfig `yaml:"codesystem"`
	Notify     NotifyConfig     `yaml:"notify"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// TCPConfig MLLP 监听
type TCPConfig struct {
	Addr          string        `yaml:"addr"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MaxFrameBytes int           `yaml:"max_frame_bytes"`
	AckMode       string        `yaml:"ack_mode"` // simple | hl7
}

// HTTPConfig 管理接口
type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	Metrics     bool     `yaml:"metrics"`
}

// HL7Config 消息过滤与落库
type HL7Config struct {
	MessageType  string `yaml:"message_type"`
	TriggerEvent string `yaml:"trigger_event"`
	Table        string `yaml:"table"`
	// 应答 MSH-3/MSH-4
	Application string `yaml:"application"`
	Facility    string `yaml:"facility"`
}

// CodeSystemConfig 编码字典
type CodeSystemConfig struct {
	Dir         string `yaml:"dir"`
	DefaultFile string `yaml:"default_file"`
	DefaultName string `yaml:"default_name"` // 为空时由文件名推导
	Store       string `yaml:"store"`        // file | sql | both
	CustomFile  string `yaml:"custom_file"`
}

// NotifyConfig 下游通知
type NotifyConfig struct {
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisStream  string `yaml:"redis_stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
	MQTTEnabled  bool   `yaml:"mqtt_enabled"`
	MQTTTopic    string `yaml:"mqtt_topic"`
}

// Load 加载配置：环境变量（含默认值），HL7_CONFIG_FILE 指定的 YAML 覆盖，最后校验
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-hl7"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.TCP.Addr = getEnv("HL7_TCP_ADDR", ":3359")
	cfg.TCP.IdleTimeout = getDuration("HL7_IDLE_TIMEOUT", 5*time.Minute)
	cfg.TCP.MaxFrameBytes = getInt("HL7_MAX_FRAME_BYTES", 1<<20)
	cfg.TCP.AckMode = getEnv("HL7_ACK_MODE", "simple")

	cfg.HTTP.Addr = getEnv("HL7_HTTP_ADDR", ":3000")
	cfg.HTTP.CORSOrigins = getList("HTTP_CORS_ORIGINS", []string{"*"})
	cfg.HTTP.Metrics = getBool("HL7_METRICS_ENABLED", true)

	cfg.HL7.MessageType = getEnv("HL7_MESSAGE_TYPE", "ORU")
	cfg.HL7.TriggerEvent = getEnv("HL7_TRIGGER_EVENT", "R40")
	cfg.HL7.Table = getEnv("HL7_TABLE", "hl7_patients")
	cfg.HL7.Application = getEnv("HL7_ACK_APPLICATION", "WISEFIDO")
	cfg.HL7.Facility = getEnv("HL7_ACK_FACILITY", "HL7")

	cfg.CodeSystem.Dir = getEnv("CODESYSTEM_DIR", ".")
	cfg.CodeSystem.DefaultFile = getEnv("CODESYSTEM_DEFAULT_FILE", "CodingSystem11073.xml")
	cfg.CodeSystem.DefaultName = getEnv("CODESYSTEM_DEFAULT_NAME", "")
	cfg.CodeSystem.Store = getEnv("CODESYSTEM_STORE", StoreFile)
	cfg.CodeSystem.CustomFile = getEnv("CODESYSTEM_CUSTOM_FILE", "custom_tags.json")

	cfg.Notify.RedisEnabled = getBool("NOTIFY_REDIS_ENABLED", true)
	cfg.Notify.RedisStream = getEnv("NOTIFY_REDIS_STREAM", "hl7:alarm:stream")
	cfg.Notify.StreamMaxLen = int64(getInt("NOTIFY_REDIS_MAXLEN", 10000))
	cfg.Notify.MQTTEnabled = getBool("NOTIFY_MQTT_ENABLED", false)
	cfg.Notify.MQTTTopic = getEnv("NOTIFY_MQTT_TOPIC", "hl7/alarms/{device_id}")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if path := os.Getenv("HL7_CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if !repository.ValidIdentifier(c.HL7.Table) {
		errs = append(errs, fmt.Errorf("invalid table name %q", c.HL7.Table))
	}
	switch c.TCP.AckMode {
	case "simple", "hl7":
	default:
		errs = append(errs, fmt.Errorf("invalid ack mode %q (want simple or hl7)", c.TCP.AckMode))
	}
	switch c.CodeSystem.Store {
	case StoreFile, StoreSQL, StoreBoth:
	default:
		errs = append(errs, fmt.Errorf("invalid codesystem store %q (want file, sql or both)", c.CodeSystem.Store))
	}
	if c.TCP.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max frame bytes must be positive"))
	}
	if c.TCP.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle timeout must not be negative"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS))
	}
	if c.Notify.MQTTEnabled && c.Notify.MQTTTopic == "" {
		errs = append(errs, errors.New("mqtt notification enabled without topic"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// UsesSQLStore 字典是否镜像到数据库
func (c *Config) UsesSQLStore() bool {
	return c.CodeSystem.Store == StoreSQL || c.CodeSystem.Store == StoreBoth
}

// UsesFileStore 字典是否写入本地文件
func (c *Config) UsesFileStore() bool {
	return c.CodeSystem.Store == StoreFile || c.CodeSystem.Store == StoreBoth
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
