package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	App      AppConfig      `mapstructure:"app"`
	Forum    ForumConfig    `mapstructure:"forum"`
}

type ServerConfig struct {
	Port      string  `mapstructure:"port"`
	Mode      string  `mapstructure:"mode"`
	RateLimit float64 `mapstructure:"rate_limit"` // 每个 IP 每秒请求数，<=0 不限流
	RateBurst int     `mapstructure:"rate_burst"`
	// CORSOrigins 允许的跨域来源，"*" 表示全部
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

// DSN gorm/postgres 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode, c.TimeZone)
}

// URL golang-migrate 使用的连接串
func (c DatabaseConfig) URL() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int64  `mapstructure:"expire"` // 小时
}

type AppConfig struct {
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

// ForumConfig 论坛聚合相关配置，构造服务时显式传入
type ForumConfig struct {
	FloodWindow        time.Duration `mapstructure:"flood_window"`       // 两次发帖最小间隔，<=0 关闭
	DuplicateLookback  time.Duration `mapstructure:"duplicate_lookback"` // 重复检测回看时长，0 表示不限
	ThrottleCapability string        `mapstructure:"throttle_capability"`
	ModerateCapability string        `mapstructure:"moderate_capability"`
	LockBackend        string        `mapstructure:"lock_backend"` // memory / redis
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	MaxDepth           int           `mapstructure:"max_depth"`
	ReconcileWorkers   int           `mapstructure:"reconcile_workers"`
	ReconcileBuffer    int           `mapstructure:"reconcile_buffer"`
	ReconcileMaxRetry  int           `mapstructure:"reconcile_max_retry"`
}

// DefaultForumConfig 默认论坛配置
func DefaultForumConfig() ForumConfig {
	return ForumConfig{
		FloodWindow:        10 * time.Second,
		DuplicateLookback:  24 * time.Hour,
		ThrottleCapability: "throttle",
		ModerateCapability: "moderate",
		LockBackend:        "memory",
		LockTTL:            10 * time.Second,
		MaxDepth:           64,
		ReconcileWorkers:   4,
		ReconcileBuffer:    1024,
		ReconcileMaxRetry:  3,
	}
}

var GlobalConfig Config

// Validate 验证配置
func (c *Config) Validate() error {
	if c.App.Env == "prod" {
		if c.JWT.Secret == "" || c.JWT.Secret == "your_super_secret_key" {
			return errors.New("please set a secure JWT secret in production")
		}
		if len(c.JWT.Secret) < 32 {
			return errors.New("JWT secret should be at least 32 characters")
		}
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return errors.New("database configuration is incomplete")
	}

	if c.Forum.LockBackend != "memory" && c.Forum.LockBackend != "redis" {
		return fmt.Errorf("unknown forum.lock_backend %q", c.Forum.LockBackend)
	}
	if c.Forum.LockBackend == "redis" && c.Redis.Addr == "" {
		return errors.New("redis address is required for the redis lock backend")
	}
	if c.Forum.ReconcileWorkers <= 0 {
		return errors.New("forum.reconcile_workers must be positive")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultForumConfig()

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("jwt.expire", 24)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.debug", true)

	v.SetDefault("forum.flood_window", def.FloodWindow)
	v.SetDefault("forum.duplicate_lookback", def.DuplicateLookback)
	v.SetDefault("forum.throttle_capability", def.ThrottleCapability)
	v.SetDefault("forum.moderate_capability", def.ModerateCapability)
	v.SetDefault("forum.lock_backend", def.LockBackend)
	v.SetDefault("forum.lock_ttl", def.LockTTL)
	v.SetDefault("forum.max_depth", def.MaxDepth)
	v.SetDefault("forum.reconcile_workers", def.ReconcileWorkers)
	v.SetDefault("forum.reconcile_buffer", def.ReconcileBuffer)
	v.SetDefault("forum.reconcile_max_retry", def.ReconcileMaxRetry)
}

// Load 读取配置文件与环境变量，configFile 为空时按 APP_ENV 查找
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// 获取环境变量，默认为dev
		env := os.Getenv("APP_ENV")
		configName := "config"
		if env != "" && env != "dev" {
			configName = "config." + env
		}
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("Warning: Config file not found, using defaults or env vars: %v", err)
	}

	// 绑定环境变量，如 FORUM_FLOOD_WINDOW=30s
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 手动覆盖，以防 viper 无法正确解析环境变量
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		cfg.JWT.Secret = jwtSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfig 加载配置到 GlobalConfig，失败直接退出
func LoadConfig() {
	cfg, err := Load("")
	if err != nil {
		log.Fatalf("%v", err)
	}
	GlobalConfig = *cfg
	log.Printf("Configuration loaded and validated successfully. Environment: %s", GlobalConfig.App.Env)
}
