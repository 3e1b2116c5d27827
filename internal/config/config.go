package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PointsCredit string `mapstructure:"points_credit"`
}

// StripeConfig Stripe 相关配置
// 密钥和 lookup key 都是启动必需项，缺失属于配置错误，不在请求期间兜底
type StripeConfig struct {
	SecretKey            string `mapstructure:"secret_key"`
	WebhookSecret        string `mapstructure:"webhook_secret"`
	PublishableKey       string `mapstructure:"publishable_key"`
	StarterLookupKey     string `mapstructure:"starter_lookup_key"`
	TopupSmallLookupKey  string `mapstructure:"topup_small_lookup_key"`
	TopupMediumLookupKey string `mapstructure:"topup_medium_lookup_key"`
	TopupLargeLookupKey  string `mapstructure:"topup_large_lookup_key"`
}

type BusinessConfig struct {
	FallbackOrigin string `mapstructure:"fallback_origin"` // 请求没有 Origin 头时的回跳地址
	ReconcileCron  string `mapstructure:"reconcile_cron"`  // 对账任务执行计划
	MaxRetryCount  int    `mapstructure:"max_retry_count"` // outbox 消息最大重试次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
// 环境变量优先于配置文件，例如 STRIPE_SECRET_KEY 覆盖 stripe.secret_key
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("business.fallback_origin", "https://cluba.com")
	viper.SetDefault("business.reconcile_cron", "0 4 * * *")
	viper.SetDefault("business.max_retry_count", 3)
	viper.SetDefault("kafka.topic.points_credit", "points.credit")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("读取配置文件失败，仅使用环境变量: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	validateStripe(&config.Stripe)

	GlobalConfig = config
	return config
}

// validateStripe 校验 Stripe 必需配置
func validateStripe(cfg *StripeConfig) {
	required := map[string]string{
		"stripe.secret_key":              cfg.SecretKey,
		"stripe.webhook_secret":          cfg.WebhookSecret,
		"stripe.publishable_key":         cfg.PublishableKey,
		"stripe.starter_lookup_key":      cfg.StarterLookupKey,
		"stripe.topup_small_lookup_key":  cfg.TopupSmallLookupKey,
		"stripe.topup_medium_lookup_key": cfg.TopupMediumLookupKey,
		"stripe.topup_large_lookup_key":  cfg.TopupLargeLookupKey,
	}
	for key, value := range required {
		if value == "" {
			log.Fatalf("缺少必需配置项: %s", key)
		}
	}
}

// TopupLookupKey 返回指定档位对应的 lookup key
func (c *StripeConfig) TopupLookupKey(pack string) string {
	switch pack {
	case "small":
		return c.TopupSmallLookupKey
	case "medium":
		return c.TopupMediumLookupKey
	case "large":
		return c.TopupLargeLookupKey
	}
	return ""
}
