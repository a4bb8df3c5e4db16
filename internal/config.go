package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/murakmii/dremel/internal/compress"
	"github.com/murakmii/dremel/internal/source"
	"github.com/spf13/viper"
)

type Config struct {
	Concurrency    int    `mapstructure:"concurrency"`
	IndexCacheSize int    `mapstructure:"index_cache_size"`
	LogLevel       string `mapstructure:"log_level"`

	HTTP struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`

	S3 struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		UseSSL    bool   `mapstructure:"use_ssl"`
	} `mapstructure:"s3"`

	Writer struct {
		RowGroupSize int    `mapstructure:"row_group_size"`
		PageSize     int    `mapstructure:"page_size"`
		Codec        string `mapstructure:"codec"`
	} `mapstructure:"writer"`
}

// path が空なら既定値と DREMEL_* 環境変数だけで組み立てる
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("concurrency", defaultConcurrency)
	v.SetDefault("index_cache_size", defaultIndexCacheSize)
	v.SetDefault("log_level", "info")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("writer.row_group_size", defaultRowGroupSize)
	v.SetDefault("writer.page_size", defaultPageSize)
	v.SetDefault("writer.codec", "UNCOMPRESSED")

	v.SetEnvPrefix("dremel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if _, err := compress.Parse(cfg.Writer.Codec); err != nil {
		return nil, fmt.Errorf("writer.codec: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ReaderOptions() []Option {
	return []Option{
		WithConcurrency(c.Concurrency),
		WithIndexCacheSize(c.IndexCacheSize),
	}
}

func (c *Config) WriterOptions() []WriterOption {
	// LoadConfig で検証済み
	codec, _ := compress.Parse(c.Writer.Codec)
	return []WriterOption{
		WithRowGroupSize(c.Writer.RowGroupSize),
		WithPageSize(c.Writer.PageSize),
		WithCodec(codec),
	}
}

func (c *Config) S3Options() source.S3Options {
	return source.S3Options{
		Endpoint:  c.S3.Endpoint,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		UseSSL:    c.S3.UseSSL,
	}
}
