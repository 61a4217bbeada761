package models

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	StorageLocal = "local"
	StorageMinIO = "minio"

	NotifierKafka = "kafka"
	NotifierAMQP  = "amqp"
	NotifierNone  = "none"
)

type Config struct {
	ServerAddr    string `yaml:"server_addr"`
	DatabaseURL   string `yaml:"database_url"`
	KafkaBroker   string `yaml:"kafka_broker"`
	KafkaTopic    string `yaml:"kafka_topic"`
	KafkaGroupID  string `yaml:"kafka_group_id"`
	EventsTopic   string `yaml:"events_topic"`
	StoragePath   string `yaml:"storage_path"`
	StorageDriver string `yaml:"storage_driver"`
	Notifier      string `yaml:"notifier"`
	AMQPURL       string `yaml:"amqp_url"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	MinIO MinIOConfig `yaml:"minio"`
	Jobs  JobsConfig  `yaml:"jobs"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type JobsConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	Backoff     time.Duration `yaml:"backoff"`
	Workers     int           `yaml:"workers"`
}

// LoadConfig reads the yaml file at path, then applies .env and environment
// overrides and defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.DatabaseURL, "DATABASE_URL")
	override(&c.KafkaBroker, "KAFKA_BROKER")
	override(&c.StoragePath, "STORAGE_PATH")
	override(&c.StorageDriver, "STORAGE_DRIVER")
	override(&c.AMQPURL, "AMQP_URL")
	override(&c.MinIO.Endpoint, "MINIO_ENDPOINT")
	override(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	override(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
	override(&c.MinIO.Bucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.MinIO.UseSSL = v == "true"
	}
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.KafkaBroker == "" {
		c.KafkaBroker = "localhost:9092"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "image-jobs"
	}
	if c.KafkaGroupID == "" {
		c.KafkaGroupID = "image-processor-group"
	}
	if c.EventsTopic == "" {
		c.EventsTopic = "image-transformations"
	}
	if c.StoragePath == "" {
		c.StoragePath = "./storage"
	}
	if c.StorageDriver == "" {
		c.StorageDriver = StorageLocal
	}
	if c.Notifier == "" {
		c.Notifier = NotifierKafka
	}
	if c.MaxUploadSize == 0 {
		c.MaxUploadSize = 10 << 20
	}
	if c.MinIO.Endpoint == "" {
		c.MinIO.Endpoint = "localhost:9000"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "images"
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.Timeout == 0 {
		c.Jobs.Timeout = 300 * time.Second
	}
	if c.Jobs.Backoff == 0 {
		c.Jobs.Backoff = time.Second
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
}

func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database_url is required")
	case c.StorageDriver != StorageLocal && c.StorageDriver != StorageMinIO:
		return fmt.Errorf("unknown storage_driver %q", c.StorageDriver)
	case c.Notifier != NotifierKafka && c.Notifier != NotifierAMQP && c.Notifier != NotifierNone:
		return fmt.Errorf("unknown notifier %q", c.Notifier)
	case c.Notifier == NotifierAMQP && c.AMQPURL == "":
		return errors.New("amqp_url is required for the amqp notifier")
	case c.Jobs.MaxAttempts < 1:
		return fmt.Errorf("jobs.max_attempts must be positive, got %d", c.Jobs.MaxAttempts)
	case c.Jobs.Timeout <= 0:
		return fmt.Errorf("jobs.timeout must be positive, got %s", c.Jobs.Timeout)
	case c.Jobs.Workers < 1:
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	return nil
}
