package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	IdentityBaseURL      string        `env:"IDP_BASE_URL,required,notEmpty"`
	IdentityRealm        string        `env:"IDP_REALM,required"`
	IdentityClientID     string        `env:"IDP_CLIENT_ID,required"`
	IdentityClientSecret string        `env:"IDP_CLIENT_SECRET"`
	IdentityRedirectURL  string        `env:"IDP_REDIRECT_URL"`
	IdentityTimeout      time.Duration `env:"IDP_TIMEOUT" envDefault:"10s"`
	IdentityPublicKey    string        `env:"IDP_REALM_PUBLIC_KEY"`

	OTPLength   int           `env:"OTP_LENGTH" envDefault:"4"`
	OTPTTL      time.Duration `env:"OTP_TTL" envDefault:"10m"`
	OTPCooldown time.Duration `env:"OTP_COOLDOWN" envDefault:"60s"`
	OTPAttempts int           `env:"OTP_ATTEMPTS" envDefault:"3"`

	DeletionSchedule    string        `env:"DELETION_SCHEDULE" envDefault:"@every 30m"`
	DeletionBatchSize   int           `env:"DELETION_BATCH_SIZE" envDefault:"500"`
	DeletionMaxAttempts int           `env:"DELETION_MAX_ATTEMPTS" envDefault:"5"`
	DeletionBackoff     time.Duration `env:"DELETION_BACKOFF" envDefault:"10s"`
	DeletionGrace       time.Duration `env:"DELETION_GRACE" envDefault:"24h"`
	DeletionWorkers     int           `env:"DELETION_WORKERS" envDefault:"1"`
	JobTimeout          time.Duration `env:"JOB_TIMEOUT" envDefault:"1m"`
	RunScheduler        bool          `env:"RUN_SCHEDULER" envDefault:"true"`
	RunConsumers        bool          `env:"RUN_CONSUMERS" envDefault:"true"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPass     string `env:"SMTP_PASS"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME"`
	SMTPUseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"false"`
	MailViaQueue bool   `env:"MAIL_VIA_QUEUE" envDefault:"true"`
	MailAttempts int    `env:"MAIL_ATTEMPTS" envDefault:"3"`

	ResetRequestLimit  int           `env:"RESET_REQUEST_LIMIT" envDefault:"5"`
	ResetRequestWindow time.Duration `env:"RESET_REQUEST_WINDOW" envDefault:"15m"`
	RevocationTTL      time.Duration `env:"REVOCATION_TTL" envDefault:"720h"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return errors.New("config: OTP_LENGTH must be between 4 and 10")
	}
	if c.OTPAttempts <= 0 {
		return errors.New("config: OTP_ATTEMPTS must be positive")
	}
	if c.OTPTTL <= 0 || c.OTPCooldown < 0 {
		return errors.New("config: OTP_TTL must be positive and OTP_COOLDOWN non-negative")
	}
	if c.DeletionMaxAttempts <= 0 {
		return errors.New("config: DELETION_MAX_ATTEMPTS must be positive")
	}
	if c.DeletionWorkers <= 0 {
		c.DeletionWorkers = 1
	}
	if c.DeletionBatchSize <= 0 {
		c.DeletionBatchSize = 500
	}
	return nil
}
