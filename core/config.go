package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env          string `validate:"oneof=DEV TEST QA PROD"`
		Build        string
		AppName      string `validate:"required"`
		Debug        bool
		TestMode     bool
		SecretKey    string `validate:"required,min=16"`
		RollbarToken string

		Server   ServerConfig
		Mongo    MongoConfig
		Realtime RealtimeConfig
		NATS     NATSConfig
	}

	ServerConfig struct {
		Host               string
		Address            string `validate:"required"`
		DebugAddress       string
		ShutdownTimeout    time.Duration `validate:"gt=0"`
		RequestLogs        bool
		JWTExpirationDelta time.Duration `validate:"gt=0"`
	}

	MongoConfig struct {
		URI            string `validate:"required"`
		Database       string `validate:"required"`
		ConnectTimeout time.Duration
	}

	RealtimeConfig struct {
		ThrottleWindow  time.Duration `validate:"gte=0"`
		ReconnectDelay  time.Duration `validate:"gte=0"`
		FallbackChannel string        `validate:"required"`
		ClientBuffer    int           `validate:"gt=0"`
		PingPeriod      time.Duration `validate:"gt=0"`
		PongWait        time.Duration `validate:"gtfield=PingPeriod"`
		WriteWait       time.Duration `validate:"gt=0"`
		// AllowedOrigins lists browser origins, besides the API's own, allowed to open websockets. "*" allows any.
		AllowedOrigins  []string
	}

	// NATSConfig enables the relay when URL is set.
	NATSConfig struct {
		URL           string
		SubjectPrefix string `validate:"required_with=URL"`
	}
)

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("appName", "Masomo")
	conf.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	conf.SetDefault("rollbarToken", "")

	conf.SetDefault("serverHost", "localhost")
	conf.SetDefault("serverAddress", ":8001")
	conf.SetDefault("serverDebugAddress", ":4001")
	conf.SetDefault("serverShutdownTimeout", 5*time.Second)
	conf.SetDefault("serverRequestLogs", true)
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)

	conf.SetDefault("mongoURI", "mongodb://localhost:27017/?replicaSet=rs0")
	conf.SetDefault("mongoDatabase", "masomo")
	conf.SetDefault("mongoConnectTimeout", 10*time.Second)

	conf.SetDefault("realtimeThrottleWindow", time.Second)
	conf.SetDefault("realtimeReconnectDelay", 5*time.Second)
	conf.SetDefault("realtimeFallbackChannel", "general")
	conf.SetDefault("realtimeClientBuffer", 64)
	conf.SetDefault("realtimePingPeriod", 50*time.Second)
	conf.SetDefault("realtimePongWait", 60*time.Second)
	conf.SetDefault("realtimeWriteWait", 10*time.Second)
	conf.SetDefault("realtimeAllowedOrigins", "")

	conf.SetDefault("natsURL", "")
	conf.SetDefault("natsSubjectPrefix", "masomo")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:          env,
		Build:        conf.GetString("build"),
		AppName:      conf.GetString("appName"),
		Debug:        conf.GetBool("debug"),
		TestMode:     conf.GetBool("testMode"),
		SecretKey:    conf.GetString("secretKey"),
		RollbarToken: conf.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:               conf.GetString("serverHost"),
			Address:            conf.GetString("serverAddress"),
			DebugAddress:       conf.GetString("serverDebugAddress"),
			ShutdownTimeout:    conf.GetDuration("serverShutdownTimeout"),
			RequestLogs:        conf.GetBool("serverRequestLogs"),
			JWTExpirationDelta: conf.GetDuration("jwtExpirationDelta"),
		},
		Mongo: MongoConfig{
			URI:            conf.GetString("mongoURI"),
			Database:       conf.GetString("mongoDatabase"),
			ConnectTimeout: conf.GetDuration("mongoConnectTimeout"),
		},
		Realtime: RealtimeConfig{
			ThrottleWindow:  conf.GetDuration("realtimeThrottleWindow"),
			ReconnectDelay:  conf.GetDuration("realtimeReconnectDelay"),
			FallbackChannel: conf.GetString("realtimeFallbackChannel"),
			ClientBuffer:    conf.GetInt("realtimeClientBuffer"),
			PingPeriod:      conf.GetDuration("realtimePingPeriod"),
			PongWait:        conf.GetDuration("realtimePongWait"),
			WriteWait:       conf.GetDuration("realtimeWriteWait"),
			AllowedOrigins:  SplitList(conf.GetString("realtimeAllowedOrigins")),
		},
		NATS: NATSConfig{
			URL:           conf.GetString("natsURL"),
			SubjectPrefix: conf.GetString("natsSubjectPrefix"),
		},
	}
}

// Validate checks the loaded values against their struct tags.
func (c *Config) Validate(validate *validator.Validate) error {
	return errors.Wrap(validate.Struct(c), "invalid config")
}
