package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host               string
		Address            string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		// JWTRefreshExpirationDelta bounds how long after the original login a token may still be refreshed.
		JWTRefreshExpirationDelta time.Duration
		RealtimePingInterval      time.Duration
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Path          string // sqlite only
	}

	// SyncConfig drives tablesync channels opened by the API process and the CLI.
	SyncConfig struct {
		RetryPolicy         string // fixed | exponential
		RetryDelay          time.Duration
		MaxRetryDelay       time.Duration
		SubscribeRetryDelay time.Duration
		PollInterval        time.Duration
		QueryTimeout        time.Duration
	}

	RemoteConfig struct {
		BaseURL string
		Token   string
	}

	Config struct {
		AppName          string
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		SecretKey        string
		RollbarToken     string
		SendgridAPIKey   string
		FrontendBaseURL  string
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Sync     SyncConfig
		Remote   RemoteConfig
	}
)

func (conf *Config) DefaultFromEmail() mail.Address {
	return parseMailAddress(conf.defaultFromEmail)
}

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// NewConfig reads the configuration of the current environment (ENV: DEV (default), TEST, QA, PROD).
// Values come from the process environment, prefixed by the environment name (e.g. DEV_DATABASE_ENGINE),
// optionally loaded from config/.env.<env>.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Campus")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("frontendBaseUrl", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "Campus <noreply@localhost>")

	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_address", ":8000")
	v.SetDefault("server_debugHost", ":4000")
	v.SetDefault("server_shutdownTimeout", 5*time.Second)
	v.SetDefault("server_jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server_jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("server_realtimePingInterval", 15*time.Second)

	v.SetDefault("database_engine", "sqlite")
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", "5432")
	v.SetDefault("database_name", "campus")
	v.SetDefault("database_user", "campus")
	v.SetDefault("database_password", "")
	v.SetDefault("database_adminUser", "postgres")
	v.SetDefault("database_adminPassword", "")
	v.SetDefault("database_disableTls", false)
	v.SetDefault("database_path", "campus.db")

	v.SetDefault("sync_retryPolicy", "exponential")
	v.SetDefault("sync_retryDelay", 500*time.Millisecond)
	v.SetDefault("sync_maxRetryDelay", 30*time.Second)
	v.SetDefault("sync_subscribeRetryDelay", time.Second)
	v.SetDefault("sync_pollInterval", time.Duration(0))
	v.SetDefault("sync_queryTimeout", 10*time.Second)

	v.SetDefault("remote_baseUrl", "http://localhost:8000")
	v.SetDefault("remote_token", "")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		AppName:          v.GetString("appName"),
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		SecretKey:        v.GetString("secretKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridAPIKey:   v.GetString("sendgridApiKey"),
		FrontendBaseURL:  v.GetString("frontendBaseUrl"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server_host"),
			Address:                   v.GetString("server_address"),
			DebugHost:                 v.GetString("server_debugHost"),
			ShutdownTimeout:           v.GetDuration("server_shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server_jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server_jwtRefreshExpirationDelta"),
			RealtimePingInterval:      v.GetDuration("server_realtimePingInterval"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database_engine"),
			Host:          v.GetString("database_host"),
			Port:          v.GetString("database_port"),
			Name:          v.GetString("database_name"),
			User:          v.GetString("database_user"),
			Password:      v.GetString("database_password"),
			AdminUser:     v.GetString("database_adminUser"),
			AdminPassword: v.GetString("database_adminPassword"),
			DisableTLS:    v.GetBool("database_disableTls"),
			Path:          v.GetString("database_path"),
		},
		Sync: SyncConfig{
			RetryPolicy:         v.GetString("sync_retryPolicy"),
			RetryDelay:          v.GetDuration("sync_retryDelay"),
			MaxRetryDelay:       v.GetDuration("sync_maxRetryDelay"),
			SubscribeRetryDelay: v.GetDuration("sync_subscribeRetryDelay"),
			PollInterval:        v.GetDuration("sync_pollInterval"),
			QueryTimeout:        v.GetDuration("sync_queryTimeout"),
		},
		Remote: RemoteConfig{
			BaseURL: v.GetString("remote_baseUrl"),
			Token:   v.GetString("remote_token"),
		},
	}
}

// NewTestConfig returns the configuration used by tests: no .env lookup, short sync delays.
func NewTestConfig() *Config {
	return &Config{
		AppName:          "Campus",
		Env:              "TEST",
		Build:            "test",
		TestMode:         true,
		SecretKey:        "test-secret",
		FrontendBaseURL:  "http://localhost:3000",
		defaultFromEmail: "Campus <noreply@localhost>",
		Server: ServerConfig{
			Host:                      "localhost",
			ShutdownTimeout:           time.Second,
			JWTExpirationDelta:        time.Hour,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			RealtimePingInterval:      time.Second,
		},
		Database: DatabaseConfig{Engine: "sqlite"},
		Sync: SyncConfig{
			RetryPolicy:         "fixed",
			RetryDelay:          10 * time.Millisecond,
			MaxRetryDelay:       50 * time.Millisecond,
			SubscribeRetryDelay: 10 * time.Millisecond,
			QueryTimeout:        time.Second,
		},
	}
}

// Getwd tries to find the project root (the directory holding go.mod).
// go-test changes the working directory to the test package being run during tests,
// so we walk up until we find it. Falls back to the working directory.
func Getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	currDir := wd
	for {
		if _, err := os.Stat(filepath.Join(currDir, "go.mod")); err == nil {
			return currDir
		}
		newDir := filepath.Dir(currDir)
		if newDir == string(os.PathSeparator) || newDir == currDir {
			return wd
		}
		currDir = newDir
	}
}

func (conf *Config) String() string {
	return fmt.Sprintf("%s(%s) build=%s db=%s", conf.AppName, conf.Env, conf.Build, conf.Database.Engine)
}
