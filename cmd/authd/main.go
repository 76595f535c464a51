// Command authd serves the authentication gateway over Redis.
//
// Configuration comes from the environment (optionally a .env file in
// the working directory):
//
//	AUTHD_ADDR            listen address (default :8080)
//	AUTHD_REDIS_ADDR      redis address (default localhost:6379)
//	AUTHD_REDIS_PASSWORD  redis password
//	AUTHD_KEY_PREFIX      store key prefix (default authgate)
//	AUTHD_SECRET          hex-encoded signing secret, required
//	AUTHD_ISSUER          token issuer
//	AUTHD_AUDIENCE        token audience
//	AUTHD_ORIGINS         comma-separated CORS origins
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/it-era/authgate"
)

type envConfig struct {
	Addr          string `env:"AUTHD_ADDR" env-default:":8080"`
	RedisAddr     string `env:"AUTHD_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `env:"AUTHD_REDIS_PASSWORD"`
	KeyPrefix     string `env:"AUTHD_KEY_PREFIX" env-default:"authgate"`
	Secret        string `env:"AUTHD_SECRET" env-required:"true"`
	Issuer        string `env:"AUTHD_ISSUER" env-default:"it-era.it"`
	Audience      string `env:"AUTHD_AUDIENCE" env-default:"it-era-admin"`
	Origins       string `env:"AUTHD_ORIGINS"`

	BootstrapEmail    string `env:"AUTHD_BOOTSTRAP_EMAIL"`
	BootstrapPassword string `env:"AUTHD_BOOTSTRAP_PASSWORD"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("authd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	var env envConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return err
	}

	secret, err := hex.DecodeString(env.Secret)
	if err != nil {
		return errors.New("AUTHD_SECRET must be hex encoded")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     env.RedisAddr,
		Password: env.RedisPassword,
	})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return err
	}

	cfg := authgate.DefaultConfig()
	cfg.Token.Secret = secret
	cfg.Token.Issuer = env.Issuer
	cfg.Token.Audience = env.Audience
	cfg.KeyPrefix = env.KeyPrefix
	if env.Origins != "" {
		cfg.CORS.AllowedOrigins = splitComma(env.Origins)
	}

	creds, err := authgate.NewInMemoryCredentials()
	if err != nil {
		return err
	}
	if env.BootstrapEmail != "" && env.BootstrapPassword != "" {
		err := creds.Add(authgate.Principal{
			ID:          "bootstrap-admin",
			Email:       env.BootstrapEmail,
			Name:        "Bootstrap Admin",
			Role:        "admin",
			Permissions: []string{"read", "write", "admin"},
			Active:      true,
		}, env.BootstrapPassword)
		if err != nil {
			return err
		}
		logger.Info("bootstrap principal registered", "email", env.BootstrapEmail)
	}

	gw, err := authgate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentials(creds).
		Build()
	if err != nil {
		return err
	}
	defer gw.Close()

	server := &http.Server{
		Addr:              env.Addr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authd listening", "addr", env.Addr, "redis", env.RedisAddr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("authd stopped")
	return nil
}

func splitComma(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
