package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() waiting for DB.
}

// DSN builds the ledger database DSN. DATABASE_DSN wins when set; otherwise DB_* parts are used.
// DB_HOST under /cloudsql/ is treated as the Cloud SQL Auth Proxy unix socket.
func DSN() string {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN")); dsn != "" {
		return dsn
	}
	dbHost := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", dbHost, os.Getenv("DB_PORT"))
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network, address = "unix", dbHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		network,
		address,
		os.Getenv("DB_NAME"),
	)
}

// ConnectDatabaseWithRetry connects the idempotency ledger database and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	log := GetLogger()
	dsn := DSN()

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), initConfig())
		if err == nil {
			err = configurePool(conn)
		}
		if err == nil {
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.WithFields(logrus.Fields{"field": "database"}).Warn("otelgorm plugin not installed: " + pluginErr.Error())
			}
			db = conn
			log.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Info("connected to database")
			return
		}

		sleep := retrySleep(attempt)
		log.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Warn("failed to connect database; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}
}

// configurePool applies DB_MAX_OPEN_CONNS (20), DB_MAX_IDLE_CONNS (10) and
// DB_CONN_MAX_LIFETIME_SECONDS (300), then pings.
func configurePool(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 20); maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 10); maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if life := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second; life > 0 {
		sqlDB.SetConnMaxLifetime(life)
	}
	return sqlDB.Ping()
}

// retrySleep is 2^attempt seconds, capped at 30s.
func retrySleep(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// initLog routes gorm's slow-query and error logs through the service logger.
func initLog() logger.Interface {
	return logger.New(
		GetLogger(),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
