package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Накатывает схему БД (orders, trading_locks) на указанный инстанс.
// Схема идемпотентна: CREATE TABLE IF NOT EXISTS, можно гонять повторно.
//
//	DATABASE_DSN=postgres://... go run ./cmd/migrate
//	go run ./cmd/migrate --schema internal/pg/schema/schema.sql

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetDefault("schema", "internal/pg/schema/schema.sql")
	if err := v.BindEnv("dsn", "DATABASE_DSN"); err != nil {
		return errors.Wrap(err, "bind env")
	}

	pflagLite(v, os.Args[1:])

	dsn := v.GetString("dsn")
	if dsn == "" {
		return errors.New("DATABASE_DSN is required")
	}

	raw, err := os.ReadFile(v.GetString("schema"))
	if err != nil {
		return errors.Wrap(err, "read schema")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := conn.Exec(ctx, string(raw)); err != nil {
		return errors.Wrap(err, "apply schema")
	}

	fmt.Println("schema applied")
	return nil
}

// pflagLite разбирает пары --key value без внешних зависимостей на флаги.
func pflagLite(v *viper.Viper, args []string) {
	for i := 0; i+1 < len(args); i += 2 {
		if len(args[i]) > 2 && args[i][:2] == "--" {
			v.Set(args[i][2:], args[i+1])
		}
	}
}
