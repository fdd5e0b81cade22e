package pgcheckpoint

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

var schema = "redisstream"

type CheckpointStorageConfig struct {
	PostgresURL string
	Schema      string
}

// Init creates the checkpoint schema and table if they do not exist. Without
// an explicit config it reads CHECKPOINT_PG_URL and CHECKPOINT_SCHEMA from
// the environment, loading a .env file when present.
func Init(optionalConfig ...CheckpointStorageConfig) error {
	if len(optionalConfig) == 0 {
		_ = godotenv.Load()

		optionalConfig = append(optionalConfig, CheckpointStorageConfig{
			PostgresURL: os.Getenv("CHECKPOINT_PG_URL"),
			Schema:      os.Getenv("CHECKPOINT_SCHEMA"),
		})
	} else if len(optionalConfig) > 1 {
		return errors.New("only one config is allowed")
	}

	config := optionalConfig[0]

	if config.PostgresURL == "" {
		return errors.New("database connection string is required")
	}

	db, err := sqlx.Connect("postgres", config.PostgresURL)
	if err != nil {
		return err
	}

	if config.Schema != "" {
		schema = config.Schema
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}

	defer tx.Rollback()

	if err := createSchema(tx); err != nil {
		return err
	}

	if err := createTable(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

func createSchema(tx *sqlx.Tx) error {
	query := fmt.Sprintf("create schema if not exists %s;", schema)

	if _, err := tx.Exec(query); err != nil {
		return err
	}

	return nil
}

func createTable(tx *sqlx.Tx) error {
	query := fmt.Sprintf(`create table if not exists %s.consumer_checkpoints(
				consumer_name varchar primary key,
				last_entry_id varchar not null,
				last_occurred_at timestamptz default now()
			);`, schema)

	if _, err := tx.Exec(query); err != nil {
		return err
	}

	return nil
}
