package pgcheckpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/redisstream/checkpoint"
	"github.com/thefabric-io/transactional"
)

// PostgresCheckpointStore returns a checkpoint store backed by the Postgres
// table created by Init.
func PostgresCheckpointStore() checkpoint.Store {
	return &store{}
}

type store struct{}

func (s *store) Save(ctx context.Context, transaction transactional.Transaction, consumer string, id redisstream.StreamID) error {
	query := fmt.Sprintf(`
		insert into %s.consumer_checkpoints
			(consumer_name, last_entry_id)
		values ($1, $2)
		on conflict (consumer_name)
		do update set
			last_entry_id = excluded.last_entry_id,
			last_occurred_at = now();
	`, schema)

	tx := transaction.(*sqlx.Tx)
	if _, err := tx.ExecContext(ctx, query, consumer, id.String()); err != nil {
		return err
	}

	return nil
}

func (s *store) Load(ctx context.Context, transaction transactional.Transaction, consumer string) (redisstream.StreamID, bool, error) {
	query := fmt.Sprintf(`
		select last_entry_id
		from %s.consumer_checkpoints where consumer_name = $1;`, schema)

	var raw string

	tx := transaction.(*sqlx.Tx)

	if err := tx.GetContext(ctx, &raw, query, consumer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return redisstream.StreamID{}, false, nil
		}

		return redisstream.StreamID{}, false, err
	}

	id, err := redisstream.ParseStreamID(raw)
	if err != nil {
		return redisstream.StreamID{}, false, err
	}

	return id, true, nil
}
