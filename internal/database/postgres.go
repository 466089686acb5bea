package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

type PgStayChatRepository struct {
	conn *sql.DB
}

func NewPgStayChatRepository(dsn string) (*PgStayChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgStayChatRepository{conn: db}, nil
}

func (db *PgStayChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgStayChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
