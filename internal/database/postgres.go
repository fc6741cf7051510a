package database

import (
	"context"
	"database/sql"
	"time"
)

type PgDiscussRepository struct {
	conn *sql.DB
}

func NewPgDiscussRepository(dsn string) (*PgDiscussRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &PgDiscussRepository{conn: db}, nil
}

func (db *PgDiscussRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgDiscussRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
