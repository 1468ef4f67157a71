// Package db fornece o handle de banco de dados: uma única conexão física
// com um arquivo SQLite. Cada handle é de uso exclusivo — nunca compartilhado
// entre goroutines — e é a unidade gerenciada pelo connection pool.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config contém as opções de abertura de um handle SQLite.
type Config struct {
	// Path é o caminho do arquivo do banco de dados.
	Path string

	// ForeignKeys habilita a imposição de chaves estrangeiras (PRAGMA foreign_keys).
	ForeignKeys bool

	// Synchronous define o modo de durabilidade ("OFF", "NORMAL", "FULL").
	Synchronous string

	// BusyTimeout é quanto tempo esperar por um write lock antes de SQLITE_BUSY.
	BusyTimeout time.Duration
}

// Database encapsula uma conexão SQLite aberta. Usamos sql.DB com
// MaxOpenConns=1 para que cada Database corresponda exatamente a uma conexão
// física — o pool gerencia o ciclo de vida, não o database/sql.
type Database struct {
	sql  *sql.DB
	path string
}

// Open abre uma conexão com o arquivo SQLite e aplica os pragmas padrão.
// O arquivo é criado caso não exista.
func Open(cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db: path cannot be empty")
	}

	conn, err := sql.Open("sqlite", "file:"+cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("db: opening %s: %w", cfg.Path, err)
	}

	// Uma conexão física por handle. O ciclo de vida é gerenciado pelo pool.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	d := &Database{sql: conn, path: cfg.Path}

	if err := d.applyPragmas(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping %s: %w", cfg.Path, err)
	}

	return d, nil
}

// applyPragmas configura o handle via PRAGMA. Parâmetros de connection string
// não são confiáveis entre drivers, então executamos explicitamente.
func (d *Database) applyPragmas(cfg Config) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}

	sync := cfg.Synchronous
	if sync == "" {
		sync = "NORMAL"
	}
	pragmas = append(pragmas, "PRAGMA synchronous="+sync)

	busy := cfg.BusyTimeout
	if busy == 0 {
		busy = 5 * time.Second
	}
	pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()))

	if cfg.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
	}

	for _, pragma := range pragmas {
		if _, err := d.sql.Exec(pragma); err != nil {
			return fmt.Errorf("db: %s: %w", pragma, err)
		}
	}
	return nil
}

// Path retorna o caminho do arquivo deste handle.
func (d *Database) Path() string {
	return d.path
}

// Exec executa uma instrução SQL sem retorno de linhas.
func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	return d.sql.Exec(query, args...)
}

// ExecContext executa uma instrução SQL com contexto.
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, query, args...)
}

// Query executa uma consulta que retorna linhas.
func (d *Database) Query(query string, args ...any) (*sql.Rows, error) {
	return d.sql.Query(query, args...)
}

// QueryContext executa uma consulta com contexto.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// QueryRow executa uma consulta que retorna no máximo uma linha.
func (d *Database) QueryRow(query string, args ...any) *sql.Row {
	return d.sql.QueryRow(query, args...)
}

// QueryRowContext executa uma consulta de uma linha com contexto.
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

// Begin inicia uma transação.
func (d *Database) Begin() (*sql.Tx, error) {
	return d.sql.Begin()
}

// BeginTx inicia uma transação com contexto e opções.
func (d *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return d.sql.BeginTx(ctx, opts)
}

// Ping verifica se a conexão subjacente ainda responde.
func (d *Database) Ping(ctx context.Context) error {
	var one int
	if err := d.sql.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("db: health check on %s: %w", d.path, err)
	}
	if one != 1 {
		return fmt.Errorf("db: health check on %s: unexpected result %d", d.path, one)
	}
	return nil
}

// Close fecha a conexão subjacente.
func (d *Database) Close() error {
	return d.sql.Close()
}
