package pool

import (
	"github.com/joao-brasil/tenant-db-pooling/internal/db"
)

// Lease é o registro de empréstimo de um handle: vincula uma conexão ao
// código que a adquiriu e garante que ela volte ao pool de origem no máximo
// uma vez. Depois de Release ou Discard o lease fica inutilizável.
type Lease struct {
	conn *db.Database
	pool *ConnectionPool
}

// DB retorna o handle emprestado. Retorna nil após Release/Discard.
func (l *Lease) DB() *db.Database {
	return l.conn
}

// Release devolve o handle ao pool. Idempotente: chamadas subsequentes são
// no-ops e nunca corrompem os contadores do pool.
func (l *Lease) Release() {
	if l == nil || l.conn == nil {
		return
	}
	conn := l.conn
	l.conn = nil
	l.pool.release(conn)
}

// Discard fecha o handle em vez de devolvê-lo — para quando o chamador
// detectou um erro que torna a conexão inutilizável. Libera a capacidade do
// pool e acorda um waiter. Idempotente como Release.
func (l *Lease) Discard() {
	if l == nil || l.conn == nil {
		return
	}
	conn := l.conn
	l.conn = nil
	l.pool.discard(conn)
}
