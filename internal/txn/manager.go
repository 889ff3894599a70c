// Package txn implements nested logical transactions on top of a single
// database/sql connection, using SQL savepoints to let callers group and
// selectively roll back units of work within one root transaction.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a transaction's position in its ACTIVE -> terminal state machine.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusFailed     Status = "FAILED"
)

// Savepoint records a named point within a transaction that work can be
// rolled back to without aborting the whole transaction.
type Savepoint struct {
	ID            string
	TransactionID string
	Name          string
	CreatedAt     int64
	Metadata      map[string]interface{}
}

type transaction struct {
	id         string
	rootID     string
	parentID   string
	sqlTx      *sql.Tx // set only on the root
	status     Status
	savepoints []Savepoint
	children   []string
	createdAt  time.Time
	updatedAt  time.Time
}

// Manager tracks logical transactions layered over *sql.Tx savepoints and
// reaps bookkeeping for transactions that finished long ago. ACTIVE
// transactions are never reaped.
type Manager struct {
	db     *sql.DB
	mu     sync.Mutex
	txs    map[string]*transaction
	maxAge time.Duration
}

// DefaultMaxAge is how long a terminal transaction's bookkeeping is kept
// around before the reaper drops it.
const DefaultMaxAge = 30 * time.Minute

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, txs: make(map[string]*transaction), maxAge: DefaultMaxAge}
}

// WithMaxAge overrides the reaper's retention window.
func (m *Manager) WithMaxAge(d time.Duration) *Manager {
	m.maxAge = d
	return m
}

type ctxKey struct{}

func withTxID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// TransactionID returns the logical transaction id carried by ctx, if any.
func TransactionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok
}

func newTransactionID() string {
	return "txn_" + uuid.New().String()
}

func newSavepointID() string {
	return "sp_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// SQLTx returns the *sql.Tx backing transactionID (its own, if root, or its
// root's otherwise) so callers can issue statements against it.
func (m *Manager) SQLTx(transactionID string) (*sql.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", transactionID)
	}
	root := m.txs[t.rootID]
	if root == nil || root.sqlTx == nil {
		return nil, fmt.Errorf("transaction %s has no active connection", transactionID)
	}
	return root.sqlTx, nil
}

// ExecuteInTransaction opens a root transaction, invokes fn with a context
// carrying the new transaction id, and commits on success or rolls back on
// error or panic.
func (m *Manager) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, transactionID string) error) (err error) {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	id := newTransactionID()
	now := time.Now()
	m.mu.Lock()
	m.txs[id] = &transaction{id: id, rootID: id, status: StatusActive, sqlTx: sqlTx, createdAt: now, updatedAt: now}
	m.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			m.setStatus(id, StatusFailed)
			panic(p)
		}
	}()

	if ferr := fn(withTxID(ctx, id), id); ferr != nil {
		_ = sqlTx.Rollback()
		m.setStatus(id, StatusRolledBack)
		return ferr
	}

	if cerr := sqlTx.Commit(); cerr != nil {
		m.setStatus(id, StatusFailed)
		return fmt.Errorf("failed to commit transaction: %w", cerr)
	}
	m.setStatus(id, StatusCommitted)
	return nil
}

// ExecuteInNestedTransaction opens a logical transaction scoped beneath
// parentID. It shares the parent's underlying connection; on successful
// completion its savepoints are spliced into the parent's so a subsequent
// commit or inspection of the parent sees them. It never opens or closes a
// connection of its own.
func (m *Manager) ExecuteInNestedTransaction(ctx context.Context, parentID string, fn func(ctx context.Context, transactionID string) error) error {
	m.mu.Lock()
	parent, ok := m.txs[parentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("parent transaction %s not found", parentID)
	}
	if parent.status != StatusActive {
		m.mu.Unlock()
		return fmt.Errorf("parent transaction %s is not active", parentID)
	}

	id := newTransactionID()
	now := time.Now()
	t := &transaction{id: id, rootID: parent.rootID, parentID: parentID, status: StatusActive, createdAt: now, updatedAt: now}
	m.txs[id] = t
	parent.children = append(parent.children, id)
	m.mu.Unlock()

	ferr := fn(withTxID(ctx, id), id)

	m.mu.Lock()
	defer m.mu.Unlock()
	nested := m.txs[id]
	nested.updatedAt = time.Now()
	if ferr != nil {
		nested.status = StatusRolledBack
		return ferr
	}

	parent = m.txs[parentID]
	parent.savepoints = append(parent.savepoints, nested.savepoints...)
	parent.updatedAt = time.Now()
	nested.status = StatusCommitted
	return nil
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		t.status = status
		t.updatedAt = time.Now()
	}
}

// CreateSavepoint issues SAVEPOINT against txID's underlying connection and
// records it against txID.
func (m *Manager) CreateSavepoint(ctx context.Context, txID, name string, metadata map[string]interface{}) (string, error) {
	m.mu.Lock()
	t, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("transaction %s not found", txID)
	}
	if t.status != StatusActive {
		m.mu.Unlock()
		return "", fmt.Errorf("transaction %s is not active", txID)
	}
	root := m.txs[t.rootID]
	m.mu.Unlock()
	if root == nil || root.sqlTx == nil {
		return "", fmt.Errorf("transaction %s has no active connection", txID)
	}

	spID := newSavepointID()
	if _, err := root.sqlTx.ExecContext(ctx, "SAVEPOINT "+spID); err != nil {
		return "", fmt.Errorf("failed to create savepoint: %w", err)
	}

	m.mu.Lock()
	t = m.txs[txID]
	t.savepoints = append(t.savepoints, Savepoint{
		ID: spID, TransactionID: txID, Name: name, CreatedAt: time.Now().UnixMilli(), Metadata: metadata,
	})
	t.updatedAt = time.Now()
	m.mu.Unlock()
	return spID, nil
}

// ReleaseSavepoint discards a savepoint without undoing its work.
func (m *Manager) ReleaseSavepoint(ctx context.Context, txID, savepointID string) error {
	root, err := m.rootFor(txID)
	if err != nil {
		return err
	}
	if !m.hasSavepoint(txID, savepointID) {
		return fmt.Errorf("savepoint %s not found on transaction %s", savepointID, txID)
	}
	if _, err := root.sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointID); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	m.removeSavepoint(txID, savepointID)
	return nil
}

// RollbackToSavepoint undoes every statement issued since savepointID was
// created, leaving the transaction ACTIVE. Savepoints created after it are
// discarded from the bookkeeping since the database has forgotten them too.
func (m *Manager) RollbackToSavepoint(ctx context.Context, txID, savepointID string) error {
	root, err := m.rootFor(txID)
	if err != nil {
		return err
	}
	if !m.hasSavepoint(txID, savepointID) {
		return fmt.Errorf("savepoint %s not found on transaction %s", savepointID, txID)
	}
	if _, err := root.sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointID); err != nil {
		return fmt.Errorf("failed to roll back to savepoint: %w", err)
	}
	m.truncateSavepointsAfter(txID, savepointID)
	return nil
}

func (m *Manager) rootFor(txID string) (*transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txID)
	}
	root := m.txs[t.rootID]
	if root == nil || root.sqlTx == nil {
		return nil, fmt.Errorf("transaction %s has no active connection", txID)
	}
	return root, nil
}

func (m *Manager) hasSavepoint(txID, savepointID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return false
	}
	for _, sp := range t.savepoints {
		if sp.ID == savepointID {
			return true
		}
	}
	return false
}

func (m *Manager) removeSavepoint(txID, savepointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return
	}
	out := t.savepoints[:0]
	for _, sp := range t.savepoints {
		if sp.ID != savepointID {
			out = append(out, sp)
		}
	}
	t.savepoints = out
	t.updatedAt = time.Now()
}

func (m *Manager) truncateSavepointsAfter(txID, savepointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return
	}
	for i, sp := range t.savepoints {
		if sp.ID == savepointID {
			t.savepoints = t.savepoints[:i+1]
			break
		}
	}
	t.updatedAt = time.Now()
}

// Savepoints returns txID's currently open savepoints, oldest first.
func (m *Manager) Savepoints(txID string) ([]Savepoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txID)
	}
	out := make([]Savepoint, len(t.savepoints))
	copy(out, t.savepoints)
	return out, nil
}

// IsNested reports whether txID is a nested (non-root) transaction.
func (m *Manager) IsNested(txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return false, fmt.Errorf("transaction %s not found", txID)
	}
	return t.parentID != "", nil
}

// RootTransactionID returns the id of txID's enclosing root transaction.
func (m *Manager) RootTransactionID(txID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return "", fmt.Errorf("transaction %s not found", txID)
	}
	return t.rootID, nil
}

// Status returns txID's current state.
func (m *Manager) Status(txID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return "", fmt.Errorf("transaction %s not found", txID)
	}
	return t.status, nil
}

// ActiveTransactions returns the ids of every ACTIVE transaction, sorted for
// deterministic inspection.
func (m *Manager) ActiveTransactions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.txs {
		if t.status == StatusActive {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
