package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a Backend when a document has never been written.
var ErrNotFound = errors.New("store: document not found")

type Collection string

const (
	UsersCollection  Collection = "users"
	LogsCollection   Collection = "logs"
	StatsCollection  Collection = "stats"
	OrdersCollection Collection = "orders"
)

// Backend persists whole documents by name. Writes replace the previous
// content entirely.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Close() error
}

// Store is the single writer for every collection. Each collection has its
// own mutex, held across a full load-mutate-save cycle, so concurrent updates
// to one document are serialized instead of overwriting each other.
type Store struct {
	backend Backend
	locks   map[Collection]*sync.Mutex
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		locks: map[Collection]*sync.Mutex{
			UsersCollection:  {},
			LogsCollection:   {},
			StatsCollection:  {},
			OrdersCollection: {},
		},
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) lock(c Collection) func() {
	mu := s.locks[c]
	mu.Lock()
	return mu.Unlock
}

// load reads a document, synthesizing and persisting def() when it is missing.
func load[T any](ctx context.Context, s *Store, c Collection, def func() T) (T, error) {
	var doc T
	data, err := s.backend.Read(ctx, string(c))
	if errors.Is(err, ErrNotFound) {
		doc = def()
		if err := save(ctx, s, c, doc); err != nil {
			return doc, fmt.Errorf("failed to persist default %s document: %w", c, err)
		}
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read %s document: %w", c, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber() // keeps int64 ids in log payloads exact
	if err := dec.Decode(&doc); err != nil {
		return doc, fmt.Errorf("failed to decode %s document: %w", c, err)
	}
	return doc, nil
}

func save[T any](ctx context.Context, s *Store, c Collection, doc T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s document: %w", c, err)
	}
	if err := s.backend.Write(ctx, string(c), data); err != nil {
		return fmt.Errorf("failed to write %s document: %w", c, err)
	}
	return nil
}

// update runs load -> fn -> save under the collection lock. When fn returns an
// error nothing is written and the error is returned unchanged.
func update[T any](ctx context.Context, s *Store, c Collection, def func() T, fn func(*T) error) error {
	defer s.lock(c)()

	doc, err := load(ctx, s, c, def)
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return save(ctx, s, c, doc)
}

func newUsers() Users     { return Users{} }
func newLogs() []LogEntry { return []LogEntry{} }
func newOrders() Orders   { return Orders{} }

// NewStats returns the zeroed stats document written on first run.
func NewStats() Stats { return Stats{DailyActiveUsers: map[string][]int64{}} }

func (u *Users) normalize() {
	if *u == nil {
		*u = Users{}
	}
}

func (st *Stats) normalize() {
	if st.DailyActiveUsers == nil {
		st.DailyActiveUsers = map[string][]int64{}
	}
}

func (o *Orders) normalize() {
	if *o == nil {
		*o = Orders{}
	}
}

// Users

func (s *Store) LoadUsers(ctx context.Context) (Users, error) {
	defer s.lock(UsersCollection)()
	users, err := load(ctx, s, UsersCollection, newUsers)
	if err != nil {
		return nil, err
	}
	users.normalize()
	return users, nil
}

func (s *Store) SaveUsers(ctx context.Context, users Users) error {
	defer s.lock(UsersCollection)()
	users.normalize()
	return save(ctx, s, UsersCollection, users)
}

func (s *Store) UpdateUsers(ctx context.Context, fn func(Users) error) error {
	return update(ctx, s, UsersCollection, newUsers, func(users *Users) error {
		users.normalize()
		return fn(*users)
	})
}

// Logs

func (s *Store) LoadLogs(ctx context.Context) ([]LogEntry, error) {
	defer s.lock(LogsCollection)()
	return load(ctx, s, LogsCollection, newLogs)
}

func (s *Store) SaveLogs(ctx context.Context, logs []LogEntry) error {
	defer s.lock(LogsCollection)()
	if logs == nil {
		logs = newLogs()
	}
	return save(ctx, s, LogsCollection, logs)
}

func (s *Store) UpdateLogs(ctx context.Context, fn func(*[]LogEntry) error) error {
	return update(ctx, s, LogsCollection, newLogs, fn)
}

// Stats

func (s *Store) LoadStats(ctx context.Context) (Stats, error) {
	defer s.lock(StatsCollection)()
	st, err := load(ctx, s, StatsCollection, NewStats)
	if err != nil {
		return NewStats(), err
	}
	st.normalize()
	return st, nil
}

func (s *Store) SaveStats(ctx context.Context, st Stats) error {
	defer s.lock(StatsCollection)()
	st.normalize()
	return save(ctx, s, StatsCollection, st)
}

func (s *Store) UpdateStats(ctx context.Context, fn func(*Stats) error) error {
	return update(ctx, s, StatsCollection, NewStats, func(st *Stats) error {
		st.normalize()
		return fn(st)
	})
}

// Orders

func (s *Store) LoadOrders(ctx context.Context) (Orders, error) {
	defer s.lock(OrdersCollection)()
	orders, err := load(ctx, s, OrdersCollection, newOrders)
	if err != nil {
		return nil, err
	}
	orders.normalize()
	return orders, nil
}

func (s *Store) SaveOrders(ctx context.Context, orders Orders) error {
	defer s.lock(OrdersCollection)()
	orders.normalize()
	return save(ctx, s, OrdersCollection, orders)
}

func (s *Store) UpdateOrders(ctx context.Context, fn func(Orders) error) error {
	return update(ctx, s, OrdersCollection, newOrders, func(orders *Orders) error {
		orders.normalize()
		return fn(*orders)
	})
}
