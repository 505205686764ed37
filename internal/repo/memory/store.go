// Package memory is an in-process repo.Store. A unit of work holds the store
// lock and works on a copy of the state that replaces the shared state on
// commit, so it gives the same all-or-nothing and uniqueness guarantees as the
// SQL store. Calling the store itself from inside WithinTx deadlocks: use the
// repositories handed to the callback.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/repo"
)

type state struct {
	invoices map[string]domain.Invoice
	orders   map[string]domain.Order
	payments map[uuid.UUID]domain.Payment
	// order number -> payment id
	paymentByOrder map[string]uuid.UUID
	gatewayErrors  []domain.GatewayError
	outbox         []domain.OutboxEvent
	seq            int64
	// insertion sequence of orders, newest wins on equal timestamps
	orderSeq map[string]int64
}

func newState() *state {
	return &state{
		invoices:       make(map[string]domain.Invoice),
		orders:         make(map[string]domain.Order),
		payments:       make(map[uuid.UUID]domain.Payment),
		paymentByOrder: make(map[string]uuid.UUID),
		orderSeq:       make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := &state{
		invoices:       maps.Clone(s.invoices),
		orders:         maps.Clone(s.orders),
		payments:       maps.Clone(s.payments),
		paymentByOrder: maps.Clone(s.paymentByOrder),
		gatewayErrors:  append([]domain.GatewayError(nil), s.gatewayErrors...),
		outbox:         append([]domain.OutboxEvent(nil), s.outbox...),
		seq:            s.seq,
		orderSeq:       maps.Clone(s.orderSeq),
	}
	return out
}

type Store struct {
	mu    sync.Mutex
	state *state
	view
}

func NewStore() *Store {
	s := &Store{state: newState()}
	s.view = view{store: s}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(repo.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(view{store: s, tx: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// view serves the repositories either straight from the shared state (tx is
// nil) or from the working copy of a unit of work.
type view struct {
	store *Store
	tx    *state
}

func (v view) with(fn func(*state)) {
	if v.tx != nil {
		fn(v.tx)
		return
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	fn(v.store.state)
}

func (v view) Invoices() repo.InvoiceRepo           { return invoices{v} }
func (v view) Orders() repo.OrderRepo               { return orders{v} }
func (v view) Payments() repo.PaymentRepo           { return payments{v} }
func (v view) GatewayErrors() repo.GatewayErrorRepo { return gatewayErrors{v} }
func (v view) Outbox() repo.OutboxRepo              { return outbox{v} }

type invoices struct{ view }

func (r invoices) Create(ctx context.Context, inv *domain.Invoice) error {
	var err error
	r.with(func(st *state) {
		if _, ok := st.invoices[inv.Number]; ok {
			err = repo.ErrDuplicate
			return
		}
		st.invoices[inv.Number] = *inv
	})
	return err
}

func (r invoices) Update(ctx context.Context, inv *domain.Invoice) error {
	err := repo.ErrNotFound
	r.with(func(st *state) {
		cur, ok := st.invoices[inv.Number]
		if !ok {
			return
		}
		err = nil
		cur.Status = inv.Status
		cur.PaidAt = inv.PaidAt
		cur.PaymentReference = inv.PaymentReference
		cur.PaymentMethod = inv.PaymentMethod
		cur.UpdatedAt = inv.UpdatedAt
		st.invoices[inv.Number] = cur
	})
	return err
}

func (r invoices) FindByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	var out *domain.Invoice
	r.with(func(st *state) {
		if inv, ok := st.invoices[number]; ok {
			out = &inv
		}
	})
	return out, nil
}

// LockByNumber needs no row lock: a unit of work already owns the store.
func (r invoices) LockByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	return r.FindByNumber(ctx, number)
}

func (r invoices) IsUniqueNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	r.with(func(st *state) { _, exists = st.invoices[number] })
	return !exists, nil
}

type orders struct{ view }

func (r orders) Create(ctx context.Context, o *domain.Order) error {
	var err error
	r.with(func(st *state) {
		if _, ok := st.orders[o.Number]; ok {
			err = repo.ErrDuplicate
			return
		}
		st.seq++
		st.orders[o.Number] = *o
		st.orderSeq[o.Number] = st.seq
	})
	return err
}

func (r orders) Update(ctx context.Context, o *domain.Order) error {
	err := repo.ErrNotFound
	r.with(func(st *state) {
		cur, ok := st.orders[o.Number]
		if !ok {
			return
		}
		err = nil
		cur.Status = o.Status
		cur.ResponseDoc = o.ResponseDoc
		cur.FailureDoc = o.FailureDoc
		cur.UpdatedAt = o.UpdatedAt
		st.orders[o.Number] = cur
	})
	return err
}

func (r orders) FindByNumber(ctx context.Context, number string) (*domain.Order, error) {
	var out *domain.Order
	r.with(func(st *state) {
		if o, ok := st.orders[number]; ok {
			out = &o
		}
	})
	return out, nil
}

// LockByNumber needs no row lock either.
func (r orders) LockByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return r.FindByNumber(ctx, number)
}

func (r orders) FindLatestForInvoice(ctx context.Context, invoiceNumber string) (*domain.Order, error) {
	var out *domain.Order
	r.with(func(st *state) {
		var best int64
		for number, o := range st.orders {
			if o.InvoiceNumber != invoiceNumber {
				continue
			}
			if seq := st.orderSeq[number]; out == nil || o.CreatedAt.After(out.CreatedAt) ||
				(o.CreatedAt.Equal(out.CreatedAt) && seq > best) {
				o := o
				out, best = &o, seq
			}
		}
	})
	return out, nil
}

func (r orders) IsUniqueNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	r.with(func(st *state) { _, exists = st.orders[number] })
	return !exists, nil
}

type payments struct{ view }

func (r payments) Create(ctx context.Context, p *domain.Payment) error {
	var err error
	r.with(func(st *state) {
		if p.OrderNumber != "" {
			if _, ok := st.paymentByOrder[p.OrderNumber]; ok {
				err = repo.ErrDuplicate
				return
			}
			st.paymentByOrder[p.OrderNumber] = p.ID
		}
		st.payments[p.ID] = *p
	})
	return err
}

func (r payments) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.Payment, error) {
	var out *domain.Payment
	r.with(func(st *state) {
		if id, ok := st.paymentByOrder[orderNumber]; ok {
			p := st.payments[id]
			out = &p
		}
	})
	return out, nil
}

func (r payments) FindByInvoice(ctx context.Context, invoiceNumber string) ([]domain.Payment, error) {
	var out []domain.Payment
	r.with(func(st *state) {
		for _, p := range st.payments {
			if p.InvoiceNumber == invoiceNumber {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type gatewayErrors struct{ view }

func (r gatewayErrors) Create(ctx context.Context, ge *domain.GatewayError) error {
	r.with(func(st *state) { st.gatewayErrors = append(st.gatewayErrors, *ge) })
	return nil
}

func (r gatewayErrors) FindByOrderNumber(ctx context.Context, orderNumber string) ([]domain.GatewayError, error) {
	var out []domain.GatewayError
	r.with(func(st *state) {
		for _, ge := range st.gatewayErrors {
			if ge.OrderNumber == orderNumber {
				out = append(out, ge)
			}
		}
	})
	return out, nil
}

type outbox struct{ view }

func (r outbox) Save(ctx context.Context, evt domain.OutboxEvent) error {
	evt.Properties = maps.Clone(evt.Properties)
	r.with(func(st *state) { st.outbox = append(st.outbox, evt) })
	return nil
}

func (r outbox) FindUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	r.with(func(st *state) {
		for _, evt := range st.outbox {
			if evt.PublishedAt != nil {
				continue
			}
			if limit > 0 && len(out) == limit {
				return
			}
			evt.Properties = maps.Clone(evt.Properties)
			out = append(out, evt)
		}
	})
	return out, nil
}

func (r outbox) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	found := false
	r.with(func(st *state) {
		for i := range st.outbox {
			if st.outbox[i].ID == id && st.outbox[i].PublishedAt == nil {
				t := at
				st.outbox[i].PublishedAt = &t
				found = true
				return
			}
		}
	})
	if !found {
		return repo.ErrNotFound
	}
	return nil
}

// OutboxEvents returns every recorded event in insertion order.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxEvent(nil), s.state.outbox...)
}

func (s *Store) PaymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.payments)
}
