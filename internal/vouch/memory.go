package vouch

import (
	"context"
	"fmt"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.Mutex
	requests map[string]*SubsidyRequest
	edges    map[string]bool // voucher|vouchee
	byYear   map[string]int  // voucher|year
	vouches  []Vouch
}

func NewInMemory() *InMemory {
	return &InMemory{
		requests: make(map[string]*SubsidyRequest),
		edges:    make(map[string]bool),
		byYear:   make(map[string]int),
	}
}

func edgeKey(voucher, vouchee string) string { return voucher + "|" + vouchee }

func (m *InMemory) FindRequest(ctx context.Context, token string) (SubsidyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[token]
	if !ok {
		return SubsidyRequest{}, ErrNoPendingRequest
	}
	return *r, nil
}

func (m *InMemory) CreateRequest(ctx context.Context, r SubsidyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// a pending request past its deadline is dead weight, let the holder
	// reopen; the incoming CreatedAt carries the service clock
	if existing, ok := m.requests[r.DeviceToken]; ok && existing.Status == RequestPending && existing.ExpiresAt.After(r.CreatedAt) {
		return ErrRequestExists
	}
	cp := r
	m.requests[r.DeviceToken] = &cp
	return nil
}

func (m *InMemory) AddVouch(ctx context.Context, v Vouch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey(v.VoucherToken, v.VoucheeToken)
	if m.edges[key] {
		return 0, ErrDuplicateVouch
	}
	r, ok := m.requests[v.VoucheeToken]
	if !ok {
		return 0, ErrNoPendingRequest
	}
	m.edges[key] = true
	m.byYear[v.VoucherToken+"|"+v.CreatedAt.UTC().Format("2006")]++
	m.vouches = append(m.vouches, v)
	r.VouchCount++
	return r.VouchCount, nil
}

func (m *InMemory) ActivateRequest(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[token]
	if !ok {
		return false, ErrNoPendingRequest
	}
	if r.Status != RequestPending {
		return false, nil
	}
	r.Status = RequestActivated
	return true, nil
}

func (m *InMemory) HasVouched(ctx context.Context, voucher, vouchee string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edges[edgeKey(voucher, vouchee)], nil
}

func (m *InMemory) VouchCountInYear(ctx context.Context, voucher string, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byYear[fmt.Sprintf("%s|%04d", voucher, year)], nil
}
