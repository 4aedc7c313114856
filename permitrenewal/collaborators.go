package permitrenewal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fortressi/saga/uow"
)

// Repository reads permits. Writes go through a unit of work.
type Repository struct {
	loader uow.Loader
}

// NewRepository creates a Repository over loader.
func NewRepository(loader uow.Loader) *Repository {
	return &Repository{loader: loader}
}

// FindByID loads a permit.
func (r *Repository) FindByID(ctx context.Context, id string) (*Permit, error) {
	var p Permit
	if err := r.loader.Load(ctx, AggregateType, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PaymentGateway charges and refunds renewal fees.
type PaymentGateway interface {
	Charge(ctx context.Context, organizationID string, amount int64, reference string) (paymentID string, err error)
	Refund(ctx context.Context, paymentID string) error
}

// ReviewAgency is the external regulator reviewing renewals.
type ReviewAgency interface {
	Submit(ctx context.Context, permitID, permitNumber string) (reviewID string, err error)
	Cancel(ctx context.Context, reviewID string) error
}

// ErrUnknownPayment is returned when refunding a payment that was never charged.
var ErrUnknownPayment = errors.New("unknown payment")

// ErrUnknownReview is returned when cancelling a review that was never submitted.
var ErrUnknownReview = errors.New("unknown review")

// failures hands out queued errors one call at a time.
type failures struct {
	mu    sync.Mutex
	queue []error
}

func (f *failures) push(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, errs...)
}

func (f *failures) pop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	err := f.queue[0]
	f.queue = f.queue[1:]
	return err
}

// Charge is one recorded payment.
type Charge struct {
	ID             string
	OrganizationID string
	Amount         int64
	Reference      string
	Refunded       bool
}

// FakePaymentGateway is an in-memory PaymentGateway.
type FakePaymentGateway struct {
	charges failures
	refunds failures

	mu       sync.Mutex
	payments map[string]*Charge
	order    []string
}

// NewFakePaymentGateway creates an empty gateway.
func NewFakePaymentGateway() *FakePaymentGateway {
	return &FakePaymentGateway{payments: make(map[string]*Charge)}
}

// FailNext makes the next Charge calls return errs in order.
func (g *FakePaymentGateway) FailNext(errs ...error) { g.charges.push(errs...) }

// FailNextRefund makes the next Refund calls return errs in order.
func (g *FakePaymentGateway) FailNextRefund(errs ...error) { g.refunds.push(errs...) }

func (g *FakePaymentGateway) Charge(ctx context.Context, organizationID string, amount int64, reference string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := g.charges.pop(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	id := "pay_" + uuid.NewString()
	g.payments[id] = &Charge{ID: id, OrganizationID: organizationID, Amount: amount, Reference: reference}
	g.order = append(g.order, id)
	return id, nil
}

func (g *FakePaymentGateway) Refund(ctx context.Context, paymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.refunds.pop(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	charge, ok := g.payments[paymentID]
	if !ok {
		return fmt.Errorf("refund %s: %w", paymentID, ErrUnknownPayment)
	}
	charge.Refunded = true
	return nil
}

// Charges returns the recorded charges in order.
func (g *FakePaymentGateway) Charges() []Charge {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Charge, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.payments[id])
	}
	return out
}

// Review is one submission to the agency.
type Review struct {
	ID           string
	PermitID     string
	PermitNumber string
	Cancelled    bool
}

// FakeReviewAgency is an in-memory ReviewAgency.
type FakeReviewAgency struct {
	submits failures
	cancels failures

	mu      sync.Mutex
	reviews map[string]*Review
	order   []string
}

// NewFakeReviewAgency creates an empty agency.
func NewFakeReviewAgency() *FakeReviewAgency {
	return &FakeReviewAgency{reviews: make(map[string]*Review)}
}

// FailNext makes the next Submit calls return errs in order.
func (a *FakeReviewAgency) FailNext(errs ...error) { a.submits.push(errs...) }

// FailNextCancel makes the next Cancel calls return errs in order.
func (a *FakeReviewAgency) FailNextCancel(errs ...error) { a.cancels.push(errs...) }

func (a *FakeReviewAgency) Submit(ctx context.Context, permitID, permitNumber string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := a.submits.pop(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := "rev_" + uuid.NewString()
	a.reviews[id] = &Review{ID: id, PermitID: permitID, PermitNumber: permitNumber}
	a.order = append(a.order, id)
	return id, nil
}

func (a *FakeReviewAgency) Cancel(ctx context.Context, reviewID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.cancels.pop(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	review, ok := a.reviews[reviewID]
	if !ok {
		return fmt.Errorf("cancel review %s: %w", reviewID, ErrUnknownReview)
	}
	review.Cancelled = true
	return nil
}

// Reviews returns the recorded submissions in order.
func (a *FakeReviewAgency) Reviews() []Review {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Review, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.reviews[id])
	}
	return out
}
