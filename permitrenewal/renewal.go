package permitrenewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/uow"
)

// SagaName is the definition name and saga id prefix.
const SagaName = "permit-renewal"

// Step names in execution order.
const (
	StepValidate = "validate_renewal"
	StepSubmit   = "submit_renewal"
	StepFee      = "process_fee"
	StepReview   = "agency_review"
	StepApprove  = "final_approval"
)

const (
	// WindowBeforeExpiry is how early a renewal may be requested.
	WindowBeforeExpiry = 90 * 24 * time.Hour
	// WindowAfterExpiry is how late a renewal may still be requested.
	WindowAfterExpiry = 30 * 24 * time.Hour
	// DefaultTerm is the renewal term when the request names none.
	DefaultTerm = 365 * 24 * time.Hour
)

// RenewalRequest is the saga payload. Steps record their own effects on it
// so that a resumed saga can tell what still has to be redone.
//
// Steps after validation hand the payload pointer itself to the engine as
// compensation data, so a retried step sees what an earlier attempt already
// did. Each compensation reads and clears only the field its own step wrote:
// Submitted for submit_renewal, PaymentID for process_fee, ReviewID for
// agency_review and Approved for final_approval. Original, captured by
// validation, is never written afterwards.
type RenewalRequest struct {
	PermitID       string        `json:"permit_id"`
	OrganizationID string        `json:"organization_id"`
	RequestedBy    string        `json:"requested_by"`
	RenewalTerm    time.Duration `json:"renewal_term"`
	FeeAmount      int64         `json:"fee_amount"`

	Original     *Snapshot `json:"original,omitempty"`
	PermitNumber string    `json:"permit_number,omitempty"`
	NewExpiresAt time.Time `json:"new_expires_at,omitzero"`
	Submitted    bool      `json:"submitted"`
	PaymentID    string    `json:"payment_id,omitempty"`
	ReviewID     string    `json:"review_id,omitempty"`
	Approved     bool      `json:"approved"`
}

// Deps are the collaborators of the renewal saga.
type Deps struct {
	// Store persists permits; each saga instance gets its own unit of work on it.
	Store uow.Store
	// Loader reads committed permits, usually the same value as Store.
	Loader    uow.Loader
	Publisher uow.Publisher
	Payments  PaymentGateway
	Reviews   ReviewAgency
	Clock     func() time.Time
	// LogHandler is shared with the orchestrator and every unit of work.
	LogHandler slog.Handler
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Loader == nil {
		errs = append(errs, errors.New("loader is required"))
	}
	if d.Payments == nil {
		errs = append(errs, errors.New("payment gateway is required"))
	}
	if d.Reviews == nil {
		errs = append(errs, errors.New("review agency is required"))
	}
	return errors.Join(errs...)
}

// NewOrchestrator returns an orchestrator for permit renewals.
func NewOrchestrator(deps Deps, opts ...saga.Option) (*saga.Orchestrator[*RenewalRequest], error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("permit renewal: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.LogHandler == nil {
		deps.LogHandler = slog.Default().Handler()
	}

	def := saga.Definition[*RenewalRequest]{
		Name:        SagaName,
		BusinessKey: func(req *RenewalRequest) string { return req.PermitID },
		Build: func(_ string, req *RenewalRequest) ([]saga.Step[*RenewalRequest], error) {
			if req == nil || req.PermitID == "" {
				return nil, saga.ValidationFailed("permit id is required")
			}
			if req.FeeAmount < 0 {
				return nil, saga.ValidationFailed("fee amount must not be negative")
			}
			return Steps(deps), nil
		},
	}

	opts = append([]saga.Option{saga.WithLogHandler(deps.LogHandler), saga.WithClock(deps.Clock)}, opts...)
	return saga.NewOrchestrator(def, opts...)
}

// Steps builds the five renewal steps for one saga instance.
func Steps(deps Deps) []saga.Step[*RenewalRequest] {
	if deps.LogHandler == nil {
		deps.LogHandler = slog.Default().Handler()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	r := &renewal{
		deps:   deps,
		repo:   NewRepository(deps.Loader),
		unit:   uow.New(deps.Store, deps.Publisher, uow.WithLogHandler(deps.LogHandler)),
		logger: slog.New(deps.LogHandler).WithGroup("permitRenewal"),
	}
	return []saga.Step[*RenewalRequest]{
		saga.NewStep(StepValidate, r.validate, nil),
		saga.NewStep(StepSubmit, r.submitStep, r.withdraw),
		saga.NewStep(StepFee, r.feeStep, r.refund),
		saga.NewStep(StepReview, r.reviewStep, r.cancelReview),
		saga.NewStep(StepApprove, r.approveStep, r.revert),
	}
}

type renewal struct {
	deps   Deps
	repo   *Repository
	unit   *uow.UnitOfWork
	logger *slog.Logger
}

func (r *renewal) validate(ctx context.Context, req *RenewalRequest) (saga.StepResult, error) {
	permit, err := r.repo.FindByID(ctx, req.PermitID)
	if err != nil {
		return saga.StepResult{}, fmt.Errorf("load permit: %w", err)
	}
	if req.OrganizationID != "" && permit.OrgID != req.OrganizationID {
		return saga.Failed(saga.ValidationFailed("permit %s belongs to another organization", permit.Number)), nil
	}
	if req.Original == nil {
		if err := permit.Renewable(r.deps.Clock(), WindowBeforeExpiry, WindowAfterExpiry); err != nil {
			return saga.Failed(saga.ValidationFailed("%s", err.Error())), nil
		}
		original := permit.Snapshot()
		req.Original = &original
	}

	term := req.RenewalTerm
	if term <= 0 {
		term = DefaultTerm
	}
	req.OrganizationID = permit.OrgID
	req.PermitNumber = permit.Number
	req.NewExpiresAt = req.Original.ExpiresAt.Add(term)

	return saga.Succeeded(*req.Original, nil), nil
}

// submit requests the renewal on the permit unless that is already done.
func (r *renewal) submit(ctx context.Context, req *RenewalRequest) error {
	if req.Submitted {
		return nil
	}
	err := r.unit.Within(ctx, func(ctx context.Context) error {
		permit, err := r.repo.FindByID(ctx, req.PermitID)
		if err != nil {
			return err
		}
		if err := permit.RequestRenewal(req.NewExpiresAt, req.RequestedBy); err != nil {
			return err
		}
		return r.unit.RegisterDirty(permit)
	})
	if err := r.settled(err, req.PermitID); err != nil {
		return fmt.Errorf("submit renewal: %w", err)
	}
	req.Submitted = true
	return nil
}

func (r *renewal) submitStep(ctx context.Context, req *RenewalRequest) (saga.StepResult, error) {
	if err := r.submit(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(req.NewExpiresAt, req), nil
}

func (r *renewal) withdraw(ctx context.Context, data any) error {
	req, err := saga.CompensationAs[*RenewalRequest](data)
	if err != nil {
		return err
	}
	if !req.Submitted {
		return nil
	}
	err = r.unit.Within(ctx, func(ctx context.Context) error {
		permit, err := r.repo.FindByID(ctx, req.PermitID)
		if err != nil {
			return err
		}
		if permit.Status != StatusRenewalRequested {
			return nil
		}
		if err := permit.WithdrawRenewal(*req.Original, "renewal saga compensated"); err != nil {
			return err
		}
		return r.unit.RegisterDirty(permit)
	})
	if err := r.settled(err, req.PermitID); err != nil {
		return fmt.Errorf("withdraw renewal: %w", err)
	}
	req.Submitted = false
	return nil
}

// payFee charges the fee unless it is zero or already paid.
func (r *renewal) payFee(ctx context.Context, req *RenewalRequest) error {
	if req.FeeAmount == 0 || req.PaymentID != "" {
		return nil
	}
	paymentID, err := r.deps.Payments.Charge(ctx, req.OrganizationID, req.FeeAmount, req.PermitID)
	if err != nil {
		return fmt.Errorf("charge renewal fee: %w", err)
	}
	req.PaymentID = paymentID
	r.logger.Info("Renewal fee charged", "permitID", req.PermitID, "paymentID", paymentID, "amount", req.FeeAmount)
	return nil
}

func (r *renewal) feeStep(ctx context.Context, req *RenewalRequest) (saga.StepResult, error) {
	if err := r.submit(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	if req.FeeAmount == 0 {
		return saga.Succeeded(nil, nil), nil
	}
	if err := r.payFee(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(req.PaymentID, req), nil
}

func (r *renewal) refund(ctx context.Context, data any) error {
	req, err := saga.CompensationAs[*RenewalRequest](data)
	if err != nil {
		return err
	}
	if req.PaymentID == "" {
		return nil
	}
	if err := r.deps.Payments.Refund(ctx, req.PaymentID); err != nil {
		return fmt.Errorf("refund %s: %w", req.PaymentID, err)
	}
	r.logger.Info("Renewal fee refunded", "permitID", req.PermitID, "paymentID", req.PaymentID)
	req.PaymentID = ""
	return nil
}

// submitReview files the agency review unless one is open.
func (r *renewal) submitReview(ctx context.Context, req *RenewalRequest) error {
	if req.ReviewID != "" {
		return nil
	}
	reviewID, err := r.deps.Reviews.Submit(ctx, req.PermitID, req.PermitNumber)
	if err != nil {
		return fmt.Errorf("submit agency review: %w", err)
	}
	req.ReviewID = reviewID
	return nil
}

func (r *renewal) reviewStep(ctx context.Context, req *RenewalRequest) (saga.StepResult, error) {
	if err := r.submit(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	if err := r.payFee(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	if err := r.submitReview(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(req.ReviewID, req), nil
}

func (r *renewal) cancelReview(ctx context.Context, data any) error {
	req, err := saga.CompensationAs[*RenewalRequest](data)
	if err != nil {
		return err
	}
	if req.ReviewID == "" {
		return nil
	}
	if err := r.deps.Reviews.Cancel(ctx, req.ReviewID); err != nil {
		return fmt.Errorf("cancel review %s: %w", req.ReviewID, err)
	}
	req.ReviewID = ""
	return nil
}

func (r *renewal) approveStep(ctx context.Context, req *RenewalRequest) (saga.StepResult, error) {
	if err := r.submit(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	if err := r.payFee(ctx, req); err != nil {
		return saga.StepResult{}, err
	}
	if err := r.submitReview(ctx, req); err != nil {
		return saga.StepResult{}, err
	}

	var approved Snapshot
	err := r.unit.Within(ctx, func(ctx context.Context) error {
		permit, err := r.repo.FindByID(ctx, req.PermitID)
		if err != nil {
			return err
		}
		if err := permit.ApproveRenewal(); err != nil {
			return err
		}
		approved = permit.Snapshot()
		return r.unit.RegisterDirty(permit)
	})
	if err := r.settled(err, req.PermitID); err != nil {
		return saga.StepResult{}, fmt.Errorf("approve renewal: %w", err)
	}
	req.Approved = true
	return saga.Succeeded(approved, req), nil
}

func (r *renewal) revert(ctx context.Context, data any) error {
	req, err := saga.CompensationAs[*RenewalRequest](data)
	if err != nil {
		return err
	}
	if !req.Approved {
		return nil
	}
	err = r.unit.Within(ctx, func(ctx context.Context) error {
		permit, err := r.repo.FindByID(ctx, req.PermitID)
		if err != nil {
			return err
		}
		permit.RevertTo(*req.Original)
		return r.unit.RegisterDirty(permit)
	})
	if err := r.settled(err, req.PermitID); err != nil {
		return fmt.Errorf("revert renewal: %w", err)
	}
	req.Approved = false
	return nil
}

// settled treats a publish failure after a commit that stands as success.
func (r *renewal) settled(err error, permitID string) error {
	var pubErr *uow.PublishError
	if errors.As(err, &pubErr) {
		r.logger.Warn("Permit change committed but events were not published",
			"permitID", permitID,
			"failedEvents", len(pubErr.Failed),
			"error", err,
		)
		return nil
	}
	return err
}
