package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpgate/otpgate/internal/allocation"
	"github.com/otpgate/otpgate/internal/catalog"
	"github.com/otpgate/otpgate/internal/ledger"
	"github.com/otpgate/otpgate/internal/notification"
	"github.com/otpgate/otpgate/internal/vendor"
)

// TransactionsLimit is the page size of getTransactions.
const TransactionsLimit = 50

const (
	reasonUserCancel    = "user cancelled"
	reasonVendorCancel  = "vendor cancelled"
	reasonExpired       = "activation expired"
	reasonPersistFailed = "allocation not recorded"
	compensationTimeout = 15 * time.Second
)

// Statuses reported by getOtp.
const (
	OTPWaiting   = "waiting"
	OTPReceived  = "received"
	OTPCancelled = "cancelled"
	OTPCompleted = "completed"
)

var (
	// ErrNotFound is returned for unknown allocations or allocations owned by another user.
	ErrNotFound = errors.New("not found")
	// ErrNotActive is returned when cancelling an allocation that already settled.
	ErrNotActive = errors.New("number is not active")
)

// ValidationError reports a bad or missing request parameter.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Vendor is the subset of the vendor client used by the gateway.
type Vendor interface {
	GetNumber(ctx context.Context, countryCode string) (vendor.NumberResult, error)
	GetStatus(ctx context.Context, id string) (vendor.StatusResult, error)
	Cancel(ctx context.Context, id string) error
	Finish(ctx context.Context, id string) error
}

// Deps are the collaborators of the gateway service.
type Deps struct {
	Ledger      *ledger.Ledger
	Allocations allocation.Repository
	Vendor      Vendor
	Catalog     *catalog.Catalog
	Notifier    notification.Notifier
	Logger      *slog.Logger
}

// Service implements the gateway actions on top of the ledger and the vendor.
type Service struct {
	ledger      *ledger.Ledger
	allocations allocation.Repository
	vendor      Vendor
	catalog     *catalog.Catalog
	notifier    notification.Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewService validates deps and builds the service.
func NewService(d Deps) (*Service, error) {
	if d.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if d.Allocations == nil {
		return nil, fmt.Errorf("allocation repository is required")
	}
	if d.Vendor == nil {
		return nil, fmt.Errorf("vendor client is required")
	}
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	if d.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLoggerNotifier(d.Logger)
	}
	return &Service{
		ledger:      d.Ledger,
		allocations: d.Allocations,
		vendor:      d.Vendor,
		catalog:     d.Catalog,
		notifier:    d.Notifier,
		logger:      d.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Health pings the ledger store. It never touches account state.
func (s *Service) Health(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

// Countries returns the price table alongside the caller's balance.
func (s *Service) Countries(ctx context.Context, userID string) ([]catalog.Country, ledger.Account, error) {
	acct, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, ledger.Account{}, err
	}
	return s.catalog.All(), acct, nil
}

// Balance returns the caller's account.
func (s *Service) Balance(ctx context.Context, userID string) (ledger.Account, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// Purchase is the outcome of GetNumber.
type Purchase struct {
	Allocation allocation.Allocation
	NewBalance int64
}

// GetNumber checks the balance, allocates a number at the vendor, charges the
// wallet and records the allocation. Failures after the vendor allocated are
// compensated: the vendor activation is cancelled and any charge is refunded.
func (s *Service) GetNumber(ctx context.Context, userID, countryKey string) (Purchase, error) {
	if countryKey == "" {
		countryKey = catalog.DefaultKey
	}
	country, ok := s.catalog.Lookup(countryKey)
	if !ok {
		return Purchase{}, &ValidationError{Code: "INVALID_COUNTRY", Message: fmt.Sprintf("unknown country %q", countryKey)}
	}

	acct, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return Purchase{}, err
	}
	if acct.Balance < country.Price {
		return Purchase{}, &ledger.InsufficientBalanceError{Current: acct.Balance, Required: country.Price}
	}

	num, err := s.vendor.GetNumber(ctx, country.Code)
	if err != nil {
		s.logger.Warn("vendor allocation failed",
			slog.String("user_id", userID),
			slog.String("country", countryKey),
			slog.Any("error", err),
		)
		return Purchase{}, err
	}

	acct, _, err = s.ledger.Deduct(ctx, userID, country.Price, ledger.DeductContext{NumberID: num.ID, Country: countryKey})
	if err != nil {
		// The balance moved since the pre-check; give the number back.
		s.releaseAtVendor(ctx, userID, num.ID)
		return Purchase{}, err
	}

	now := s.now()
	alloc := allocation.Allocation{
		NumberID:    num.ID,
		UserID:      userID,
		PhoneNumber: num.Number,
		Country:     countryKey,
		Price:       country.Price,
		Status:      allocation.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.allocations.Create(ctx, alloc); err != nil {
		s.logger.Error("persist allocation failed, compensating",
			slog.String("user_id", userID),
			slog.String("number_id", num.ID),
			slog.Any("error", err),
		)
		s.releaseAtVendor(ctx, userID, num.ID)
		s.compensate(ctx, userID, country.Price, num.ID)
		return Purchase{}, err
	}

	s.notify(ctx, notification.Message{
		Kind:     notification.KindNumberPurchased,
		UserID:   userID,
		NumberID: num.ID,
		Amount:   country.Price,
		Body:     fmt.Sprintf("number %s purchased for %d", num.Number, country.Price),
	})
	return Purchase{Allocation: alloc, NewBalance: acct.Balance}, nil
}

// OTPResult is the outcome of GetOTP.
type OTPResult struct {
	Status     string
	OTP        string
	Allocation allocation.Allocation
	Refunded   bool
	NewBalance int64
}

// GetOTP polls the vendor for the allocation's code. An observed OTP completes
// the allocation; a vendor-side cancellation cancels it and refunds the price.
func (s *Service) GetOTP(ctx context.Context, userID, numberID string) (OTPResult, error) {
	a, err := s.owned(ctx, userID, numberID)
	if err != nil {
		return OTPResult{}, err
	}
	switch a.Status {
	case allocation.StatusCompleted:
		return OTPResult{Status: OTPCompleted, OTP: a.OTP, Allocation: a}, nil
	case allocation.StatusCancelled:
		return OTPResult{Status: OTPCancelled, Allocation: a}, nil
	}

	st, err := s.vendor.GetStatus(ctx, numberID)
	if err != nil {
		return OTPResult{}, err
	}

	switch st.Kind {
	case vendor.StatusCode:
		done, err := s.complete(ctx, a, st.OTP)
		if errors.Is(err, allocation.ErrInvalidTransition) {
			return OTPResult{Status: done.Status, OTP: done.OTP, Allocation: done}, nil
		}
		if err != nil {
			return OTPResult{}, err
		}
		s.finishAtVendor(ctx, done.NumberID)
		return OTPResult{Status: OTPReceived, OTP: done.OTP, Allocation: done}, nil
	case vendor.StatusFinished:
		done, err := s.complete(ctx, a, "")
		if errors.Is(err, allocation.ErrInvalidTransition) {
			return OTPResult{Status: done.Status, OTP: done.OTP, Allocation: done}, nil
		}
		if err != nil {
			return OTPResult{}, err
		}
		return OTPResult{Status: OTPCompleted, OTP: done.OTP, Allocation: done}, nil
	case vendor.StatusCancelled:
		settled, acct, err := s.settleCancelled(ctx, a, reasonVendorCancel)
		if errors.Is(err, allocation.ErrInvalidTransition) {
			return OTPResult{Status: settled.Status, OTP: settled.OTP, Allocation: settled}, nil
		}
		if err != nil {
			return OTPResult{}, err
		}
		return OTPResult{Status: OTPCancelled, Allocation: settled, Refunded: true, NewBalance: acct.Balance}, nil
	default:
		return OTPResult{Status: OTPWaiting, Allocation: a}, nil
	}
}

// CancelResult is the outcome of CancelNumber.
type CancelResult struct {
	Refunded     bool
	RefundAmount int64
	NewBalance   int64
}

// CancelNumber cancels the activation at the vendor and refunds the price stored
// on the allocation. Only the caller that moves the allocation out of active
// issues the refund.
func (s *Service) CancelNumber(ctx context.Context, userID, numberID string) (CancelResult, error) {
	a, err := s.owned(ctx, userID, numberID)
	if err != nil {
		return CancelResult{}, err
	}
	if a.Status != allocation.StatusActive {
		return CancelResult{}, ErrNotActive
	}
	if err := s.vendor.Cancel(ctx, numberID); err != nil {
		s.logger.Warn("vendor cancel failed",
			slog.String("user_id", userID),
			slog.String("number_id", numberID),
			slog.Any("error", err),
		)
		return CancelResult{}, err
	}

	_, acct, err := s.settleCancelled(ctx, a, reasonUserCancel)
	if errors.Is(err, allocation.ErrInvalidTransition) {
		return CancelResult{}, ErrNotActive
	}
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Refunded: true, RefundAmount: a.Price, NewBalance: acct.Balance}, nil
}

// Transactions returns the newest TransactionsLimit ledger records.
func (s *Service) Transactions(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	return s.ledger.ListTransactions(ctx, userID, TransactionsLimit)
}

// ActiveNumbers lists the caller's unresolved allocations.
func (s *Service) ActiveNumbers(ctx context.Context, userID string) ([]allocation.Allocation, error) {
	return s.allocations.ListActive(ctx, userID)
}

// ReconcileOutcome reports what Reconcile did with one allocation.
type ReconcileOutcome string

const (
	OutcomeCompleted ReconcileOutcome = "completed"
	OutcomeRefunded  ReconcileOutcome = "refunded"
	OutcomeSkipped   ReconcileOutcome = "skipped"
)

// Reconcile settles an allocation that outlived the vendor activation window:
// completed if the vendor has a code, otherwise cancelled at the vendor and refunded.
func (s *Service) Reconcile(ctx context.Context, a allocation.Allocation) (ReconcileOutcome, error) {
	if a.Status != allocation.StatusActive {
		return OutcomeSkipped, nil
	}
	st, err := s.vendor.GetStatus(ctx, a.NumberID)
	if err != nil {
		return OutcomeSkipped, err
	}

	reason := reasonVendorCancel
	switch st.Kind {
	case vendor.StatusCode, vendor.StatusFinished:
		if _, err := s.complete(ctx, a, st.OTP); err != nil {
			if errors.Is(err, allocation.ErrInvalidTransition) {
				return OutcomeSkipped, nil
			}
			return OutcomeSkipped, err
		}
		if st.Kind == vendor.StatusCode {
			s.finishAtVendor(ctx, a.NumberID)
		}
		return OutcomeCompleted, nil
	case vendor.StatusWaiting:
		if err := s.vendor.Cancel(ctx, a.NumberID); err != nil {
			return OutcomeSkipped, err
		}
		reason = reasonExpired
	}

	if _, _, err := s.settleCancelled(ctx, a, reason); err != nil {
		if errors.Is(err, allocation.ErrInvalidTransition) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	return OutcomeRefunded, nil
}

func (s *Service) owned(ctx context.Context, userID, numberID string) (allocation.Allocation, error) {
	if numberID == "" {
		return allocation.Allocation{}, &ValidationError{Code: "ID_REQUIRED", Message: "id is required"}
	}
	a, err := s.allocations.Get(ctx, numberID)
	if errors.Is(err, allocation.ErrNotFound) {
		return allocation.Allocation{}, ErrNotFound
	}
	if err != nil {
		return allocation.Allocation{}, err
	}
	if a.UserID != userID {
		return allocation.Allocation{}, ErrNotFound
	}
	return a, nil
}

func (s *Service) complete(ctx context.Context, a allocation.Allocation, otp string) (allocation.Allocation, error) {
	done, err := s.allocations.Transition(ctx, a.NumberID, allocation.StatusCompleted, otp, s.now())
	if errors.Is(err, allocation.ErrInvalidTransition) && done.Status == allocation.StatusCompleted {
		return done, nil
	}
	if err != nil {
		return done, err
	}
	s.notify(ctx, notification.Message{
		Kind:     notification.KindOTPReceived,
		UserID:   a.UserID,
		NumberID: a.NumberID,
		Body:     "otp received",
	})
	return done, nil
}

// settleCancelled moves a to cancelled and, if this call won the transition,
// refunds its stored price. A failed refund is left for manual reconciliation.
func (s *Service) settleCancelled(ctx context.Context, a allocation.Allocation, reason string) (allocation.Allocation, ledger.Account, error) {
	cancelled, err := s.allocations.Transition(ctx, a.NumberID, allocation.StatusCancelled, "", s.now())
	if err != nil {
		return cancelled, ledger.Account{}, err
	}
	acct, _, err := s.ledger.Refund(ctx, a.UserID, a.Price, reason, a.NumberID)
	if err != nil {
		s.logger.Error("refund after cancellation failed",
			slog.String("user_id", a.UserID),
			slog.String("number_id", a.NumberID),
			slog.Int64("amount", a.Price),
			slog.Any("error", err),
		)
		s.notify(ctx, notification.Message{
			Kind:     notification.KindReconcileRequired,
			UserID:   a.UserID,
			NumberID: a.NumberID,
			Amount:   a.Price,
			Body:     "allocation cancelled but refund failed",
		})
		return cancelled, ledger.Account{}, err
	}
	s.notify(ctx, notification.Message{
		Kind:     notification.KindRefunded,
		UserID:   a.UserID,
		NumberID: a.NumberID,
		Amount:   a.Price,
		Body:     reason,
	})
	return cancelled, acct, nil
}

func (s *Service) releaseAtVendor(ctx context.Context, userID, numberID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.vendor.Cancel(cctx, numberID); err != nil {
		s.logger.Warn("release vendor number failed",
			slog.String("user_id", userID),
			slog.String("number_id", numberID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) compensate(ctx context.Context, userID string, amount int64, numberID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if _, _, err := s.ledger.Refund(cctx, userID, amount, reasonPersistFailed, numberID); err != nil {
		s.logger.Error("compensating refund failed",
			slog.String("user_id", userID),
			slog.String("number_id", numberID),
			slog.Int64("amount", amount),
			slog.Any("error", err),
		)
		s.notify(cctx, notification.Message{
			Kind:     notification.KindReconcileRequired,
			UserID:   userID,
			NumberID: numberID,
			Amount:   amount,
			Body:     "charged without allocation record",
		})
		return
	}
	s.notify(cctx, notification.Message{
		Kind:     notification.KindRefunded,
		UserID:   userID,
		NumberID: numberID,
		Amount:   amount,
		Body:     reasonPersistFailed,
	})
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}

// finishAtVendor closes a completed activation at the vendor. Failures are
// logged only; the allocation is already settled locally.
func (s *Service) finishAtVendor(ctx context.Context, numberID string) {
	if err := s.vendor.Finish(ctx, numberID); err != nil {
		s.logger.Warn("vendor finish failed", slog.String("number_id", numberID), slog.Any("error", err))
	}
}
