package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/google/uuid"
)

const SimulatedGatewayName = "simulated"

type Refusal int

const (
	RefusalUnknown Refusal = iota
	RefusalInsufficientFunds
	RefusalCardDeclined
	RefusalCardExpired
	RefusalFraudSuspected
	RefusalLimitExceeded
)

func (r Refusal) String() string {
	switch r {
	case RefusalInsufficientFunds:
		return "insufficient_funds"
	case RefusalCardDeclined:
		return "card_declined"
	case RefusalCardExpired:
		return "card_expired"
	case RefusalFraudSuspected:
		return "fraud_suspected"
	case RefusalLimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown reason"
	}
}

// Decider picks the outcome of a simulated prepaid charge.
type Decider interface {
	Decide() (domain.PaymentStatus, Refusal)
}

// RandomDecider approves roughly 95% of charges.
type RandomDecider struct{}

func (RandomDecider) Decide() (domain.PaymentStatus, Refusal) {
	return calcStatus(rand.Intn(101)) // 101 because Intn is exclusive of the upper bound
}

func calcStatus(randomInt int) (domain.PaymentStatus, Refusal) {
	if randomInt < 95 {
		return domain.PaymentStatusSuccess, RefusalUnknown
	}
	reason := randomInt - 95
	if reason <= 0 || reason > int(RefusalLimitExceeded) {
		return domain.PaymentStatusFailed, RefusalUnknown
	}
	return domain.PaymentStatusFailed, Refusal(reason)
}

// AlwaysDecider returns a fixed outcome.
type AlwaysDecider struct {
	Status  domain.PaymentStatus
	Refusal Refusal
}

func (a AlwaysDecider) Decide() (domain.PaymentStatus, Refusal) {
	return a.Status, a.Refusal
}

type SimulatedGateway struct {
	decider Decider
}

func NewSimulatedGateway(d Decider) *SimulatedGateway {
	return &SimulatedGateway{decider: d}
}

func (g *SimulatedGateway) ProcessPayment(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("unsupported payment method %q", req.Method)
	}
	if !req.Amount.IsPositive() {
		return nil, errors.New("payment amount must be positive")
	}

	out := &Outcome{
		TransactionID: "TXN-" + uuid.NewString(),
		Gateway:       SimulatedGatewayName,
	}

	if !req.Method.IsPrepaid() {
		out.Status = domain.PaymentStatusPending
		out.GatewayResponse = "collect " + req.Amount.StringFixed(2) + " " + req.Currency + " on delivery"
		return out, nil
	}

	status, refusal := g.decider.Decide()
	out.Status = status
	if status == domain.PaymentStatusSuccess {
		out.GatewayResponse = "approved"
	} else {
		out.GatewayResponse = refusal.String()
	}
	return out, nil
}

// Refund is always success for this implementation.
func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref := req.TransactionID
	if ref == "" {
		ref = "order " + req.OrderRef
	}
	return &Outcome{
		Status:          domain.PaymentStatusRefunded,
		TransactionID:   "RFD-" + uuid.NewString(),
		Gateway:         SimulatedGatewayName,
		GatewayResponse: "refunded " + ref,
	}, nil
}
