package shopping

import (
	"encoding/json"
	"time"

	"github.com/ap2fed/server/internal/mandate"
)

// State is a shopping session's position in the purchase choreography.
type State string

const (
	StateInitial         State = "initial"
	StateIntentCollected State = "intent_collected"
	StateIntentConfirmed State = "intent_confirmed"
	StateCartOptions     State = "cart_options_received"
	StateCartSelected    State = "cart_selected"
	StateCartConfirmed   State = "cart_confirmed"
	StateStepUpPending   State = "step_up_pending"
	StateMethodChosen    State = "payment_method_chosen"
	StateMandateSigned   State = "payment_mandate_signed"
	StateSettled         State = "payment_settled"
)

// CanAdvanceTo reports whether the choreography admits the move. The path is
// linear except for the optional step-up detour before a method is usable.
func (s State) CanAdvanceTo(next State) bool {
	switch s {
	case StateInitial:
		return next == StateIntentCollected
	case StateIntentCollected:
		return next == StateIntentConfirmed
	case StateIntentConfirmed:
		return next == StateCartOptions
	case StateCartOptions:
		return next == StateCartSelected
	case StateCartSelected:
		return next == StateCartConfirmed
	case StateCartConfirmed:
		return next == StateMethodChosen || next == StateStepUpPending
	case StateStepUpPending:
		return next == StateMethodChosen
	case StateMethodChosen:
		return next == StateMandateSigned
	case StateMandateSigned:
		return next == StateSettled
	default:
		return false
	}
}

// Session is one user's purchase in flight.
type Session struct {
	ID      string `json:"session_id"`
	UserDID string `json:"user_did"`
	State   State  `json:"state"`

	Intent          *mandate.IntentEnvelope `json:"intent,omitempty"`
	ShippingAddress *mandate.ContactAddress `json:"shipping_address,omitempty"`
	Candidates      []mandate.CartMandate   `json:"candidates,omitempty"`
	Selected        *mandate.CartMandate    `json:"selected_cart,omitempty"`

	MethodID     string `json:"payment_method_id,omitempty"`
	StepUpID     string `json:"step_up_session_id,omitempty"`
	PaymentToken string `json:"-"`
	AgentToken   string `json:"-"`

	// PendingChallenge is the base64url challenge of whichever WebAuthn
	// ceremony is in flight.
	PendingChallenge string `json:"-"`

	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Session) candidate(cartID string) *mandate.CartMandate {
	for i := range s.Candidates {
		if s.Candidates[i].Contents.ID == cartID {
			return &s.Candidates[i]
		}
	}
	return nil
}
