package domain

import "time"

// WizardStep is a checkout wizard state.
type WizardStep string

const (
	StepCart         WizardStep = "cart"
	StepCustomerInfo WizardStep = "customer_info"
	StepPayment      WizardStep = "payment"
	StepCompleted    WizardStep = "completed"
	StepCancelled    WizardStep = "cancelled"
)

// Terminal reports whether no further transitions leave the step.
func (s WizardStep) Terminal() bool { return s == StepCompleted }

// SessionErrorKind classifies a failed gateway session initialisation.
type SessionErrorKind string

const (
	SessionErrorConfig     SessionErrorKind = "gateway_config"
	SessionErrorNetwork    SessionErrorKind = "gateway_network"
	SessionErrorValidation SessionErrorKind = "gateway_validation"
)

// SessionError is stored on the wizard when the latest initialisation failed.
type SessionError struct {
	Kind    SessionErrorKind `json:"kind"`
	Message string           `json:"message"`
	Token   uint64           `json:"token"`
}

// FailureKind classifies a wizard that can no longer make progress on its own.
type FailureKind string

// FailureFulfillment marks a captured payment whose order could not be persisted.
const FailureFulfillment FailureKind = "fulfillment"

// Failure is a terminal error that requires operator action.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Reference string      `json:"reference"`
	Message   string      `json:"message"`
	At        time.Time   `json:"at"`
}

// Wizard is the server-held checkout record for one attempt to pay for a cart.
type Wizard struct {
	ID       string           `json:"id"`
	CartID   string           `json:"cartId"`
	UserID   string           `json:"userId,omitempty"`
	Step     WizardStep       `json:"step"`
	Items    []CartLineItem   `json:"items"`
	Currency string           `json:"currency"`
	Gateway  Gateway          `json:"gateway"`
	Coupon   *Coupon          `json:"coupon,omitempty"`
	Totals   Totals           `json:"totals"`
	Billing  BillingProfile   `json:"billing"`
	Settings CheckoutSettings `json:"settings"`

	// SavedMethodID is the customer's saved-card document id. SavedMethodToken is the PSP handle behind
	// it and never leaves the server.
	SavedMethodID    string `json:"savedMethodId,omitempty"`
	SavedMethodToken string `json:"savedMethodToken,omitempty"`
	SaveCard         bool   `json:"saveCard,omitempty"`

	SessionToken uint64          `json:"sessionToken"`
	Session      *GatewaySession `json:"session,omitempty"`
	SessionError *SessionError   `json:"sessionError,omitempty"`

	ConfirmedTransactionID string   `json:"confirmedTransactionId,omitempty"`
	OrderID                string   `json:"orderId,omitempty"`
	Failure                *Failure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CouponCode returns the applied coupon code or "".
func (w *Wizard) CouponCode() string {
	if w == nil || w.Coupon == nil {
		return ""
	}
	return w.Coupon.Code
}

// DiscountPercent returns the applied coupon percentage or 0.
func (w *Wizard) DiscountPercent() int {
	if w == nil || w.Coupon == nil {
		return 0
	}
	return w.Coupon.DiscountPercent
}

// Clone returns a deep copy so stores can hand out values without sharing slices.
func (w *Wizard) Clone() *Wizard {
	if w == nil {
		return nil
	}
	out := *w
	out.Items = append([]CartLineItem(nil), w.Items...)
	out.Settings.Testers = append([]string(nil), w.Settings.Testers...)
	out.Settings.SupportedCountries = append([]string(nil), w.Settings.SupportedCountries...)
	if w.Coupon != nil {
		c := *w.Coupon
		out.Coupon = &c
	}
	if w.Session != nil {
		s := *w.Session
		out.Session = &s
	}
	if w.SessionError != nil {
		e := *w.SessionError
		out.SessionError = &e
	}
	if w.Failure != nil {
		f := *w.Failure
		out.Failure = &f
	}
	return &out
}
