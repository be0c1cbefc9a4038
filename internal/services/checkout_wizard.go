package services

import (
	"fmt"
	"slices"

	domain "github.com/freshstl/storefront/internal/domain"
)

var wizardTransitions = map[WizardStep][]WizardStep{
	domain.StepCart:         {domain.StepCustomerInfo},
	domain.StepCustomerInfo: {domain.StepPayment, domain.StepCart},
	domain.StepPayment:      {domain.StepCompleted, domain.StepCustomerInfo, domain.StepCancelled},
	domain.StepCancelled:    {domain.StepCustomerInfo},
}

// CanTransition reports whether the wizard may move from one step to another.
func CanTransition(from, to WizardStep) bool {
	return slices.Contains(wizardTransitions[from], to)
}

func moveTo(w *Wizard, to WizardStep) error {
	if !CanTransition(w.Step, to) {
		return fmt.Errorf("%w: wizard %s cannot move from %s to %s", ErrInvalidTransition, w.ID, w.Step, to)
	}
	w.Step = to
	return nil
}

func requireStep(w *Wizard, allowed ...WizardStep) error {
	if slices.Contains(allowed, w.Step) {
		return nil
	}
	return fmt.Errorf("%w: operation not allowed in step %s", ErrInvalidTransition, w.Step)
}

// invalidateSession drops the current gateway session and issues a new token. Results of in-flight
// initialisations carrying an older token are discarded when they land.
func invalidateSession(w *Wizard) uint64 {
	w.SessionToken++
	w.Session = nil
	w.SessionError = nil
	return w.SessionToken
}

// paymentModeFor decides the gateway mode from the tester allow-list captured on the wizard.
func paymentModeFor(w *Wizard) domain.PaymentMode {
	if w.Settings.IsTester(w.UserID, w.Billing.Email) {
		return domain.PaymentModeTest
	}
	return domain.PaymentModeLive
}
