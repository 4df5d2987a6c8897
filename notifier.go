package enroll

import "context"

// CertMeta is the certificate metadata handed to an external validation
// target on successful enrollment.
type CertMeta struct {
	SerialNumber string
	Thumbprint   string
	NotAfter     string
	IssuerCN     string
}

// Notifier informs an external enrollment-validation backend (an MDM
// tenant, for example) about enrollment outcomes. Delivery is strictly
// best effort: implementations log failures and never propagate them, and
// callers never block the protocol response on a notification.
type Notifier interface {
	NotifySuccess(ctx context.Context, transactionID string, csr []byte, meta CertMeta)
	NotifyFailure(ctx context.Context, transactionID string, csr []byte, code FailureCode, message string)
}

// NopNotifier is a Notifier which does nothing, used when a profile has no
// external validation target configured.
type NopNotifier struct{}

func (NopNotifier) NotifySuccess(ctx context.Context, transactionID string, csr []byte, meta CertMeta) {
}

func (NopNotifier) NotifyFailure(ctx context.Context, transactionID string, csr []byte, code FailureCode, message string) {
}
