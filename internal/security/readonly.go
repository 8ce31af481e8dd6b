package security

import (
	"context"
	"sync"

	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/models"
)

// AccessController manages read-only mode. It satisfies the trading
// service's guard: every trade operation is a write and is refused while
// read-only mode is on.
type AccessController struct {
	readOnly    bool
	auditLogger *AuditLogger
	mu          sync.RWMutex
}

// NewAccessController creates a new access controller. auditLogger may be nil.
func NewAccessController(readOnly bool, auditLogger *AuditLogger) *AccessController {
	return &AccessController{
		readOnly:    readOnly,
		auditLogger: auditLogger,
	}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly sets the read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	changed := ac.readOnly != readOnly
	ac.readOnly = readOnly
	ac.mu.Unlock()

	if changed && ac.auditLogger != nil {
		ac.auditLogger.LogModeChange(context.Background(), readOnly)
	}
}

// Allow reports whether op may run.
func (ac *AccessController) Allow(op models.Operation) error {
	if !ac.IsReadOnly() || !isWriteOperation(op) {
		return nil
	}
	if ac.auditLogger != nil {
		ac.auditLogger.LogReadOnlyViolation(context.Background(), string(op))
	}
	return apperrors.NewSecurityError(string(op), OperationDescription(op)+" is not allowed", apperrors.ErrReadOnlyMode)
}

// isWriteOperation returns true if the operation modifies account state.
func isWriteOperation(op models.Operation) bool {
	for _, w := range WriteOperations() {
		if w == op {
			return true
		}
	}
	return false
}

// WriteOperations returns a list of all write operations.
func WriteOperations() []models.Operation {
	return []models.Operation{
		models.OpOpen,
		models.OpClose,
		models.OpCloseAll,
		models.OpModify,
		models.OpHedge,
		models.OpPendingPlace,
		models.OpPendingCancel,
	}
}

// OperationDescription returns a human-readable description of an operation.
func OperationDescription(op models.Operation) string {
	switch op {
	case models.OpOpen:
		return "Open position"
	case models.OpClose:
		return "Close position"
	case models.OpCloseAll:
		return "Close all positions"
	case models.OpModify:
		return "Modify position"
	case models.OpHedge:
		return "Hedge position"
	case models.OpPendingPlace:
		return "Place pending order"
	case models.OpPendingCancel:
		return "Cancel pending order"
	default:
		return string(op)
	}
}
