package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/portfolio-rebalancer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents rejected input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryState represents errors caused by contract or portfolio state
	CategoryState ErrorCategory = "state"
	// CategoryGuard represents rebalance preconditions that may clear later
	CategoryGuard ErrorCategory = "guard"
	// CategoryEconomic represents an unacceptable proposed trade outcome
	CategoryEconomic ErrorCategory = "economic"
	// CategoryProvider represents price oracle errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents storage errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeInvalidAllocation        = "INVALID_ALLOCATION"
	CodeInvalidThreshold         = "INVALID_THRESHOLD"
	CodeInvalidSlippageTolerance = "INVALID_SLIPPAGE_TOLERANCE"
	CodeInvalidAmount            = "INVALID_AMOUNT"
	CodeAmountOverflow           = "AMOUNT_OVERFLOW"
	CodeInvalidInput             = "INVALID_INPUT"
	CodeUnauthorized             = "UNAUTHORIZED"
	CodeAlreadyInitialized       = "ALREADY_INITIALIZED"
	CodeNotInitialized           = "NOT_INITIALIZED"
	CodePortfolioNotFound        = "PORTFOLIO_NOT_FOUND"
	CodePortfolioInactive        = "PORTFOLIO_INACTIVE"
	CodeEmergencyStop            = "EMERGENCY_STOP"
	CodeCooldownActive           = "COOLDOWN_ACTIVE"
	CodeStalePrice               = "STALE_PRICE"
	CodeMissingPrice             = "MISSING_PRICE"
	CodeInvalidPrice             = "INVALID_PRICE"
	CodeSlippageExceeded         = "SLIPPAGE_EXCEEDED"
	CodeProviderError            = "PROVIDER_ERROR"
	CodeDatabaseError            = "DATABASE_ERROR"
	CodeInternalError            = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches any CategorizedError carrying the same code, so the sentinel
// values below work with errors.Is.
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrInvalidAllocation        = &CategorizedError{Code: CodeInvalidAllocation}
	ErrInvalidThreshold         = &CategorizedError{Code: CodeInvalidThreshold}
	ErrInvalidSlippageTolerance = &CategorizedError{Code: CodeInvalidSlippageTolerance}
	ErrInvalidAmount            = &CategorizedError{Code: CodeInvalidAmount}
	ErrAmountOverflow           = &CategorizedError{Code: CodeAmountOverflow}
	ErrInvalidInput             = &CategorizedError{Code: CodeInvalidInput}
	ErrUnauthorized             = &CategorizedError{Code: CodeUnauthorized}
	ErrAlreadyInitialized       = &CategorizedError{Code: CodeAlreadyInitialized}
	ErrNotInitialized           = &CategorizedError{Code: CodeNotInitialized}
	ErrPortfolioNotFound        = &CategorizedError{Code: CodePortfolioNotFound}
	ErrPortfolioInactive        = &CategorizedError{Code: CodePortfolioInactive}
	ErrEmergencyStop            = &CategorizedError{Code: CodeEmergencyStop}
	ErrCooldownActive           = &CategorizedError{Code: CodeCooldownActive}
	ErrStalePrice               = &CategorizedError{Code: CodeStalePrice}
	ErrMissingPrice             = &CategorizedError{Code: CodeMissingPrice}
	ErrInvalidPrice             = &CategorizedError{Code: CodeInvalidPrice}
	ErrSlippageExceeded         = &CategorizedError{Code: CodeSlippageExceeded}
)

// Validation Errors

// NewInvalidAllocationError creates an invalid allocation error
func NewInvalidAllocationError(sum uint64, entries int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAllocation,
		Message:    "target allocation percentages must sum to exactly 100",
		Details: map[string]interface{}{
			"sum":     sum,
			"entries": entries,
		},
	}
}

// NewInvalidThresholdError creates an invalid rebalance threshold error
func NewInvalidThresholdError(threshold uint32) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidThreshold,
		Message:    fmt.Sprintf("rebalance threshold %d outside [%d, %d]", threshold, types.MinRebalanceThreshold, types.MaxRebalanceThreshold),
		Details: map[string]interface{}{
			"threshold": threshold,
		},
	}
}

// NewInvalidSlippageToleranceError creates an invalid slippage tolerance error
func NewInvalidSlippageToleranceError(tolerance uint32) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidSlippageTolerance,
		Message:    fmt.Sprintf("slippage tolerance %d bps outside [%d, %d]", tolerance, types.MinSlippageTolerance, types.MaxSlippageTolerance),
		Details: map[string]interface{}{
			"tolerance": tolerance,
		},
	}
}

// NewInvalidAmountError creates an invalid amount error
func NewInvalidAmountError(amount string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAmount,
		Message:    "amount must be positive",
		Details: map[string]interface{}{
			"amount": amount,
		},
	}
}

// NewAmountOverflowError creates an error for a balance leaving the 128-bit range
func NewAmountOverflowError(asset types.AssetID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeAmountOverflow,
		Message:    fmt.Sprintf("balance of %s would overflow", asset),
		Details: map[string]interface{}{
			"asset": string(asset),
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// Authorization Errors

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(required string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeUnauthorized,
		Message:    "caller is not authorized for this operation",
		Details: map[string]interface{}{
			"required": required,
		},
	}
}

// State Errors

// NewAlreadyInitializedError creates an already initialized error
func NewAlreadyInitializedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadyInitialized,
		Message:    "contract already initialized",
	}
}

// NewNotInitializedError creates a not initialized error
func NewNotInitializedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusConflict,
		Code:       CodeNotInitialized,
		Message:    "contract not initialized",
	}
}

// NewPortfolioNotFoundError creates a portfolio not found error
func NewPortfolioNotFoundError(id uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusNotFound,
		Code:       CodePortfolioNotFound,
		Message:    fmt.Sprintf("portfolio not found: %d", id),
		Details: map[string]interface{}{
			"portfolioId": id,
		},
	}
}

// NewPortfolioInactiveError creates a portfolio inactive error
func NewPortfolioInactiveError(id uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusConflict,
		Code:       CodePortfolioInactive,
		Message:    fmt.Sprintf("portfolio is inactive: %d", id),
		Details: map[string]interface{}{
			"portfolioId": id,
		},
	}
}

// Guard Errors

// NewEmergencyStopError creates an emergency stop error
func NewEmergencyStopError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryGuard,
		StatusCode: http.StatusLocked,
		Code:       CodeEmergencyStop,
		Message:    "emergency stop active",
	}
}

// NewCooldownActiveError creates a cooldown error
func NewCooldownActiveError(lastRebalance, now, remaining uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryGuard,
		StatusCode: http.StatusTooEarly,
		Code:       CodeCooldownActive,
		Message:    fmt.Sprintf("rebalance cooldown active, %d seconds remaining", remaining),
		Details: map[string]interface{}{
			"lastRebalance":    lastRebalance,
			"now":              now,
			"remainingSeconds": remaining,
		},
	}
}

// NewStalePriceError creates a stale price error
func NewStalePriceError(asset types.AssetID, timestamp, now uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryGuard,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeStalePrice,
		Message:    fmt.Sprintf("stale price data for %s", asset),
		Details: map[string]interface{}{
			"asset":     string(asset),
			"timestamp": timestamp,
			"now":       now,
		},
	}
}

// NewMissingPriceError creates a missing price error
func NewMissingPriceError(asset types.AssetID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryGuard,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeMissingPrice,
		Message:    fmt.Sprintf("missing price data for %s", asset),
		Details: map[string]interface{}{
			"asset": string(asset),
		},
	}
}

// NewInvalidPriceError creates an error for a non-positive quote
func NewInvalidPriceError(asset types.AssetID, price string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryGuard,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeInvalidPrice,
		Message:    fmt.Sprintf("non-positive price for %s", asset),
		Details: map[string]interface{}{
			"asset": string(asset),
			"price": price,
		},
	}
}

// Economic Errors

// NewSlippageExceededError creates a slippage exceeded error
func NewSlippageExceededError(asset types.AssetID, expected, actual string, slippageBps string, tolerance uint32) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEconomic,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeSlippageExceeded,
		Message:    fmt.Sprintf("slippage for %s is %s bps, tolerance %d bps", asset, slippageBps, tolerance),
		Details: map[string]interface{}{
			"asset":       string(asset),
			"expected":    expected,
			"actual":      actual,
			"slippageBps": slippageBps,
			"tolerance":   tolerance,
		},
	}
}

// System Errors

// NewProviderError creates a price oracle error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("price oracle error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil && catErr.StatusCode != 0 {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether retrying the same call later may succeed.
// Guard failures clear with time; slippage failures need a new proposal.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryGuard, CategoryProvider, CategoryDatabase:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	code := GetHTTPStatusCode(err)
	return code >= 400 && code < 500
}
