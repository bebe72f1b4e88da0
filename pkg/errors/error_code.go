package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter       ErrorCode = 100
	ErrCodeInvalidConfiguration   ErrorCode = 101
	ErrCodeInvalidOrderRequest    ErrorCode = 102
	ErrCodeInvalidPositionRequest ErrorCode = 103
	ErrCodeInvalidQuantity        ErrorCode = 104
	ErrCodeInvalidPrice           ErrorCode = 105

	// Event bus errors (200-299)
	ErrCodeHandlerPanic  ErrorCode = 200
	ErrCodeHandlerFailed ErrorCode = 201

	// Rule engine errors (300-399)
	ErrCodeRuleNotFound    ErrorCode = 300
	ErrCodeConditionFailed ErrorCode = 301
	ErrCodeActionFailed    ErrorCode = 302

	// Position errors (400-499)
	ErrCodePositionNotFound ErrorCode = 400
	ErrCodePositionClosed   ErrorCode = 401
	ErrCodePositionState    ErrorCode = 402

	// Order errors (500-599)
	ErrCodeOrderNotFound ErrorCode = 500
	ErrCodeOrderState    ErrorCode = 501
	ErrCodeGroupNotFound ErrorCode = 503

	// Linkage errors (600-699)
	ErrCodeLinkageNotFound    ErrorCode = 601
	ErrCodeSideMismatch       ErrorCode = 602
	ErrCodeDuplicateEntry     ErrorCode = 603
	ErrCodeScaleInNotEligible ErrorCode = 604

	// Broker errors (700-799)
	ErrCodeBrokerSubmitFailed ErrorCode = 700
	ErrCodeBrokerCancelFailed ErrorCode = 701
	ErrCodePriceUnavailable   ErrorCode = 702

	// Config errors (800-899)
	ErrCodeConfigParseFailed  ErrorCode = 800
	ErrCodeConfigVersion      ErrorCode = 801
	ErrCodeConfigSchemaFailed ErrorCode = 802

	// Journal errors (900-999)
	ErrCodeJournalInitFailed  ErrorCode = 900
	ErrCodeJournalWriteFailed ErrorCode = 901
	ErrCodeJournalQueryFailed ErrorCode = 902
)
