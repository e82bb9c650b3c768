package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Toolchain & Language errors
// 12000-12999: Problem & Test case errors
// 13000-13999: Submission & Grading errors
// 14000-14999: Sandbox & Execution errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Storage errors (10300-10399)
	StorageError       ErrorCode = 10300
	SourceHashMismatch ErrorCode = 10301

	// Validation errors (10400-10499)
	ValidationFailed ErrorCode = 10400

	// ========== Toolchain & Language Errors (11000-11999) ==========

	LanguageNotSupported ErrorCode = 11000
	InvalidCommandTpl    ErrorCode = 11001

	// ========== Problem & Test Case Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	TestCaseNotFound ErrorCode = 12100
	TestCaseInvalid  ErrorCode = 12101

	// ========== Submission & Grading Errors (13000-13999) ==========

	SubmissionNotFound     ErrorCode = 13000
	SubmissionAlreadyFinal ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002

	GradeQueueFull      ErrorCode = 13100
	GradeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106
	WrongAnswer         ErrorCode = 13107

	// ========== Sandbox & Execution Errors (14000-14999) ==========

	SandboxUnavailable ErrorCode = 14000
	SandboxSetupFailed ErrorCode = 14001
	SandboxKillFailed  ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",

	// Storage
	StorageError:       "Object storage operation failed",
	SourceHashMismatch: "Source hash does not match stored object",

	// Validation
	ValidationFailed: "Validation failed",

	// Toolchain
	LanguageNotSupported: "Programming language not supported",
	InvalidCommandTpl:    "Invalid command template",

	// Problem & Test cases
	ProblemNotFound:  "Problem not found",
	TestCaseNotFound: "Test case not found",
	TestCaseInvalid:  "Invalid test case",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionAlreadyFinal: "Submission has already been graded",
	CodeTooLarge:           "Code is too large",

	// Grading
	GradeQueueFull:      "Grading queue is full, please try again later",
	GradeSystemError:    "Grading system error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	WrongAnswer:         "Wrong answer",

	// Sandbox
	SandboxUnavailable: "Sandbox runtime is unavailable",
	SandboxSetupFailed: "Sandbox setup failed",
	SandboxKillFailed:  "Failed to kill sandbox",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == ProblemNotFound, c == TestCaseNotFound, c == SubmissionNotFound:
		return 404
	case c == TooManyRequests, c == GradeQueueFull:
		return 429
	case c == ServiceUnavailable, c == SandboxUnavailable:
		return 503
	case c == InvalidParams, c == ValidationFailed, c == LanguageNotSupported, c == CodeTooLarge:
		return 400
	default:
		return 500
	}
}
