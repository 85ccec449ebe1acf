// Package gwerr defines the coded error type shared across the gateway.
//
// Every terminal or recoverable failure in the orchestration kernel carries
// one of the short machine-readable codes from spec §7 (e.g. "missing_pins",
// "ci_failed", "retry_exhausted"). The shape mirrors the teacher's
// gitutil.CommandError: a struct implementing error that keeps the code
// separate from the human-readable message so callers can switch on it
// without string matching.
package gwerr

import "fmt"

// Code is one of the coded error strings from spec §7.
type Code string

const (
	CodeMissingPins          Code = "missing_pins"
	CodeMissingPinsAllowlist Code = "missing_pins_allowlist"
	CodeMissingPinsTemplate  Code = "missing_pins_template"
	CodePinsInsufficient     Code = "pins_insufficient"
	CodeMissingFiles         Code = "missing_files"
	CodeMissingRealTest      Code = "missing_real_test"
	CodeMissingAllowedTests  Code = "missing_allowedTests"
	CodeInvalidRole          Code = "invalid_role"
	CodeMissingRolePolicy    Code = "missing_role_policy"
	CodeRolePolicyViolation  Code = "role_policy_violation"
	CodeRoleReadDenyPaths    Code = "role_read_deny_paths"
	CodeRoleReadAllowPaths   Code = "role_read_allow_paths"
	CodeRoleWriteDenyPaths   Code = "role_write_deny_paths"
	CodeRoleWriteAllowPaths  Code = "role_write_allow_paths"
	CodeQualityGateBlocked   Code = "quality_gate_blocked"
	CodeQuarantined          Code = "quarantined"
	CodeStopTheBleeding      Code = "stop_the_bleeding"
	CodeTimeoutFused         Code = "timeout_fused"
	CodeAlreadyDispatched    Code = "already_dispatched"
	CodeRetryExhausted       Code = "retry_exhausted"
	CodeBudgetExhausted      Code = "budget_exhausted"
	CodePreflightFailed      Code = "preflight_failed"
	CodePreflightException   Code = "preflight_exception"
	CodeTestCommandMissing   Code = "test_command_missing"
	CodeScopeConflict        Code = "scope_conflict"
	CodePatchScopeViolation  Code = "patch_scope_violation"
	CodeOutsideAllowPaths    Code = "outside_allow_paths"
	CodeForbiddenPaths       Code = "forbidden_paths"
	CodeMaxFilesExceeded     Code = "max_files_exceeded"
	CodeMaxLOCExceeded       Code = "max_loc_exceeded"
	CodeSubmitMismatch       Code = "submit_mismatch"
	CodeMissingSubmitContract Code = "missing_submit_contract"
	CodeCIFailed             Code = "ci_failed"
	CodeCISkipped            Code = "ci_skipped"
	CodeCITimedOut           Code = "ci_timed_out"
	CodePolicyGateFailed     Code = "policy_gate_failed"
	CodePolicyGateTimedOut   Code = "policy_gate_timed_out"
	CodeHygieneFailed        Code = "hygiene_failed"
	CodeSplitTouchedRepo     Code = "split_touched_repo"
	CodeSplitOutputInvalid  Code = "split_output_invalid"
	CodeContextPackRender    Code = "context_pack_v1_render"
	CodeContextPackMissing   Code = "context_pack_v1_missing"
	CodeContextPackMismatch  Code = "context_pack_v1_mismatch"
	CodeContextPackAttest    Code = "context_pack_v1_attest"
	CodeContextPackNonce     Code = "attestation_nonce_mismatch"
	CodeToolingError         Code = "tooling_error"
	CodeModelFailureLadder   Code = "model_failure_ladder"
	CodeNeedsInput           Code = "needs_input"
	CodeTimeout              Code = "timeout"
	CodeException            Code = "exception"
	CodePolicyViolation      Code = "policy_violation"

	// Dispatch-path only codes not in §7's job.reason list but used as
	// dispatch rejection reasons in §4.8.
	CodeWIPExecMax     Code = "wip_exec_max"
	CodeWIPTotalMax    Code = "wip_total_max"
	CodeWIPBatchMax    Code = "wip_batch_max"
	CodeNotAtomic      Code = "not_atomic"
	CodeBadStatus      Code = "bad_status"
	CodePinsPending    Code = "pins_pending"
	CodeMissingContract Code = "missing_contract"
)

// Error is a coded gateway error. Like gitutil.CommandError, it keeps the
// code and the human message separate so callers can branch on Code without
// string-matching Error().
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a coded error with a message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Code, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
