package cloud

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/straddle/pkg/engine"
)

// throttleCodes are returned when the account exceeds its request rate.
var throttleCodes = codeSet(
	"RequestLimitExceeded",
	"Throttling",
	"ThrottlingException",
	"RequestThrottledException",
)

// transientCodes clear up on their own: capacity shortages, eventual
// consistency right after creation, and ordering races during teardown.
var transientCodes = codeSet(
	"InternalError",
	"InternalFailure",
	"ServiceUnavailable",
	"Unavailable",
	"InsufficientInstanceCapacity",
	"InsufficientCapacity",
	"DependencyViolation",
	"IncorrectState",
	"IncorrectInstanceState",
)

var permissionCodes = codeSet(
	"AuthFailure",
	"UnauthorizedOperation",
	"Blocked",
	"OptInRequired",
	"InvalidClientTokenId",
	"SignatureDoesNotMatch",
	"ExpiredToken",
)

var conflictCodes = codeSet(
	"Resource.AlreadyAssociated",
	"InvalidKeyPair.Duplicate",
	"InvalidGroup.Duplicate",
	"IdempotentParameterMismatch",
	"InvalidIPAddress.InUse",
)

func codeSet(codes ...string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// apiCode returns the service error code carried by err, or "".
func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isNotFound checks if an error indicates the resource does not exist.
func isNotFound(err error) bool {
	code := apiCode(err)
	return strings.HasSuffix(code, ".NotFound") || code == "NotFound"
}

// classify maps an EC2 error to an engine error class. Errors that carry no
// service code come from the transport and are retried.
func classify(err error, node engine.NodeID, operation string) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = node.String()
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.Classify(err, operation).WithResource(node.String())
	}

	code := apiCode(err)
	var out *engine.EngineError
	switch {
	case code == "":
		out = engine.NewTransientError(operation+" failed", err).WithCode(engine.ErrCodeUnavailable)
	case throttleCodes[code]:
		out = engine.NewThrottledError(operation+" throttled", err)
	case transientCodes[code]:
		out = engine.NewTransientError(operation+" failed", err).WithCode(engine.ErrCodeUnavailable)
	case permissionCodes[code]:
		out = engine.NewPermanentError(operation+" not permitted", err).WithCode(engine.ErrCodePermissionDenied)
	case conflictCodes[code]:
		out = engine.NewConflictError(operation+" conflicts with an existing resource", err)
	case isNotFound(err):
		out = engine.NewNotFoundError(operation + ": resource not found")
		out.Err = err
	default:
		out = engine.NewPermanentError(operation+" failed", err).WithCode(engine.ErrCodeAdapterFailed)
	}
	return out.WithResource(node.String()).WithOperation(operation).WithDetail("aws_code", code)
}
