/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"

	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	accessDeniedCode          = "AccessDenied"
	accessDeniedExceptionCode = "AccessDeniedException"
)

// This is not an exhaustive list, add to it as needed.
var (
	awsNotFoundErrorCodes = sets.New[string](
		"NoSuchKey",
		"NoSuchBucket",
		"NotFound",
		"NoSuchEntity",
		"ResourceNotFoundException",
	)
	awsAccessDeniedErrorCodes = sets.New[string](
		accessDeniedCode,
		accessDeniedExceptionCode,
		"UnauthorizedOperation",
		"ExpiredToken",
		"InvalidClientTokenId",
	)
	awsThrottlingErrorCodes = sets.New[string](
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"TooManyRequestsException",
		"SlowDown",
	)
	awsQuotaErrorCodes = sets.New[string](
		"LimitExceededException",
		"ServiceQuotaExceededException",
	)
)

// IsAWSNotFound returns true if the err is an AWS error (even if it's
// wrapped) known to mean "not found" as opposed to a more serious or
// unexpected error.
func IsAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return awsNotFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsAWSAccessDenied returns true if the error is an AWS error (even if
// it's wrapped) known to mean "access denied".
func IsAWSAccessDenied(err error) bool {
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	return awsAccessDeniedErrorCodes.Has(apiErr.ErrorCode())
}

// IsAWSThrottled returns true for rate-exceeded style AWS errors.
func IsAWSThrottled(err error) bool {
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	return awsThrottlingErrorCodes.Has(apiErr.ErrorCode())
}

// IsAWSQuotaExceeded returns true for service-quota AWS errors.
func IsAWSQuotaExceeded(err error) bool {
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return false
	}
	return awsQuotaErrorCodes.Has(apiErr.ErrorCode())
}
