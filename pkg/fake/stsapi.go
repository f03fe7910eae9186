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

package fake

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

// STSBehavior must be reset between tests otherwise tests will
// pollute each other.
type STSBehavior struct {
	AssumeRoleBehavior        MockedFunction[sts.AssumeRoleInput, sts.AssumeRoleOutput]
	GetCallerIdentityBehavior MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

type STSAPI struct {
	STSBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *STSAPI) Reset() {
	a.AssumeRoleBehavior.Reset()
	a.GetCallerIdentityBehavior.Reset()
}

func (a *STSAPI) AssumeRole(_ context.Context, input *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return a.AssumeRoleBehavior.Invoke(input, func(in *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return &sts.AssumeRoleOutput{
			Credentials: &ststypes.Credentials{
				AccessKeyId:     aws.String("AKIAFAKEACCESSKEY"),
				SecretAccessKey: aws.String("fake-secret-access-key"),
				SessionToken:    aws.String("fake-session-token"),
				Expiration:      aws.Time(time.Now().Add(time.Hour).UTC()),
			},
			AssumedRoleUser: &ststypes.AssumedRoleUser{
				Arn: aws.String(aws.ToString(in.RoleArn) + "/" + aws.ToString(in.RoleSessionName)),
			},
		}, nil
	})
}

func (a *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return a.GetCallerIdentityBehavior.Invoke(input, func(_ *sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: aws.String("000000000000"),
			Arn:     aws.String("arn:aws:iam::000000000000:role/rule-engine-scan"),
			UserId:  aws.String("AROAFAKEUSERID"),
		}, nil
	})
}
