// Package prompts resolves prompt text by id and version from SSM Parameter
// Store.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the minimal AWS SSM interface required by ParamStore.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ErrNotFound marks a missing parameter or prompt variant. Callers should test
// with errors.Is.
var ErrNotFound = errors.New("prompts: not found")

// ParamStore wraps an AWS SSM API for parameter retrieval. It also serves
// other consumers that need decrypted parameters, such as API token lookup.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore creates a ParamStore with the given SSM API implementation.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("prompts: ssm api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

func (c *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("prompts: param store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("prompts: parameter name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var missing *ssmtypes.ParameterNotFound
		if errors.As(err, &missing) {
			return "", fmt.Errorf("prompts: parameter %q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("prompts: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("prompts: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}
