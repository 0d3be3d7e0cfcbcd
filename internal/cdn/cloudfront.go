// Package cdn wraps the CloudFront invalidation API.
package cdn

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"
)

// API is the slice of the CloudFront client the package depends on.
type API interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type Client struct{ api API }

func New(cfg aws.Config) *Client {
	return &Client{api: cloudfront.NewFromConfig(cfg)}
}

// NewWithAPI wires an explicit API implementation.
func NewWithAPI(api API) *Client { return &Client{api: api} }

// Invalidate purges the given paths from the distribution's edge caches and
// returns the provider's invalidation id. Each call uses a fresh caller
// reference so retries after an ambiguous failure create a new invalidation
// rather than colliding with the previous one.
func (c *Client) Invalidate(ctx context.Context, distributionID string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("no paths to invalidate")
	}

	out, err := c.api.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(uuid.NewString()),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create invalidation: %w", err)
	}
	return aws.ToString(out.Invalidation.Id), nil
}
