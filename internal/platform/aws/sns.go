package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/resilience"
)

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSClient wraps an SNS client with retries and a circuit breaker.
type SNSClient struct {
	client      SNSAPI
	breaker     *resilience.CircuitBreaker[string]
	retryConfig resilience.RetryConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// SNSClientConfig holds SNS client configuration. Client overrides the client built
// from AWSConfig.
type SNSClientConfig struct {
	AWSConfig   aws.Config
	Client      SNSAPI
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	RetryConfig *resilience.RetryConfig
	Breaker     *resilience.BreakerConfig
}

// NewSNSClient creates an SNS client.
func NewSNSClient(cfg SNSClientConfig) *SNSClient {
	client := cfg.Client
	if client == nil {
		client = sns.NewFromConfig(cfg.AWSConfig)
	}

	retryConfig := resilience.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retryConfig = *cfg.RetryConfig
	}
	if retryConfig.Retryable == nil {
		retryConfig.Retryable = retryablePublishError
	}

	breakerConfig := resilience.BreakerConfig{
		Name:             "sns",
		FailureThreshold: 5,
		MaxRequests:      2,
		Timeout:          30 * time.Second,
	}
	if cfg.Breaker != nil {
		breakerConfig = *cfg.Breaker
	}
	breakerConfig.OnStateChange = func(name string, from, to resilience.State) {
		if cfg.Logger != nil {
			cfg.Logger.Info("SNS circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		}
		cfg.Metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
	}

	return &SNSClient{
		client:      client,
		breaker:     resilience.NewCircuitBreaker[string](breakerConfig),
		retryConfig: retryConfig,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Publish marshals message to JSON and publishes it to topicARN. It returns the SNS
// message id.
func (s *SNSClient) Publish(ctx context.Context, topicARN string, message any, attributes map[string]string) (string, error) {
	start := time.Now()

	body, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := s.breaker.Execute(func() (string, error) {
		return resilience.RetryWithResult(ctx, s.retryConfig, func(ctx context.Context) (string, error) {
			return s.publishOnce(ctx, topicARN, string(body), attributes)
		})
	})

	status := "success"
	if err != nil {
		status = "error"
		if s.logger != nil {
			s.logger.LogError(ctx, "SNS publish failed", err,
				"topic_arn", topicARN,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
	s.metrics.RecordPublish(ctx, topicARN, status, time.Since(start))

	return id, err
}

func (s *SNSClient) publishOnce(ctx context.Context, topicARN, message string, attributes map[string]string) (string, error) {
	messageAttributes := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		messageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(message),
		MessageAttributes: messageAttributes,
	})
	if err != nil {
		return "", fmt.Errorf("SNS publish failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// CircuitBreakerState returns the current circuit breaker state.
func (s *SNSClient) CircuitBreakerState() resilience.State {
	return s.breaker.State()
}

// retryablePublishError retries everything except rejected parameters and
// cancellation.
func retryablePublishError(err error) bool {
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
