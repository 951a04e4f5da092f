package hosts

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/lithammer/shortuuid/v3"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/hosts"
	"github.com/whisthq/whist/backend/webserver/metadata"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// AWSHost implements the HostHandler interface on EC2. A separate AWSHost is
// initialized per enabled region.
type AWSHost struct {
	Region string
	Config aws.Config
	EC2    *ec2.Client

	// Heartbeats is where the handler looks up instance heartbeats while
	// waiting for a launched instance to come up.
	Heartbeats hosts.HeartbeatSource

	// httpClient posts drain requests to host services. Swapped out in tests.
	httpClient *http.Client
}

// Initialize starts the AWS and EC2 clients on the given region.
func (host *AWSHost) Initialize(region string) error {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return utils.MakeError("unable to load AWS SDK config: %s", err)
	}

	host.Region = region
	host.Config = cfg
	host.EC2 = ec2.NewFromConfig(cfg)
	host.httpClient = &http.Client{Timeout: 10 * time.Second}

	return nil
}

// transientErrorCodes are EC2 API errors worth retrying with backoff.
var transientErrorCodes = []string{
	"RequestLimitExceeded",
	"InsufficientInstanceCapacity",
	"InternalError",
	"Unavailable",
	"InvalidInstanceID.NotFound",
}

// classifyProviderError wraps an EC2 API error with the matching sentinel so
// callers can branch on errors.Is without knowing AWS error codes.
func classifyProviderError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return utils.MakeError("%w: %s", hosts.ErrProviderTransient, err)
	}

	if apiErr.ErrorCode() == "InstanceLimitExceeded" {
		return utils.MakeError("%w: %s", hosts.ErrProviderFatal, err)
	}

	if utils.StringSliceContains(transientErrorCodes, apiErr.ErrorCode()) {
		return utils.MakeError("%w: %s", hosts.ErrProviderTransient, err)
	}

	return utils.MakeError("%w: %s", hosts.ErrProviderFatal, err)
}

// retryWithBackoff runs fn once and retries it up to MAX_RETRY_ATTEMPTS more
// times on transient errors, doubling the wait between attempts up to
// MAX_WAIT_BEFORE_RETRY. Fatal errors stop the retry loop immediately.
func retryWithBackoff(ctx context.Context, fn func() error) error {
	wait := INITIAL_WAIT_BEFORE_RETRY

	var err error
	for attempt := 0; attempt <= MAX_RETRY_ATTEMPTS; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		err = classifyProviderError(err)
		if errors.Is(err, hosts.ErrProviderFatal) {
			return err
		}

		logger.Warningf("Retrying cloud provider operation in %s: %s", wait, err)

		select {
		case <-ctx.Done():
			return utils.MakeError("%w: %s", hosts.ErrProviderTransient, ctx.Err())
		case <-time.After(wait):
		}

		wait *= BACKOFF_MULTIPLIER
		if wait > MAX_WAIT_BEFORE_RETRY {
			wait = MAX_WAIT_BEFORE_RETRY
		}
	}

	return err
}

// generateInstanceName returns a unique, environment-scoped name for a new
// instance. The name doubles as the idempotency key for launches.
func (host *AWSHost) generateInstanceName() string {
	return utils.Sprintf("%s-%s-instance-%s", metadata.GetAppEnvironmentLowercase(), host.Region, shortuuid.New())
}

// findInstanceByName looks for a non-terminated instance already carrying the
// given name tag. Launch retries go through this check first so a retried
// request that actually succeeded on AWS never launches a duplicate.
func (host *AWSHost) findInstanceByName(ctx context.Context, name string) (*ec2Types.Instance, error) {
	output, err := host.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, err
	}

	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			return &instance, nil
		}
	}
	return nil, nil
}

// SpinUpInstances launches `numInstances` instances with the given image,
// waits for them to be running on AWS, and returns the database rows to
// insert for them. The caller registers the rows and then waits for each
// host service to report its first heartbeat.
func (host *AWSHost) SpinUpInstances(ctx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image) ([]dbdriver.Instance, error) {
	var createdInstances []dbdriver.Instance

	for i := int32(0); i < numInstances; i++ {
		name := host.generateInstanceName()

		var launched *ec2Types.Instance
		err := retryWithBackoff(ctx, func() error {
			// A previous attempt may have gone through on the AWS side even
			// though we saw an error. The name tag tells us.
			existing, err := host.findInstanceByName(ctx, name)
			if err != nil {
				return err
			}
			if existing != nil {
				launched = existing
				return nil
			}

			input := &ec2.RunInstancesInput{
				MinCount:                          aws.Int32(MIN_INSTANCE_COUNT),
				MaxCount:                          aws.Int32(1),
				ImageId:                           aws.String(image.ImageID),
				InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
				InstanceType:                      ec2Types.InstanceType(config.GetInstanceType()),
				TagSpecifications: []ec2Types.TagSpecification{
					{
						ResourceType: ec2Types.ResourceTypeInstance,
						Tags: []ec2Types.Tag{
							{Key: aws.String("Name"), Value: aws.String(name)},
							{Key: aws.String("Environment"), Value: aws.String(metadata.GetAppEnvironmentLowercase())},
						},
					},
				},
			}

			output, err := host.EC2.RunInstances(ctx, input)
			if err != nil {
				return err
			}
			launched = &output.Instances[0]
			return nil
		})
		if err != nil {
			return createdInstances, utils.MakeError("failed to launch instance %s on %s: %s", name, host.Region, err)
		}

		logger.Infof("Launched instance %s (%s) with image %s on %s", name, aws.ToString(launched.InstanceId), image.ImageID, host.Region)

		createdInstances = append(createdInstances, dbdriver.Instance{
			Name:            name,
			Region:          host.Region,
			ImageID:         image.ImageID,
			ClientSHA:       image.ClientSHA,
			CloudProviderID: aws.ToString(launched.InstanceId),
			IPAddress:       aws.ToString(launched.PublicIpAddress),
			Type:            config.GetInstanceType(),
			Status:          dbdriver.InstanceStatusPreConnection,
			CreatedAt:       time.Now().UnixMilli(),
		})
	}

	cloudIDs := make([]types.CloudProviderID, 0, len(createdInstances))
	for _, instance := range createdInstances {
		cloudIDs = append(cloudIDs, types.CloudProviderID(instance.CloudProviderID))
	}

	if err := host.WaitForInstanceReady(ctx, maxWaitTime, cloudIDs); err != nil {
		return createdInstances, err
	}

	return createdInstances, nil
}

// SpinDownInstances terminates the given instances on AWS.
func (host *AWSHost) SpinDownInstances(ctx context.Context, cloudIDs []types.CloudProviderID) error {
	if len(cloudIDs) == 0 {
		return nil
	}

	instanceIDs := make([]string, 0, len(cloudIDs))
	for _, id := range cloudIDs {
		instanceIDs = append(instanceIDs, string(id))
	}

	var terminated int
	err := retryWithBackoff(ctx, func() error {
		output, err := host.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: instanceIDs,
		})
		if err != nil {
			return err
		}
		terminated = len(output.TerminatingInstances)
		return nil
	})
	if err != nil {
		return utils.MakeError("failed to terminate instances %v: %s", instanceIDs, err)
	}

	if terminated != len(instanceIDs) {
		return utils.MakeError("requested termination of %v instances, but only %v are terminating", len(instanceIDs), terminated)
	}

	return nil
}

// drainAccepted reports whether the host service's response to a drain
// request means it has started draining itself. Any 2xx counts, since older
// host services reply 200 and newer ones 202.
func drainAccepted(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// DrainInstance asks the host service on the given instance to stop accepting
// mandelboxes and shut itself down once its sessions end. If the host service
// is unreachable the instance is force-stopped on AWS instead, which also
// terminates it because of the shutdown behavior set at launch.
func (host *AWSHost) DrainInstance(ctx context.Context, instance dbdriver.Instance) error {
	url := utils.Sprintf("http://%s:%v/drain_and_shutdown", instance.IPAddress, config.GetHostServicePort())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString("{}"))
	if err != nil {
		return utils.MakeError("failed to create drain request for instance %s: %s", instance.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := host.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if drainAccepted(resp.StatusCode) {
			return nil
		}
		logger.Warningf("Host service on instance %s rejected drain request with status %v", instance.Name, resp.StatusCode)
	} else {
		logger.Warningf("Host service on instance %s is unreachable, force-stopping: %s", instance.Name, err)
	}

	stopErr := retryWithBackoff(ctx, func() error {
		_, err := host.EC2.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{instance.CloudProviderID},
		})
		return err
	})
	if stopErr != nil {
		return utils.MakeError("failed to force-stop instance %s: %s", instance.Name, stopErr)
	}

	return nil
}

// WaitForInstanceTermination waits until the given instances have been
// terminated on AWS.
func (host *AWSHost) WaitForInstanceTermination(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error {
	instanceIDs := make([]string, 0, len(cloudIDs))
	for _, id := range cloudIDs {
		instanceIDs = append(instanceIDs, string(id))
	}

	waiter := ec2.NewInstanceTerminatedWaiter(host.EC2)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs}, maxWaitTime)
	if err != nil {
		return utils.MakeError("failed waiting for instances %v to terminate: %s", instanceIDs, err)
	}

	return nil
}

// WaitForInstanceReady waits until the given instances are running on AWS.
func (host *AWSHost) WaitForInstanceReady(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error {
	instanceIDs := make([]string, 0, len(cloudIDs))
	for _, id := range cloudIDs {
		instanceIDs = append(instanceIDs, string(id))
	}

	waiter := ec2.NewInstanceRunningWaiter(host.EC2)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: instanceIDs}, maxWaitTime)
	if err != nil {
		return utils.MakeError("failed waiting for instances %v to be ready: %s", instanceIDs, err)
	}

	return nil
}

// WaitForHeartbeat polls the database until the host service on the named
// instance reports its first heartbeat. Returns ErrHeartbeatTimeout if the
// instance never comes up within maxWaitTime.
func (host *AWSHost) WaitForHeartbeat(ctx context.Context, name string, maxWaitTime time.Duration) error {
	deadline := time.Now().Add(maxWaitTime)

	for {
		instance, err := host.Heartbeats.QueryInstance(ctx, name)
		if err != nil && err != dbdriver.ErrNotFound {
			return err
		}
		// A zero LastHeartbeatAt means the host service has never
		// reported in.
		if err == nil && instance.LastHeartbeatAt != 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return utils.MakeError("%w: instance %s", hosts.ErrHeartbeatTimeout, name)
		}

		select {
		case <-ctx.Done():
			return utils.MakeError("%w: instance %s", hosts.ErrHeartbeatTimeout, name)
		case <-time.After(HEARTBEAT_POLL_INTERVAL):
		}
	}
}
