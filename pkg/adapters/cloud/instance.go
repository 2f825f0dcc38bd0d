package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Defaults for instance inputs.
const (
	DefaultInstanceType       = "t3.micro"
	DefaultImageOwner         = "099720109477"
	DefaultVirtualizationType = "hvm"
)

// liveStates are the instance states that count as an existing instance.
var liveStates = []string{
	string(types.InstanceStateNamePending),
	string(types.InstanceStateNameRunning),
	string(types.InstanceStateNameStopping),
	string(types.InstanceStateNameStopped),
}

// instanceSpec is the desired shape of an instance node.
type instanceSpec struct {
	imageID            string
	imagePattern       string
	imageOwner         string
	virtualizationType string
	instanceType       string
	subnetID           string
	securityGroupIDs   []string
	keyName            string
	userData           string
}

func parseInstanceSpec(inputs engine.Attributes) (*instanceSpec, error) {
	spec := &instanceSpec{
		imageID:            inputs.String("image_id"),
		imagePattern:       inputs.String("image"),
		imageOwner:         inputs.String("image_owner"),
		virtualizationType: inputs.String("virtualization_type"),
		instanceType:       inputs.String("instance_type"),
		subnetID:           inputs.String("subnet_id"),
		securityGroupIDs:   inputs.Strings("security_group_ids"),
		keyName:            inputs.String("key_name"),
		userData:           inputs.String("user_data"),
	}
	if spec.imageID == "" && spec.imagePattern == "" {
		return nil, validationError("one of image or image_id is required")
	}
	if spec.imageOwner == "" {
		spec.imageOwner = DefaultImageOwner
	}
	if spec.virtualizationType == "" {
		spec.virtualizationType = DefaultVirtualizationType
	}
	if spec.instanceType == "" {
		spec.instanceType = DefaultInstanceType
	}
	return spec, nil
}

func instanceAttributes(inst *types.Instance) engine.Attributes {
	id := aws.ToString(inst.InstanceId)
	attrs := engine.Attributes{
		engine.AttrID:   id,
		"instance_id":   id,
		"image_id":      aws.ToString(inst.ImageId),
		"instance_type": string(inst.InstanceType),
		"subnet_id":     aws.ToString(inst.SubnetId),
		"private_ip":    aws.ToString(inst.PrivateIpAddress),
		"public_ip":     aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		attrs["state"] = string(inst.State.Name)
	}
	if inst.Placement != nil {
		attrs["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return attrs
}

func (a *Adapter) applyInstance(ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error) {
	spec, err := parseInstanceSpec(engine.Attributes(req.Inputs))
	if err != nil {
		return nil, err
	}
	o := ownerOf(req.Deployment, req.Node)
	logger := a.logger.With().Str("node", req.Node.String()).Logger()

	inst, err := findInstance(ctx, api, o, req.Identifier)
	if err != nil {
		return nil, err
	}

	if inst == nil {
		imageID := spec.imageID
		if imageID == "" {
			if imageID, err = lookupImage(ctx, api, spec); err != nil {
				return nil, err
			}
		}

		input := &ec2.RunInstancesInput{
			ImageId:           aws.String(imageID),
			InstanceType:      types.InstanceType(spec.instanceType),
			MinCount:          aws.Int32(1),
			MaxCount:          aws.Int32(1),
			TagSpecifications: o.tagSpec(types.ResourceTypeInstance, ""),
		}
		if spec.subnetID != "" {
			input.SubnetId = aws.String(spec.subnetID)
		}
		if len(spec.securityGroupIDs) > 0 {
			input.SecurityGroupIds = spec.securityGroupIDs
		}
		if spec.keyName != "" {
			input.KeyName = aws.String(spec.keyName)
		}
		if spec.userData != "" {
			input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.userData)))
		}

		inst, err = runInstance(ctx, api, input, o)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("instance_id", aws.ToString(inst.InstanceId)).
			Str("image_id", imageID).
			Msg("Launched instance")
	}

	if inst.State != nil && inst.State.Name == types.InstanceStateNameRunning {
		return instanceAttributes(inst), nil
	}

	// an instance reports its public address only once it is running
	return a.waitRunning(ctx, api, aws.ToString(inst.InstanceId))
}

// runInstance launches one instance. A token that AWS already used for an
// instance that has since terminated returns that dead instance, so the
// launch is repeated with a token salted by its id.
func runInstance(ctx context.Context, api EC2API, input *ec2.RunInstancesInput, o owner) (*types.Instance, error) {
	salt := ""
	for attempt := 0; attempt < 2; attempt++ {
		input.ClientToken = aws.String(o.clientToken(salt))
		out, err := api.RunInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to run instance: %w", err)
		}
		if len(out.Instances) == 0 {
			return nil, fmt.Errorf("run instances returned no instance")
		}
		inst := &out.Instances[0]
		if inst.State == nil || !isGone(inst.State.Name) {
			return inst, nil
		}
		salt = aws.ToString(inst.InstanceId)
	}
	return nil, engine.NewTransientError("launch returned a terminated instance", nil).WithCode(engine.ErrCodeUnavailable)
}

func (a *Adapter) waitRunning(ctx context.Context, api EC2API, instanceID string) (engine.Attributes, error) {
	params := &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	waiter := ec2.NewInstanceRunningWaiter(api, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = a.opts.WaitMinDelay
		o.MaxDelay = a.opts.WaitMaxDelay
	})

	out, err := waiter.WaitForOutput(ctx, params, a.opts.WaitTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewTransientError("instance "+instanceID+" did not reach running state", err).
			WithCode(engine.ErrCodeNotReady)
	}
	if inst := firstLive(out); inst != nil {
		return instanceAttributes(inst), nil
	}
	return nil, engine.NewTransientError("instance "+instanceID+" not visible yet", nil).WithCode(engine.ErrCodeNotReady)
}

func (a *Adapter) readInstance(ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error) {
	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{req.Identifier}})
	if err != nil {
		return nil, err
	}
	if inst := firstLive(out); inst != nil {
		return instanceAttributes(inst), nil
	}
	return nil, engine.NewNotFoundError("instance " + req.Identifier + " not found")
}

// destroyInstance terminates the instance and waits until it is gone, so
// that the network it lives in can be removed afterwards.
func (a *Adapter) destroyInstance(ctx context.Context, api EC2API, req *engine.DestroyRequest) error {
	if _, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{req.Identifier},
	}); err != nil {
		return err
	}
	a.logger.Info().Str("node", req.Node.String()).Str("instance_id", req.Identifier).Msg("Terminating instance")

	waiter := ec2.NewInstanceTerminatedWaiter(api, func(o *ec2.InstanceTerminatedWaiterOptions) {
		o.MinDelay = a.opts.WaitMinDelay
		o.MaxDelay = a.opts.WaitMaxDelay
	})
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{req.Identifier}}, a.opts.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewTransientError("instance "+req.Identifier+" did not terminate", err).WithCode(engine.ErrCodeNotReady)
	}
	return nil
}

func isGone(state types.InstanceStateName) bool {
	return state == types.InstanceStateNameTerminated || state == types.InstanceStateNameShuttingDown
}

// findInstance looks up a live instance by recorded identifier, then by tags.
func findInstance(ctx context.Context, api EC2API, o owner, identifier string) (*types.Instance, error) {
	if identifier != "" {
		out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{identifier}})
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if err == nil {
			if inst := firstLive(out); inst != nil {
				return inst, nil
			}
		}
	}

	filters := append(o.filters(""), types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: liveStates,
	})
	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, err
	}
	return firstLive(out), nil
}

func firstLive(out *ec2.DescribeInstancesOutput) *types.Instance {
	for _, r := range out.Reservations {
		for i := range r.Instances {
			inst := &r.Instances[i]
			if inst.State == nil || !isGone(inst.State.Name) {
				return inst
			}
		}
	}
	return nil
}

// lookupImage returns the most recent available image matching the name
// pattern, virtualization type and owner.
func lookupImage(ctx context.Context, api EC2API, spec *instanceSpec) (string, error) {
	out, err := api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{spec.imageOwner},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{spec.imagePattern}},
			{Name: aws.String("virtualization-type"), Values: []string{spec.virtualizationType}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up image: %w", err)
	}
	if len(out.Images) == 0 {
		return "", engine.NewPermanentError(
			fmt.Sprintf("no image matches %q (owner %s, %s)", spec.imagePattern, spec.imageOwner, spec.virtualizationType), nil).
			WithCode(engine.ErrCodeValidation)
	}

	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}
