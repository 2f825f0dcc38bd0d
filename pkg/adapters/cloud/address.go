package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/straddle/pkg/engine"
)

func addressAttributes(addr *types.Address) engine.Attributes {
	id := aws.ToString(addr.AllocationId)
	return engine.Attributes{
		engine.AttrID:   id,
		"allocation_id": id,
		"public_ip":     aws.ToString(addr.PublicIp),
	}
}

func (a *Adapter) applyAddress(ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error) {
	o := ownerOf(req.Deployment, req.Node)

	addr, err := findAddress(ctx, api, o, req.Identifier)
	if err != nil {
		return nil, err
	}
	if addr != nil {
		return addressAttributes(addr), nil
	}

	out, err := api.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: o.tagSpec(types.ResourceTypeElasticIp, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address: %w", err)
	}
	a.logger.Info().
		Str("node", req.Node.String()).
		Str("allocation_id", aws.ToString(out.AllocationId)).
		Str("public_ip", aws.ToString(out.PublicIp)).
		Msg("Allocated address")

	return addressAttributes(&types.Address{AllocationId: out.AllocationId, PublicIp: out.PublicIp}), nil
}

func (a *Adapter) readAddress(ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error) {
	out, err := api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{req.Identifier}})
	if err != nil {
		return nil, err
	}
	if len(out.Addresses) == 0 {
		return nil, engine.NewNotFoundError("address " + req.Identifier + " not found")
	}
	return addressAttributes(&out.Addresses[0]), nil
}

func (a *Adapter) destroyAddress(ctx context.Context, api EC2API, req *engine.DestroyRequest) error {
	if _, err := api.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(req.Identifier)}); err != nil {
		return err
	}
	a.logger.Info().Str("node", req.Node.String()).Str("allocation_id", req.Identifier).Msg("Released address")
	return nil
}

func findAddress(ctx context.Context, api EC2API, o owner, identifier string) (*types.Address, error) {
	if identifier != "" {
		out, err := api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{identifier}})
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if err == nil && len(out.Addresses) > 0 {
			return &out.Addresses[0], nil
		}
	}

	out, err := api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: o.filters("")})
	if err != nil {
		return nil, err
	}
	if len(out.Addresses) == 0 {
		return nil, nil
	}
	return &out.Addresses[0], nil
}

func associationAttributes(addr *types.Address) engine.Attributes {
	id := aws.ToString(addr.AssociationId)
	return engine.Attributes{
		engine.AttrID:    id,
		"association_id": id,
		"allocation_id":  aws.ToString(addr.AllocationId),
		"instance_id":    aws.ToString(addr.InstanceId),
		"public_ip":      aws.ToString(addr.PublicIp),
		"private_ip":     aws.ToString(addr.PrivateIpAddress),
	}
}

// applyAssociation binds an allocated address to an instance. An address
// already bound to the same instance is left alone; one bound elsewhere is
// a conflict rather than being moved.
func (a *Adapter) applyAssociation(ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error) {
	inputs := engine.Attributes(req.Inputs)
	allocationID := inputs.String("allocation_id")
	instanceID := inputs.String("instance_id")
	if allocationID == "" || instanceID == "" {
		return nil, validationError("allocation_id and instance_id are required")
	}

	out, err := api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{allocationID}})
	if err != nil {
		return nil, err
	}
	if len(out.Addresses) == 0 {
		return nil, validationError("address %s does not exist", allocationID)
	}
	addr := out.Addresses[0]

	if addr.AssociationId != nil {
		if aws.ToString(addr.InstanceId) == instanceID {
			return associationAttributes(&addr), nil
		}
		return nil, engine.NewConflictError(
			fmt.Sprintf("address %s is associated with %s", allocationID, aws.ToString(addr.InstanceId)), nil)
	}

	assoc, err := api.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId:       aws.String(allocationID),
		InstanceId:         aws.String(instanceID),
		AllowReassociation: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to associate address: %w", err)
	}
	a.logger.Info().
		Str("node", req.Node.String()).
		Str("public_ip", aws.ToString(addr.PublicIp)).
		Str("instance_id", instanceID).
		Msg("Associated address")

	addr.AssociationId = assoc.AssociationId
	addr.InstanceId = aws.String(instanceID)
	return associationAttributes(&addr), nil
}

func (a *Adapter) readAssociation(ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error) {
	out, err := api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []types.Filter{{Name: aws.String("association-id"), Values: []string{req.Identifier}}},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Addresses) == 0 {
		return nil, engine.NewNotFoundError("association " + req.Identifier + " not found")
	}
	return associationAttributes(&out.Addresses[0]), nil
}

func (a *Adapter) destroyAssociation(ctx context.Context, api EC2API, req *engine.DestroyRequest) error {
	_, err := api.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{AssociationId: aws.String(req.Identifier)})
	return err
}
