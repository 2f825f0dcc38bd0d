package cloud

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Components of a network node.
const (
	componentVPC           = "vpc"
	componentGateway       = "internet-gateway"
	componentPublicSubnet  = "public-subnet"
	componentRouteTable    = "public-routes"
	componentSecurityGroup = "security-group"
)

func privateSubnetComponent(i int) string {
	return fmt.Sprintf("private-subnet-%d", i)
}

const defaultNetworkCIDR = "10.0.0.0/16"

// networkSpec is the desired shape of a vpc node.
type networkSpec struct {
	cidr            netip.Prefix
	privateSegments int
	ingressPorts    []int
	ingressCIDR     string
	zones           []string
}

func parseNetworkSpec(inputs engine.Attributes) (*networkSpec, error) {
	raw := inputs.String("cidr")
	if raw == "" {
		raw = defaultNetworkCIDR
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return nil, validationError("invalid cidr %q: %v", raw, err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 24 || prefix.Bits() < 16 {
		return nil, validationError("cidr %q must be an IPv4 block between /16 and /24", raw)
	}

	spec := &networkSpec{
		cidr:            prefix.Masked(),
		privateSegments: 1,
		ingressCIDR:     inputs.String("ingress_cidr"),
		zones:           inputs.Strings("availability_zones"),
	}
	if n, ok := inputs.Int("private_segments"); ok {
		if n < 0 {
			return nil, validationError("private_segments must not be negative")
		}
		spec.privateSegments = n
	}
	if spec.ingressCIDR == "" {
		spec.ingressCIDR = "0.0.0.0/0"
	}
	if capacity := 1 << (24 - spec.cidr.Bits()); spec.privateSegments+1 > capacity {
		return nil, validationError("cidr %s has room for %d segments, %d requested", spec.cidr, capacity, spec.privateSegments+1)
	}

	ports, err := intList(inputs, "ingress_ports")
	if err != nil {
		return nil, err
	}
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, validationError("ingress port %d out of range", p)
		}
	}
	spec.ingressPorts = ports
	return spec, nil
}

// segmentCIDR returns the index-th /24 inside the network block.
func (s *networkSpec) segmentCIDR(index int) string {
	a := s.cidr.Addr().As4()
	n := binary.BigEndian.Uint32(a[:]) + uint32(index)<<8
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return netip.PrefixFrom(netip.AddrFrom4(out), 24).String()
}

// network collects the discovered parts of a vpc node.
type network struct {
	vpc            *types.Vpc
	gateway        *types.InternetGateway
	publicSubnet   *types.Subnet
	privateSubnets []types.Subnet
	routeTable     *types.RouteTable
	securityGroup  *types.SecurityGroup
}

func (n *network) attributes() engine.Attributes {
	vpcID := aws.ToString(n.vpc.VpcId)
	attrs := engine.Attributes{
		engine.AttrID: vpcID,
		"vpc_id":      vpcID,
		"cidr":        aws.ToString(n.vpc.CidrBlock),
	}

	zones := []string{}
	if n.publicSubnet != nil {
		attrs["public_subnet_id"] = aws.ToString(n.publicSubnet.SubnetId)
		zones = append(zones, aws.ToString(n.publicSubnet.AvailabilityZone))
	}
	private := make([]string, 0, len(n.privateSubnets))
	for _, s := range n.privateSubnets {
		private = append(private, aws.ToString(s.SubnetId))
		zones = append(zones, aws.ToString(s.AvailabilityZone))
	}
	attrs["private_subnet_ids"] = private
	attrs["availability_zones"] = zones

	if n.gateway != nil {
		attrs["internet_gateway_id"] = aws.ToString(n.gateway.InternetGatewayId)
	}
	if n.routeTable != nil {
		attrs["route_table_id"] = aws.ToString(n.routeTable.RouteTableId)
	}
	if n.securityGroup != nil {
		attrs["security_group_id"] = aws.ToString(n.securityGroup.GroupId)
	}
	return attrs
}

// applyNetwork converges the vpc and each of its parts. A part that already
// exists is kept, so an apply interrupted halfway resumes where it stopped.
func (a *Adapter) applyNetwork(ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error) {
	spec, err := parseNetworkSpec(engine.Attributes(req.Inputs))
	if err != nil {
		return nil, err
	}
	o := ownerOf(req.Deployment, req.Node)
	logger := a.logger.With().Str("node", req.Node.String()).Logger()
	net := &network{}

	net.vpc, err = findVPC(ctx, api, o, req.Identifier)
	if err != nil {
		return nil, err
	}
	if net.vpc == nil {
		out, err := api.CreateVpc(ctx, &ec2.CreateVpcInput{
			CidrBlock:         aws.String(spec.cidr.String()),
			TagSpecifications: o.tagSpec(types.ResourceTypeVpc, componentVPC),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vpc: %w", err)
		}
		net.vpc = out.Vpc
		logger.Info().Str("vpc_id", aws.ToString(net.vpc.VpcId)).Msg("Created vpc")

		if _, err := api.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:              net.vpc.VpcId,
			EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable dns hostnames: %w", err)
		}
	} else if cidr := aws.ToString(net.vpc.CidrBlock); cidr != spec.cidr.String() {
		return nil, engine.NewConflictError(
			fmt.Sprintf("vpc %s exists with cidr %s, want %s", aws.ToString(net.vpc.VpcId), cidr, spec.cidr), nil)
	}
	vpcID := net.vpc.VpcId

	zones := spec.zones
	if len(zones) == 0 {
		if zones, err = availableZones(ctx, api); err != nil {
			return nil, err
		}
	}
	if len(zones) == 0 {
		return nil, engine.NewPermanentError("no availability zones available", nil).WithCode(engine.ErrCodeValidation)
	}

	if net.gateway, err = a.ensureGateway(ctx, api, o, vpcID); err != nil {
		return nil, err
	}

	if net.publicSubnet, err = ensureSubnet(ctx, api, o, componentPublicSubnet, vpcID, spec.segmentCIDR(0), zones[0]); err != nil {
		return nil, err
	}
	if !aws.ToBool(net.publicSubnet.MapPublicIpOnLaunch) {
		if _, err := api.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            net.publicSubnet.SubnetId,
			MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable public addressing: %w", err)
		}
	}

	for i := 1; i <= spec.privateSegments; i++ {
		zone := zones[(i-1)%len(zones)]
		subnet, err := ensureSubnet(ctx, api, o, privateSubnetComponent(i), vpcID, spec.segmentCIDR(i), zone)
		if err != nil {
			return nil, err
		}
		net.privateSubnets = append(net.privateSubnets, *subnet)
	}

	if net.routeTable, err = ensureRouteTable(ctx, api, o, vpcID, net.gateway.InternetGatewayId, net.publicSubnet.SubnetId); err != nil {
		return nil, err
	}

	if net.securityGroup, err = ensureSecurityGroup(ctx, api, o, vpcID, spec); err != nil {
		return nil, err
	}

	return net.attributes(), nil
}

func (a *Adapter) readNetwork(ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error) {
	out, err := api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{req.Identifier}})
	if err != nil {
		return nil, err
	}
	if len(out.Vpcs) == 0 {
		return nil, engine.NewNotFoundError("vpc " + req.Identifier + " not found")
	}

	o := ownerOf(req.Deployment, req.Node)
	net := &network{vpc: &out.Vpcs[0]}

	gateways, err := api.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: o.filters(componentGateway)})
	if err != nil {
		return nil, err
	}
	if len(gateways.InternetGateways) > 0 {
		net.gateway = &gateways.InternetGateways[0]
	}

	subnets, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: o.filters("")})
	if err != nil {
		return nil, err
	}
	sort.Slice(subnets.Subnets, func(i, j int) bool {
		return tagValue(subnets.Subnets[i].Tags, TagComponent) < tagValue(subnets.Subnets[j].Tags, TagComponent)
	})
	for i := range subnets.Subnets {
		s := subnets.Subnets[i]
		if tagValue(s.Tags, TagComponent) == componentPublicSubnet {
			net.publicSubnet = &s
			continue
		}
		net.privateSubnets = append(net.privateSubnets, s)
	}

	tables, err := api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: o.filters(componentRouteTable)})
	if err != nil {
		return nil, err
	}
	if len(tables.RouteTables) > 0 {
		net.routeTable = &tables.RouteTables[0]
	}

	groups, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: o.filters(componentSecurityGroup)})
	if err != nil {
		return nil, err
	}
	if len(groups.SecurityGroups) > 0 {
		net.securityGroup = &groups.SecurityGroups[0]
	}

	return net.attributes(), nil
}

// destroyNetwork removes the parts in dependency order. A part still in use
// yields DependencyViolation, which is retried.
func (a *Adapter) destroyNetwork(ctx context.Context, api EC2API, req *engine.DestroyRequest) error {
	o := ownerOf(req.Deployment, req.Node)

	groups, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: o.filters(componentSecurityGroup)})
	if err != nil {
		return err
	}
	for _, g := range groups.SecurityGroups {
		if _, err := api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: g.GroupId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete security group: %w", err)
		}
	}

	tables, err := api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: o.filters(componentRouteTable)})
	if err != nil {
		return err
	}
	for _, rt := range tables.RouteTables {
		for _, assoc := range rt.Associations {
			if aws.ToBool(assoc.Main) {
				continue
			}
			if _, err := api.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: assoc.RouteTableAssociationId,
			}); err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to disassociate route table: %w", err)
			}
		}
		if _, err := api.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete route table: %w", err)
		}
	}

	gateways, err := api.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: o.filters(componentGateway)})
	if err != nil {
		return err
	}
	for _, gw := range gateways.InternetGateways {
		for _, att := range gw.Attachments {
			if _, err := api.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: gw.InternetGatewayId,
				VpcId:             att.VpcId,
			}); err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to detach internet gateway: %w", err)
			}
		}
		if _, err := api.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: gw.InternetGatewayId,
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete internet gateway: %w", err)
		}
	}

	subnets, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: o.filters("")})
	if err != nil {
		return err
	}
	for _, s := range subnets.Subnets {
		if _, err := api.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: s.SubnetId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete subnet: %w", err)
		}
	}

	if _, err := api.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(req.Identifier)}); err != nil {
		return fmt.Errorf("failed to delete vpc: %w", err)
	}
	a.logger.Info().Str("node", req.Node.String()).Str("vpc_id", req.Identifier).Msg("Deleted vpc")
	return nil
}

// findVPC looks up the vpc by recorded identifier, then by tags.
func findVPC(ctx context.Context, api EC2API, o owner, identifier string) (*types.Vpc, error) {
	if identifier != "" {
		out, err := api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{identifier}})
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if err == nil && len(out.Vpcs) > 0 {
			return &out.Vpcs[0], nil
		}
	}

	out, err := api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: o.filters(componentVPC)})
	if err != nil {
		return nil, err
	}
	if len(out.Vpcs) == 0 {
		return nil, nil
	}
	return &out.Vpcs[0], nil
}

func availableZones(ctx context.Context, api EC2API) ([]string, error) {
	out, err := api.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(z.ZoneName))
	}
	sort.Strings(zones)
	return zones, nil
}

func (a *Adapter) ensureGateway(ctx context.Context, api EC2API, o owner, vpcID *string) (*types.InternetGateway, error) {
	out, err := api.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: o.filters(componentGateway)})
	if err != nil {
		return nil, err
	}

	var gw *types.InternetGateway
	if len(out.InternetGateways) > 0 {
		gw = &out.InternetGateways[0]
	} else {
		created, err := api.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
			TagSpecifications: o.tagSpec(types.ResourceTypeInternetGateway, componentGateway),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create internet gateway: %w", err)
		}
		gw = created.InternetGateway
	}

	for _, att := range gw.Attachments {
		if aws.ToString(att.VpcId) == aws.ToString(vpcID) {
			return gw, nil
		}
	}
	if _, err := api.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: gw.InternetGatewayId,
		VpcId:             vpcID,
	}); err != nil {
		return nil, fmt.Errorf("failed to attach internet gateway: %w", err)
	}
	gw.Attachments = append(gw.Attachments, types.InternetGatewayAttachment{
		VpcId: vpcID,
		State: types.AttachmentStatusAttached,
	})
	return gw, nil
}

func ensureSubnet(ctx context.Context, api EC2API, o owner, component string, vpcID *string, cidr, zone string) (*types.Subnet, error) {
	out, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: o.filters(component)})
	if err != nil {
		return nil, err
	}
	if len(out.Subnets) > 0 {
		return &out.Subnets[0], nil
	}

	created, err := api.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             vpcID,
		CidrBlock:         aws.String(cidr),
		AvailabilityZone:  aws.String(zone),
		TagSpecifications: o.tagSpec(types.ResourceTypeSubnet, component),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", component, err)
	}
	return created.Subnet, nil
}

func ensureRouteTable(ctx context.Context, api EC2API, o owner, vpcID, gatewayID, subnetID *string) (*types.RouteTable, error) {
	out, err := api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: o.filters(componentRouteTable)})
	if err != nil {
		return nil, err
	}

	var rt *types.RouteTable
	if len(out.RouteTables) > 0 {
		rt = &out.RouteTables[0]
	} else {
		created, err := api.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
			VpcId:             vpcID,
			TagSpecifications: o.tagSpec(types.ResourceTypeRouteTable, componentRouteTable),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create route table: %w", err)
		}
		rt = created.RouteTable
	}

	hasDefault := false
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == "0.0.0.0/0" && aws.ToString(r.GatewayId) == aws.ToString(gatewayID) {
			hasDefault = true
		}
	}
	if !hasDefault {
		if _, err := api.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         rt.RouteTableId,
			DestinationCidrBlock: aws.String("0.0.0.0/0"),
			GatewayId:            gatewayID,
		}); err != nil {
			return nil, fmt.Errorf("failed to create default route: %w", err)
		}
		rt.Routes = append(rt.Routes, types.Route{DestinationCidrBlock: aws.String("0.0.0.0/0"), GatewayId: gatewayID})
	}

	for _, assoc := range rt.Associations {
		if aws.ToString(assoc.SubnetId) == aws.ToString(subnetID) {
			return rt, nil
		}
	}
	assoc, err := api.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: rt.RouteTableId,
		SubnetId:     subnetID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to associate route table: %w", err)
	}
	rt.Associations = append(rt.Associations, types.RouteTableAssociation{
		RouteTableAssociationId: assoc.AssociationId,
		SubnetId:                subnetID,
	})
	return rt, nil
}

func ensureSecurityGroup(ctx context.Context, api EC2API, o owner, vpcID *string, spec *networkSpec) (*types.SecurityGroup, error) {
	out, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: o.filters(componentSecurityGroup)})
	if err != nil {
		return nil, err
	}

	var sg *types.SecurityGroup
	if len(out.SecurityGroups) > 0 {
		sg = &out.SecurityGroups[0]
	} else {
		name := o.deployment + "-" + o.node.Name
		created, err := api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         aws.String(name),
			Description:       aws.String("ingress for " + o.node.String()),
			VpcId:             vpcID,
			TagSpecifications: o.tagSpec(types.ResourceTypeSecurityGroup, componentSecurityGroup),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create security group: %w", err)
		}
		sg = &types.SecurityGroup{GroupId: created.GroupId, GroupName: aws.String(name), VpcId: vpcID}
	}

	open := make(map[int32]bool)
	for _, perm := range sg.IpPermissions {
		if aws.ToString(perm.IpProtocol) != "tcp" || perm.FromPort == nil {
			continue
		}
		for _, r := range perm.IpRanges {
			if aws.ToString(r.CidrIp) == spec.ingressCIDR {
				open[aws.ToInt32(perm.FromPort)] = true
			}
		}
	}

	var missing []types.IpPermission
	for _, port := range spec.ingressPorts {
		p := int32(port)
		if open[p] {
			continue
		}
		missing = append(missing, types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(p),
			ToPort:     aws.Int32(p),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(spec.ingressCIDR), Description: aws.String("port " + strconv.Itoa(port))}},
		})
	}
	if len(missing) > 0 {
		if _, err := api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       sg.GroupId,
			IpPermissions: missing,
		}); err != nil {
			return nil, fmt.Errorf("failed to authorize ingress: %w", err)
		}
		sg.IpPermissions = append(sg.IpPermissions, missing...)
	}
	return sg, nil
}
