package cloud

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 is an in-memory EC2 that honours tag filters and rejects
// deletions of resources that are still in use.
type fakeEC2 struct {
	mu  sync.Mutex
	seq int

	zones       []string
	vpcs        map[string]*types.Vpc
	subnets     map[string]*types.Subnet
	gateways    map[string]*types.InternetGateway
	routeTables map[string]*types.RouteTable
	groups      map[string]*types.SecurityGroup
	images      []types.Image
	instances   map[string]*types.Instance
	keyPairs    map[string]*types.KeyPairInfo
	addresses   map[string]*types.Address

	calls    map[string]int
	failures map[string][]error
	runs     []*ec2.RunInstancesInput
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		zones:       []string{"eu-west-1a", "eu-west-1b", "eu-west-1c"},
		vpcs:        make(map[string]*types.Vpc),
		subnets:     make(map[string]*types.Subnet),
		gateways:    make(map[string]*types.InternetGateway),
		routeTables: make(map[string]*types.RouteTable),
		groups:      make(map[string]*types.SecurityGroup),
		instances:   make(map[string]*types.Instance),
		keyPairs:    make(map[string]*types.KeyPairInfo),
		addresses:   make(map[string]*types.Address),
		calls:       make(map[string]int),
		failures:    make(map[string][]error),
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// failNext makes the next call of op return err.
func (f *fakeEC2) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

func (f *fakeEC2) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// begin locks the fake and records the call; callers must unlock.
func (f *fakeEC2) begin(op string) error {
	f.mu.Lock()
	f.calls[op]++
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeEC2) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%08x", prefix, f.seq)
}

func specTags(specs []types.TagSpecification) []types.Tag {
	var tags []types.Tag
	for _, s := range specs {
		tags = append(tags, s.Tags...)
	}
	return tags
}

// matches evaluates filters against tags and the named attributes of a
// resource. Filters on attributes the resource does not expose are ignored.
func matches(filters []types.Filter, tags []types.Tag, attrs map[string]string) bool {
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		var value string
		if key, ok := strings.CutPrefix(name, "tag:"); ok {
			value = tagValue(tags, key)
		} else if v, ok := attrs[name]; ok {
			value = v
		} else {
			continue
		}
		matched := false
		for _, want := range filter.Values {
			if ok, _ := path.Match(want, value); ok || want == value {
				matched = true
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (f *fakeEC2) DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	err := f.begin("DescribeAvailabilityZones")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeAvailabilityZonesOutput{}
	for _, z := range f.zones {
		out.AvailabilityZones = append(out.AvailabilityZones, types.AvailabilityZone{
			ZoneName: aws.String(z),
			State:    types.AvailabilityZoneStateAvailable,
		})
	}
	return out, nil
}

func (f *fakeEC2) CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	err := f.begin("CreateVpc")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	vpc := &types.Vpc{
		VpcId:     aws.String(f.nextID("vpc")),
		CidrBlock: params.CidrBlock,
		State:     types.VpcStateAvailable,
		Tags:      specTags(params.TagSpecifications),
	}
	f.vpcs[*vpc.VpcId] = vpc
	copied := *vpc
	return &ec2.CreateVpcOutput{Vpc: &copied}, nil
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	err := f.begin("DescribeVpcs")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeVpcsOutput{}
	for _, id := range params.VpcIds {
		vpc, ok := f.vpcs[id]
		if !ok {
			return nil, apiError("InvalidVpcID.NotFound")
		}
		out.Vpcs = append(out.Vpcs, *vpc)
	}
	if len(params.VpcIds) == 0 {
		for _, vpc := range f.vpcs {
			if matches(params.Filters, vpc.Tags, nil) {
				out.Vpcs = append(out.Vpcs, *vpc)
			}
		}
	}
	return out, nil
}

func (f *fakeEC2) ModifyVpcAttribute(ctx context.Context, params *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	err := f.begin("ModifyVpcAttribute")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, ok := f.vpcs[aws.ToString(params.VpcId)]; !ok {
		return nil, apiError("InvalidVpcID.NotFound")
	}
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	err := f.begin("DeleteVpc")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.VpcId)
	if _, ok := f.vpcs[id]; !ok {
		return nil, apiError("InvalidVpcID.NotFound")
	}
	for _, s := range f.subnets {
		if aws.ToString(s.VpcId) == id {
			return nil, apiError("DependencyViolation")
		}
	}
	for _, g := range f.groups {
		if aws.ToString(g.VpcId) == id {
			return nil, apiError("DependencyViolation")
		}
	}
	delete(f.vpcs, id)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	err := f.begin("CreateSubnet")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	subnet := &types.Subnet{
		SubnetId:            aws.String(f.nextID("subnet")),
		VpcId:               params.VpcId,
		CidrBlock:           params.CidrBlock,
		AvailabilityZone:    params.AvailabilityZone,
		MapPublicIpOnLaunch: aws.Bool(false),
		Tags:                specTags(params.TagSpecifications),
	}
	f.subnets[*subnet.SubnetId] = subnet
	copied := *subnet
	return &ec2.CreateSubnetOutput{Subnet: &copied}, nil
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	err := f.begin("DescribeSubnets")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeSubnetsOutput{}
	for _, s := range f.subnets {
		if matches(params.Filters, s.Tags, map[string]string{"vpc-id": aws.ToString(s.VpcId)}) {
			out.Subnets = append(out.Subnets, *s)
		}
	}
	return out, nil
}

func (f *fakeEC2) ModifySubnetAttribute(ctx context.Context, params *ec2.ModifySubnetAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	err := f.begin("ModifySubnetAttribute")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s, ok := f.subnets[aws.ToString(params.SubnetId)]
	if !ok {
		return nil, apiError("InvalidSubnetID.NotFound")
	}
	if params.MapPublicIpOnLaunch != nil {
		s.MapPublicIpOnLaunch = params.MapPublicIpOnLaunch.Value
	}
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	err := f.begin("DeleteSubnet")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.SubnetId)
	if _, ok := f.subnets[id]; !ok {
		return nil, apiError("InvalidSubnetID.NotFound")
	}
	for _, inst := range f.instances {
		if aws.ToString(inst.SubnetId) == id && inst.State.Name != types.InstanceStateNameTerminated {
			return nil, apiError("DependencyViolation")
		}
	}
	delete(f.subnets, id)
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) CreateInternetGateway(ctx context.Context, params *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	err := f.begin("CreateInternetGateway")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	gw := &types.InternetGateway{
		InternetGatewayId: aws.String(f.nextID("igw")),
		Tags:              specTags(params.TagSpecifications),
	}
	f.gateways[*gw.InternetGatewayId] = gw
	copied := *gw
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &copied}, nil
}

func (f *fakeEC2) DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	err := f.begin("DescribeInternetGateways")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeInternetGatewaysOutput{}
	for _, gw := range f.gateways {
		if matches(params.Filters, gw.Tags, nil) {
			copied := *gw
			copied.Attachments = append([]types.InternetGatewayAttachment(nil), gw.Attachments...)
			out.InternetGateways = append(out.InternetGateways, copied)
		}
	}
	return out, nil
}

func (f *fakeEC2) AttachInternetGateway(ctx context.Context, params *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	err := f.begin("AttachInternetGateway")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	gw, ok := f.gateways[aws.ToString(params.InternetGatewayId)]
	if !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	gw.Attachments = append(gw.Attachments, types.InternetGatewayAttachment{VpcId: params.VpcId, State: types.AttachmentStatusAttached})
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DetachInternetGateway(ctx context.Context, params *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	err := f.begin("DetachInternetGateway")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	gw, ok := f.gateways[aws.ToString(params.InternetGatewayId)]
	if !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	gw.Attachments = nil
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DeleteInternetGateway(ctx context.Context, params *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	err := f.begin("DeleteInternetGateway")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.InternetGatewayId)
	gw, ok := f.gateways[id]
	if !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	if len(gw.Attachments) > 0 {
		return nil, apiError("DependencyViolation")
	}
	delete(f.gateways, id)
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) CreateRouteTable(ctx context.Context, params *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	err := f.begin("CreateRouteTable")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rt := &types.RouteTable{
		RouteTableId: aws.String(f.nextID("rtb")),
		VpcId:        params.VpcId,
		Tags:         specTags(params.TagSpecifications),
	}
	f.routeTables[*rt.RouteTableId] = rt
	copied := *rt
	return &ec2.CreateRouteTableOutput{RouteTable: &copied}, nil
}

func (f *fakeEC2) DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	err := f.begin("DescribeRouteTables")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeRouteTablesOutput{}
	for _, rt := range f.routeTables {
		if matches(params.Filters, rt.Tags, nil) {
			copied := *rt
			copied.Routes = append([]types.Route(nil), rt.Routes...)
			copied.Associations = append([]types.RouteTableAssociation(nil), rt.Associations...)
			out.RouteTables = append(out.RouteTables, copied)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	err := f.begin("CreateRoute")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rt, ok := f.routeTables[aws.ToString(params.RouteTableId)]
	if !ok {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	rt.Routes = append(rt.Routes, types.Route{DestinationCidrBlock: params.DestinationCidrBlock, GatewayId: params.GatewayId})
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) AssociateRouteTable(ctx context.Context, params *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	err := f.begin("AssociateRouteTable")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rt, ok := f.routeTables[aws.ToString(params.RouteTableId)]
	if !ok {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	id := aws.String(f.nextID("rtbassoc"))
	rt.Associations = append(rt.Associations, types.RouteTableAssociation{RouteTableAssociationId: id, SubnetId: params.SubnetId})
	return &ec2.AssociateRouteTableOutput{AssociationId: id}, nil
}

func (f *fakeEC2) DisassociateRouteTable(ctx context.Context, params *ec2.DisassociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	err := f.begin("DisassociateRouteTable")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, rt := range f.routeTables {
		kept := rt.Associations[:0]
		for _, a := range rt.Associations {
			if aws.ToString(a.RouteTableAssociationId) != aws.ToString(params.AssociationId) {
				kept = append(kept, a)
			}
		}
		rt.Associations = kept
	}
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (f *fakeEC2) DeleteRouteTable(ctx context.Context, params *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	err := f.begin("DeleteRouteTable")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.RouteTableId)
	rt, ok := f.routeTables[id]
	if !ok {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	if len(rt.Associations) > 0 {
		return nil, apiError("DependencyViolation")
	}
	delete(f.routeTables, id)
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	err := f.begin("CreateSecurityGroup")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, g := range f.groups {
		if aws.ToString(g.GroupName) == aws.ToString(params.GroupName) && aws.ToString(g.VpcId) == aws.ToString(params.VpcId) {
			return nil, apiError("InvalidGroup.Duplicate")
		}
	}
	sg := &types.SecurityGroup{
		GroupId:   aws.String(f.nextID("sg")),
		GroupName: params.GroupName,
		VpcId:     params.VpcId,
		Tags:      specTags(params.TagSpecifications),
	}
	f.groups[*sg.GroupId] = sg
	return &ec2.CreateSecurityGroupOutput{GroupId: sg.GroupId}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	err := f.begin("DescribeSecurityGroups")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, g := range f.groups {
		if matches(params.Filters, g.Tags, nil) {
			copied := *g
			copied.IpPermissions = append([]types.IpPermission(nil), g.IpPermissions...)
			out.SecurityGroups = append(out.SecurityGroups, copied)
		}
	}
	return out, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	err := f.begin("AuthorizeSecurityGroupIngress")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g, ok := f.groups[aws.ToString(params.GroupId)]
	if !ok {
		return nil, apiError("InvalidGroup.NotFound")
	}
	g.IpPermissions = append(g.IpPermissions, params.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	err := f.begin("DeleteSecurityGroup")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.GroupId)
	if _, ok := f.groups[id]; !ok {
		return nil, apiError("InvalidGroup.NotFound")
	}
	delete(f.groups, id)
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	err := f.begin("DescribeImages")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeImagesOutput{}
	for _, img := range f.images {
		owned := len(params.Owners) == 0
		for _, o := range params.Owners {
			if o == aws.ToString(img.OwnerId) {
				owned = true
			}
		}
		attrs := map[string]string{
			"name":                aws.ToString(img.Name),
			"virtualization-type": string(img.VirtualizationType),
			"state":               string(img.State),
		}
		if owned && matches(params.Filters, nil, attrs) {
			out.Images = append(out.Images, img)
		}
	}
	return out, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	err := f.begin("RunInstances")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.runs = append(f.runs, params)

	for _, inst := range f.instances {
		if aws.ToString(inst.ClientToken) == aws.ToString(params.ClientToken) {
			return &ec2.RunInstancesOutput{Instances: []types.Instance{*inst}}, nil
		}
	}

	id := f.nextID("i")
	inst := &types.Instance{
		InstanceId:       aws.String(id),
		ImageId:          params.ImageId,
		InstanceType:     params.InstanceType,
		SubnetId:         params.SubnetId,
		ClientToken:      params.ClientToken,
		PrivateIpAddress: aws.String(fmt.Sprintf("10.0.0.%d", 10+f.seq)),
		PublicIpAddress:  aws.String(fmt.Sprintf("198.51.100.%d", 10+f.seq)),
		Placement:        &types.Placement{AvailabilityZone: aws.String(f.zones[0])},
		State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
		Tags:             specTags(params.TagSpecifications),
	}
	f.instances[id] = inst

	// the launch response reports pending; the first describe reports running
	pending := *inst
	pending.State = &types.InstanceState{Name: types.InstanceStateNamePending}
	pending.PublicIpAddress = nil
	return &ec2.RunInstancesOutput{Instances: []types.Instance{pending}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	err := f.begin("DescribeInstances")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var found []types.Instance
	for _, id := range params.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound")
		}
		found = append(found, *inst)
	}
	if len(params.InstanceIds) == 0 {
		for _, inst := range f.instances {
			if matches(params.Filters, inst.Tags, map[string]string{"instance-state-name": string(inst.State.Name)}) {
				found = append(found, *inst)
			}
		}
	}
	out := &ec2.DescribeInstancesOutput{}
	if len(found) > 0 {
		out.Reservations = []types.Reservation{{Instances: found}}
	}
	return out, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	err := f.begin("TerminateInstances")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, id := range params.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, apiError("InvalidInstanceID.NotFound")
		}
		inst.State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	err := f.begin("ImportKeyPair")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, kp := range f.keyPairs {
		if aws.ToString(kp.KeyName) == aws.ToString(params.KeyName) {
			return nil, apiError("InvalidKeyPair.Duplicate")
		}
	}
	kp := &types.KeyPairInfo{
		KeyPairId:      aws.String(f.nextID("key")),
		KeyName:        params.KeyName,
		KeyFingerprint: aws.String(fmt.Sprintf("fp:%d", len(params.PublicKeyMaterial))),
		Tags:           specTags(params.TagSpecifications),
	}
	f.keyPairs[*kp.KeyPairId] = kp
	return &ec2.ImportKeyPairOutput{KeyPairId: kp.KeyPairId, KeyName: kp.KeyName, KeyFingerprint: kp.KeyFingerprint}, nil
}

func (f *fakeEC2) DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	err := f.begin("DescribeKeyPairs")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeKeyPairsOutput{}
	for _, kp := range f.keyPairs {
		for _, id := range params.KeyPairIds {
			if id == aws.ToString(kp.KeyPairId) {
				out.KeyPairs = append(out.KeyPairs, *kp)
			}
		}
		for _, name := range params.KeyNames {
			if name == aws.ToString(kp.KeyName) {
				out.KeyPairs = append(out.KeyPairs, *kp)
			}
		}
	}
	if len(out.KeyPairs) == 0 && (len(params.KeyPairIds) > 0 || len(params.KeyNames) > 0) {
		return nil, apiError("InvalidKeyPair.NotFound")
	}
	return out, nil
}

func (f *fakeEC2) DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	err := f.begin("DeleteKeyPair")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	delete(f.keyPairs, aws.ToString(params.KeyPairId))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) AllocateAddress(ctx context.Context, params *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	err := f.begin("AllocateAddress")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	addr := &types.Address{
		AllocationId: aws.String(f.nextID("eipalloc")),
		PublicIp:     aws.String(fmt.Sprintf("203.0.113.%d", f.seq)),
		Domain:       params.Domain,
		Tags:         specTags(params.TagSpecifications),
	}
	f.addresses[*addr.AllocationId] = addr
	return &ec2.AllocateAddressOutput{AllocationId: addr.AllocationId, PublicIp: addr.PublicIp}, nil
}

func (f *fakeEC2) DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	err := f.begin("DescribeAddresses")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := &ec2.DescribeAddressesOutput{}
	for _, id := range params.AllocationIds {
		addr, ok := f.addresses[id]
		if !ok {
			return nil, apiError("InvalidAllocationID.NotFound")
		}
		out.Addresses = append(out.Addresses, *addr)
	}
	if len(params.AllocationIds) == 0 {
		for _, addr := range f.addresses {
			if matches(params.Filters, addr.Tags, map[string]string{"association-id": aws.ToString(addr.AssociationId)}) {
				out.Addresses = append(out.Addresses, *addr)
			}
		}
	}
	return out, nil
}

func (f *fakeEC2) ReleaseAddress(ctx context.Context, params *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	err := f.begin("ReleaseAddress")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	id := aws.ToString(params.AllocationId)
	addr, ok := f.addresses[id]
	if !ok {
		return nil, apiError("InvalidAllocationID.NotFound")
	}
	if addr.AssociationId != nil {
		return nil, apiError("InvalidIPAddress.InUse")
	}
	delete(f.addresses, id)
	return &ec2.ReleaseAddressOutput{}, nil
}

func (f *fakeEC2) AssociateAddress(ctx context.Context, params *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	err := f.begin("AssociateAddress")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	addr, ok := f.addresses[aws.ToString(params.AllocationId)]
	if !ok {
		return nil, apiError("InvalidAllocationID.NotFound")
	}
	inst, ok := f.instances[aws.ToString(params.InstanceId)]
	if !ok {
		return nil, apiError("InvalidInstanceID.NotFound")
	}
	if addr.AssociationId != nil && !aws.ToBool(params.AllowReassociation) {
		return nil, apiError("Resource.AlreadyAssociated")
	}
	addr.AssociationId = aws.String(f.nextID("eipassoc"))
	addr.InstanceId = params.InstanceId
	addr.PrivateIpAddress = inst.PrivateIpAddress
	return &ec2.AssociateAddressOutput{AssociationId: addr.AssociationId}, nil
}

func (f *fakeEC2) DisassociateAddress(ctx context.Context, params *ec2.DisassociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error) {
	err := f.begin("DisassociateAddress")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, addr := range f.addresses {
		if aws.ToString(addr.AssociationId) == aws.ToString(params.AssociationId) {
			addr.AssociationId = nil
			addr.InstanceId = nil
			addr.PrivateIpAddress = nil
			return &ec2.DisassociateAddressOutput{}, nil
		}
	}
	return nil, apiError("InvalidAssociationID.NotFound")
}
