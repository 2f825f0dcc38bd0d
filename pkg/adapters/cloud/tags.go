package cloud

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Tag keys written on every managed resource.
const (
	TagDeployment = "straddle:deployment"
	TagNode       = "straddle:node"
	TagComponent  = "straddle:component"
	TagName       = "Name"
)

// owner identifies the node a resource belongs to.
type owner struct {
	deployment string
	node       engine.NodeID
}

func ownerOf(deployment string, node engine.NodeID) owner {
	return owner{deployment: deployment, node: node}
}

// tags returns the tag set for a resource. component distinguishes the
// parts of a composite resource such as a network; it may be empty.
func (o owner) tags(component string) []types.Tag {
	name := o.deployment + "-" + o.node.Name
	if component != "" {
		name += "-" + component
	}
	tags := []types.Tag{
		{Key: aws.String(TagDeployment), Value: aws.String(o.deployment)},
		{Key: aws.String(TagNode), Value: aws.String(o.node.String())},
		{Key: aws.String(TagName), Value: aws.String(name)},
	}
	if component != "" {
		tags = append(tags, types.Tag{Key: aws.String(TagComponent), Value: aws.String(component)})
	}
	return tags
}

func (o owner) tagSpec(resourceType types.ResourceType, component string) []types.TagSpecification {
	return []types.TagSpecification{{ResourceType: resourceType, Tags: o.tags(component)}}
}

// filters selects resources owned by the node, narrowed to one component when given.
func (o owner) filters(component string) []types.Filter {
	filters := []types.Filter{
		{Name: aws.String("tag:" + TagDeployment), Values: []string{o.deployment}},
		{Name: aws.String("tag:" + TagNode), Values: []string{o.node.String()}},
	}
	if component != "" {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + TagComponent), Values: []string{component}})
	}
	return filters
}

// clientToken is a stable idempotency token for RunInstances so that a
// retried create returns the instance launched by the first attempt. The
// salt distinguishes a replacement from the instance it replaces.
func (o owner) clientToken(salt string) string {
	sum := sha256.Sum256([]byte(o.deployment + "/" + o.node.String() + "/" + salt))
	return hex.EncodeToString(sum[:])
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
