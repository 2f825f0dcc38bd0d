package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/straddle/pkg/engine"
)

func keyPairAttributes(kp *types.KeyPairInfo) engine.Attributes {
	id := aws.ToString(kp.KeyPairId)
	return engine.Attributes{
		engine.AttrID: id,
		"key_pair_id":  id,
		"key_name":     aws.ToString(kp.KeyName),
		"fingerprint":  aws.ToString(kp.KeyFingerprint),
	}
}

// applyKeyPair imports a public key. Key pair names are unique per region,
// so a same-named key that this node does not own is a conflict.
func (a *Adapter) applyKeyPair(ctx context.Context, api EC2API, req *engine.ApplyRequest) (engine.Attributes, error) {
	inputs := engine.Attributes(req.Inputs)
	publicKey := inputs.String("public_key")
	if publicKey == "" {
		return nil, validationError("public_key is required")
	}
	o := ownerOf(req.Deployment, req.Node)
	name := inputs.String("key_name")
	if name == "" {
		name = o.deployment + "-" + o.node.Name
	}

	input := &ec2.DescribeKeyPairsInput{KeyNames: []string{name}}
	if req.Identifier != "" {
		input = &ec2.DescribeKeyPairsInput{KeyPairIds: []string{req.Identifier}}
	}
	out, err := api.DescribeKeyPairs(ctx, input)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if err == nil && len(out.KeyPairs) > 0 {
		kp := out.KeyPairs[0]
		if tagValue(kp.Tags, TagNode) != o.node.String() || tagValue(kp.Tags, TagDeployment) != o.deployment {
			return nil, engine.NewConflictError(fmt.Sprintf("key pair %q exists and is not managed by this deployment", name), nil)
		}
		return keyPairAttributes(&kp), nil
	}

	imported, err := api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(publicKey),
		TagSpecifications: o.tagSpec(types.ResourceTypeKeyPair, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import key pair: %w", err)
	}
	a.logger.Info().Str("node", req.Node.String()).Str("key_name", name).Msg("Imported key pair")

	return keyPairAttributes(&types.KeyPairInfo{
		KeyPairId:      imported.KeyPairId,
		KeyName:        imported.KeyName,
		KeyFingerprint: imported.KeyFingerprint,
	}), nil
}

func (a *Adapter) readKeyPair(ctx context.Context, api EC2API, req *engine.ReadRequest) (engine.Attributes, error) {
	out, err := api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyPairIds: []string{req.Identifier}})
	if err != nil {
		return nil, err
	}
	if len(out.KeyPairs) == 0 {
		return nil, engine.NewNotFoundError("key pair " + req.Identifier + " not found")
	}
	return keyPairAttributes(&out.KeyPairs[0]), nil
}

func (a *Adapter) destroyKeyPair(ctx context.Context, api EC2API, req *engine.DestroyRequest) error {
	_, err := api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyPairId: aws.String(req.Identifier)})
	return err
}
