package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		bootstrapKeyAuthPolicy(),
		imageOwnerPolicy(),
		destroyProtectionPolicy(),
	}
}

// bootstrapKeyAuthPolicy requires key-based SSH for bootstrap connections.
func bootstrapKeyAuthPolicy() Policy {
	return Policy{
		Name:        "bootstrap-key-auth",
		Description: "Bootstrap connections must authenticate with an SSH key",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package straddle.bootstrap

deny contains violation if {
	some node in input.nodes
	node.bootstrap
	node.bootstrap.auth_method != "key"
	violation := {
		"node": node.id,
		"message": sprintf("bootstrap of %s uses %s authentication; only key authentication is allowed", [node.id, node.bootstrap.auth_method]),
	}
}

deny contains violation if {
	some node in input.nodes
	node.bootstrap
	node.bootstrap.user == "root"
	node.bootstrap.port == 22
	violation := {
		"node": node.id,
		"severity": "warning",
		"message": sprintf("bootstrap of %s logs in as root on the default port", [node.id]),
	}
}
`,
	}
}

// imageOwnerPolicy rejects cloud instances whose image may come from any
// account.
func imageOwnerPolicy() Policy {
	return Policy{
		Name:        "image-owner",
		Description: "Cloud instances must pin the owner of their machine image",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package straddle.images

deny contains violation if {
	some node in input.nodes
	node.target == "cloud_compute"
	node.inputs.image_owner == "*"
	violation := {
		"node": node.id,
		"message": sprintf("%s accepts images from any owner; set image_owner to an account id or alias", [node.id]),
	}
}
`,
	}
}

// destroyProtectionPolicy blocks teardown of nodes marked as protected.
func destroyProtectionPolicy() Policy {
	return Policy{
		Name:        "destroy-protection",
		Description: "Nodes with the prevent_destroy input cannot be destroyed",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package straddle.protection

deny contains violation if {
	input.operation == "destroy"
	some node in input.nodes
	node.inputs.prevent_destroy == true
	violation := {
		"node": node.id,
		"message": sprintf("%s sets prevent_destroy", [node.id]),
	}
}

deny contains violation if {
	some node in input.nodes
	node.action == "delete"
	node.inputs.prevent_destroy == true
	violation := {
		"node": node.id,
		"message": sprintf("plan deletes %s, which sets prevent_destroy", [node.id]),
	}
}
`,
	}
}
