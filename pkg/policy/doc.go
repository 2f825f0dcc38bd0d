// Package policy gates plans with Open Policy Agent Rego policies.
//
// Every policy is a Rego module (v1 syntax) with a deny set. The input is
// the planned graph: one entry per node with its identity, target,
// planned action, inputs and bootstrap connection.
//
//	package straddle.custom
//
//	deny contains violation if {
//		some node in input.nodes
//		node.target == "onprem_container"
//		node.inputs.memory > 8192
//		violation := {"node": node.id, "message": "containers are limited to 8 GiB"}
//	}
//
// A deny entry is a message string or an object with message, node and
// severity. Error and critical violations block apply; warnings are
// reported only.
//
// Built-in policies:
//
//   - bootstrap-key-auth: bootstrap connections authenticate with a key
//   - image-owner: cloud instances do not accept images from any owner ("*")
//   - destroy-protection: nodes with prevent_destroy: true are not deleted
package policy
