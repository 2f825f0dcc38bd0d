// Package config loads desired-state documents and turns them into engine
// resource nodes.
//
// A document is YAML, JSON or CUE with the same shape in every format:
//
//	deployment: demo
//	settings: {concurrency: 4, max_retries: 3, call_timeout: 5m}
//	resources:
//	  - module: network
//	    type: vpc
//	    name: main
//	    target: cloud_network
//	    credential: aws
//	    inputs: {cidr: 10.0.0.0/16, private_segments: 2}
//	  - module: compute
//	    type: instance
//	    name: web
//	    target: cloud_compute
//	    credential: aws
//	    inputs:
//	      subnet_id: ${network.vpc.main.public_subnet_id}
//	    bootstrap:
//	      connection: {host: "${compute.instance.web.public_ip}", user: ubuntu, credential: web-ssh}
//	      readiness: 'state == "running"'
//	      steps:
//	        - upload: {source: ./install.sh, destination: /tmp/install.sh, mode: "0755"}
//	        - run: {command: sudo /tmp/install.sh}
//	outputs:
//	  - {label: web_url, source: compute.instance.web, output: public_ip, template: "http://{{ .Value }}"}
//
// # References
//
// A string input of the form ${module.type.name.output} is a reference to
// another node's output and adds a dependency edge. References may be
// embedded in longer strings ("http://${...}:8080") and used as list
// elements. "$${" writes a literal "${".
//
// # Validation
//
// Loading runs, in order: format decoding, the CUE document schema
// (unknown fields, value kinds), go-playground/validator struct tags
// (identities, targets, bounds), and semantic checks (duplicate
// identities, readiness expression syntax, reference syntax). All problems
// found in one phase are reported together as a *DocumentError.
// Reference targets and cycles are checked later by engine.GraphBuilder.
package config
