package server

import (
	"fmt"
	"os"
)

// defaultGatewayConfig is the scaffold written by Init. It mirrors the
// GatewayOption fields loadGatewaySetting expects, with one example
// subgraph service left commented as a template.
const defaultGatewayConfig = `endpoint: /graphql
service_name: federation-gateway
port: 4000
health_port: 4001
timeout_duration: 5s
drain_timeout: 30s
max_inflight_requests: 0
enable_hang_over_request_header: true
opentelemetry:
  tracing:
    enable: false
planner:
  max_options_per_field: 500
  max_cartesian_product: 20000
  soft_timeout: 4s
  hard_timeout: 30s
  early_exit_after: 2s
  early_exit_cost: 2000
  check_interval: 1s
plan_cache:
  capacity: 1024
  ttl: ""
  negative_ttl: ""
reload:
  interval: ""
  retry:
    attempts: 3
    timeout: 5s
services: []
# services:
#   - name: products
#     host: http://localhost:4001/graphql
#     schema_files:
#       - schemas/products.graphql
`

// Init scaffolds a gateway.yaml in the current directory so a new project
// has a working config to edit, mirroring the "init" step of the CLI.
func Init() {
	const path = "gateway.yaml"

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("%s already exists, leaving it untouched\n", path)
		return
	}

	if err := os.WriteFile(path, []byte(defaultGatewayConfig), 0o644); err != nil {
		fmt.Printf("failed to write %s: %v\n", path, err)
		return
	}

	fmt.Printf("wrote %s\n", path)
}
