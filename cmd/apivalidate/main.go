// Command apivalidate is a CI-time lint: it builds the control plane's
// router without touching a database and checks that every registered
// /v1 route has an entry in a declared route table, and that every entry
// in that table is actually registered.
package main

import (
	"fmt"
	"os"
	"sort"

	"ghostplane.io/platform/internal/api"
	"ghostplane.io/platform/internal/api/middleware"
	"ghostplane.io/platform/internal/config"
)

// routePolicy declares one expected route: its method, path, endpoint
// name, and whether router.go gates it with an org-role check. Only
// method and path are compared against the registered routes;
// requiresOrgRole is counted in the summary line, not verified.
type routePolicy struct {
	method          string
	path            string
	endpointName    string
	requiresOrgRole bool
}

// expectedRoutes mirrors router.go's route table. A route registered at
// runtime but missing here, or declared here but not registered, is a
// drift error — the same failure mode as two copies of an OpenAPI
// document falling out of sync.
var expectedRoutes = []routePolicy{
	{"POST", "/v1/orgs", "orgs.create", false},
	{"POST", "/v1/orgs/:org_id/members", "org_members.add", true},
	{"POST", "/v1/orgs/:org_id/apps", "apps.create", true},
	{"POST", "/v1/orgs/:org_id/apps/:app_id/envs", "envs.create", true},
	{"POST", "/v1/orgs/:org_id/envs/:env_id/releases", "releases.create", true},
	{"POST", "/v1/orgs/:org_id/envs/:env_id/deploys", "deploys.create", true},
	{"PUT", "/v1/orgs/:org_id/envs/:env_id/scale", "envs.set_scale", true},
	{"GET", "/v1/orgs/:org_id/events", "events.list", true},
	{"GET", "/v1/debug/checkpoints", "debug.checkpoints", false},
	{"POST", "/v1/orgs/:org_id/instances/:instance_id/exec", "exec_sessions.create", true},
	{"POST", "/v1/nodes/:node_id/enroll", "nodes.enroll", false},
	{"POST", "/v1/nodes/:node_id/heartbeat", "nodes.heartbeat", false},
	{"GET", "/v1/nodes/:node_id/plan", "nodes.get_plan", false},
	{"POST", "/v1/nodes/:node_id/instances/:instance_id/status", "nodes.report_instance_status", false},
	{"POST", "/v1/nodes/:node_id/instances/:instance_id/exec/:exec_session_id/status", "exec_sessions.report_status", false},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "apivalidate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Built with nil-backed dependencies on purpose: route registration
	// never dereferences Pool/RoleResolver, only request handling does,
	// so this validates route wiring without a database.
	cfg := &config.ControlPlaneConfig{}
	deps := &api.Deps{RoleResolver: middleware.NewOrgRoleResolver(nil)}
	jwtCfg := middleware.JWTConfig{SigningKey: []byte("apivalidate-placeholder-key-not-used-for-signing")}

	router := api.NewRouter(cfg, deps, jwtCfg)

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		if len(r.Path) < 4 || r.Path[:4] != "/v1/" {
			continue
		}
		registered[r.Method+" "+r.Path] = true
	}

	expected := make(map[string]routePolicy, len(expectedRoutes))
	for _, p := range expectedRoutes {
		expected[p.method+" "+p.path] = p
	}

	var errs []string
	for key := range registered {
		if _, ok := expected[key]; !ok {
			errs = append(errs, fmt.Sprintf("registered route %s has no declared policy in apivalidate's table", key))
		}
	}
	for key, p := range expected {
		if !registered[key] {
			errs = append(errs, fmt.Sprintf("declared route %s (%s) is not actually registered", key, p.endpointName))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "  - "+e)
		}
		return fmt.Errorf("%d route policy drift error(s)", len(errs))
	}

	orgGated := 0
	for _, p := range expectedRoutes {
		if p.requiresOrgRole {
			orgGated++
		}
	}
	fmt.Printf("OK: %d routes registered, all match declared policy (%d org-role-gated)\n", len(registered), orgGated)
	return nil
}
