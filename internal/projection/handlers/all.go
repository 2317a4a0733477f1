package handlers

import "ghostplane.io/platform/internal/projection"

// All returns every registered projection handler. Order doesn't matter
// (spec §4.3) — each handler's checkpoint advances independently.
func All() []projection.Handler {
	return []projection.Handler{
		OrgsHandler{},
		OrgMembersHandler{},
		AppsHandler{},
		EnvsHandler{},
		EnvConfigHandler{},
		EnvNetworkingHandler{},
		ReleasesHandler{},
		DeploysHandler{},
		RoutesHandler{},
		SecretBundlesHandler{},
		VolumesHandler{},
		SnapshotsHandler{},
		RestoreJobsHandler{},
		ExecSessionsHandler{},
		NodesHandler{},
		InstancesHandler{},
	}
}
