package types

// TenantDatabase describes the isolated database provisioned for one tenant.
// Name is derived deterministically from the tenant id and is the key used to
// find an existing instance in the control plane.
type TenantDatabase struct {
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	ProjectID        string `json:"project_id"`
	BranchID         string `json:"branch_id"`
	EndpointID       string `json:"endpoint_id"`
	ConnectionString string `json:"-"`

	// Created is true only when this call created the instance. Callers use it
	// to decide whether the full schema initialization has to run.
	Created bool `json:"created"`
}
